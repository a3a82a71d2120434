package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// AdmissionDecisions counts rate limit outcomes by result and limit type.
// limit_type is empty for allowed requests.
var AdmissionDecisions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "nutrivault_admission_decisions_total",
		Help: "Total admission control decisions by result and limit type",
	},
	[]string{"result", "limit_type"},
)

// FailOpen counts requests admitted because the counter store was unavailable
var FailOpen = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "nutrivault_ratelimit_fail_open_total",
		Help: "Requests allowed because the usage counter upsert failed",
	},
)

// AuthFailures counts rejected credentials by reason
var AuthFailures = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "nutrivault_auth_failures_total",
		Help: "Total API key validation failures by reason",
	},
	[]string{"reason"},
)

// Cache hit/miss counters by logical keyspace (policy, response, ...)
var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrivault_cache_hits_total",
			Help: "Cache hits by keyspace",
		},
		[]string{"keyspace"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nutrivault_cache_misses_total",
			Help: "Cache misses by keyspace",
		},
		[]string{"keyspace"},
	)
)

func init() {
	prometheus.MustRegister(AdmissionDecisions, FailOpen, AuthFailures)
	prometheus.MustRegister(CacheHits, CacheMisses)
}
