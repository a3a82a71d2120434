// Package ratelimit is the admission control core: it advances an account's
// per-second, per-minute, and per-day usage counters in one atomic store
// operation and evaluates them against the account tier's effective policy.
package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nutrivault/nutrivault/pkg/metrics"
	"github.com/nutrivault/nutrivault/pkg/models"
)

// SecondSafetyCap is the global per-second ceiling applied to every account
// regardless of tier. It protects the host and is deliberately not
// configurable at runtime.
const SecondSafetyCap = 25

// Limit type tags surfaced to callers on throttled responses.
const (
	LimitSecond = "second"
	LimitMinute = "minute"
	LimitDaily  = "daily"
)

// PolicySource resolves the effective limits for a tier.
type PolicySource interface {
	EffectiveLimits(ctx context.Context, tier models.Tier) models.TierLimits
}

// Result is the outcome of one admission check.
type Result struct {
	Allowed    bool                 `json:"allowed"`
	LimitType  string               `json:"limit_type,omitempty"`
	RetryAfter int64                `json:"retry_after_seconds,omitempty"`
	Minute     models.RateLimitInfo `json:"minute"`
	Daily      models.RateLimitInfo `json:"daily"`
	FailedOpen bool                 `json:"-"`
}

// Limiter checks and records per-account usage.
type Limiter struct {
	db       *gorm.DB
	policies PolicySource
	logger   *zap.Logger
	now      func() time.Time
}

// NewLimiter creates a rate limiter backed by the store of record.
func NewLimiter(db *gorm.DB, policies PolicySource, logger *zap.Logger) *Limiter {
	return &Limiter{db: db, policies: policies, logger: logger, now: time.Now}
}

// upsertSQL advances all three windows in a single conditional update so
// concurrent requests for one account never race on stale counts. The CASE
// expressions mirror Roll. Portable across Postgres and SQLite.
const upsertSQL = `
INSERT INTO usage_counters (id, account_id, day, daily_count, minute_count, minute_start, second_count, second_start, updated_at)
VALUES (?, ?, ?, 1, 1, ?, 1, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	daily_count  = usage_counters.daily_count + 1,
	minute_count = CASE WHEN usage_counters.minute_start < excluded.minute_start THEN 1 ELSE usage_counters.minute_count + 1 END,
	minute_start = CASE WHEN usage_counters.minute_start < excluded.minute_start THEN excluded.minute_start ELSE usage_counters.minute_start END,
	second_count = CASE WHEN usage_counters.second_start < excluded.second_start THEN 1 ELSE usage_counters.second_count + 1 END,
	second_start = CASE WHEN usage_counters.second_start < excluded.second_start THEN excluded.second_start ELSE usage_counters.second_start END,
	updated_at   = excluded.updated_at
RETURNING daily_count, minute_count, second_count`

type counterRow struct {
	DailyCount  int64
	MinuteCount int64
	SecondCount int64
}

// Check records one request for the account and decides admission. Checks
// run in strict priority order: global second cap, tier minute limit, tier
// daily limit. The monthly limit is reported elsewhere but never enforced
// here; enforcing it would mean summing a month of daily buckets on every
// request.
//
// If the counter upsert fails the limiter fails open: briefly
// under-enforcing limits beats blocking all traffic on a store hiccup.
func (l *Limiter) Check(ctx context.Context, accountID string, tier models.Tier) *Result {
	now := l.now().UTC()
	limits := l.policies.EffectiveLimits(ctx, tier)

	id, err := models.CounterID(accountID, DayKey(now))
	if err != nil {
		// Guard against the empty-composite-key corruption class: never
		// write a row, never block the request.
		l.logger.Error("Refusing usage counter write for empty account id", zap.Error(err))
		return l.failOpen(now, limits)
	}

	var row counterRow
	tx := l.db.WithContext(ctx).Raw(upsertSQL,
		id, accountID, DayKey(now), MinuteStart(now), SecondStart(now), now,
	).Scan(&row)
	if tx.Error != nil {
		msg := tx.Error.Error()
		dup := strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
		l.logger.Error("Usage counter upsert failed, failing open",
			zap.String("account_id", accountID),
			zap.Bool("duplicate_key", dup),
			zap.Error(tx.Error))
		return l.failOpen(now, limits)
	}

	res := &Result{
		Allowed: true,
		Minute:  windowInfo(limits.MinuteLimit, row.MinuteCount, now.Add(time.Duration(SecondsToMinuteEnd(now))*time.Second)),
		Daily:   windowInfo(limits.DailyLimit, row.DailyCount, now.Add(time.Duration(SecondsToMidnightUTC(now))*time.Second)),
	}

	switch {
	case row.SecondCount > SecondSafetyCap:
		res.Allowed = false
		res.LimitType = LimitSecond
		res.RetryAfter = 1
	case limits.MinuteLimit > 0 && row.MinuteCount > limits.MinuteLimit:
		res.Allowed = false
		res.LimitType = LimitMinute
		res.RetryAfter = SecondsToMinuteEnd(now)
	case limits.DailyLimit > 0 && row.DailyCount > limits.DailyLimit:
		res.Allowed = false
		res.LimitType = LimitDaily
		res.RetryAfter = SecondsToMidnightUTC(now)
	}

	if res.Allowed {
		metrics.AdmissionDecisions.WithLabelValues("allowed", "").Inc()
	} else {
		metrics.AdmissionDecisions.WithLabelValues("denied", res.LimitType).Inc()
	}
	return res
}

func (l *Limiter) failOpen(now time.Time, limits models.TierLimits) *Result {
	metrics.FailOpen.Inc()
	metrics.AdmissionDecisions.WithLabelValues("allowed", "").Inc()
	return &Result{
		Allowed:    true,
		FailedOpen: true,
		Minute:     windowInfo(limits.MinuteLimit, 0, now.Add(time.Duration(SecondsToMinuteEnd(now))*time.Second)),
		Daily:      windowInfo(limits.DailyLimit, 0, now.Add(time.Duration(SecondsToMidnightUTC(now))*time.Second)),
	}
}

// Usage returns the account's consumption today plus a month-to-date total
// aggregated from daily buckets. Reporting only; not on the request path.
func (l *Limiter) Usage(ctx context.Context, accountID string, tier models.Tier) (*models.UsageReport, error) {
	now := l.now().UTC()
	limits := l.policies.EffectiveLimits(ctx, tier)

	id, err := models.CounterID(accountID, DayKey(now))
	if err != nil {
		return nil, err
	}

	report := &models.UsageReport{
		AccountID: accountID,
		Day:       DayKey(now),
		Limits:    limits,
	}

	var counter models.UsageCounter
	err = l.db.WithContext(ctx).First(&counter, "id = ?", id).Error
	if err == nil {
		report.DailyCount = counter.DailyCount
		// Report the live minute window only; a stale window means zero.
		if counter.MinuteStart == MinuteStart(now) {
			report.MinuteCount = counter.MinuteCount
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	var monthTotal int64
	err = l.db.WithContext(ctx).
		Model(&models.UsageCounter{}).
		Select("COALESCE(SUM(daily_count), 0)").
		Where("account_id = ? AND day LIKE ?", accountID, MonthPrefix(now)+"%").
		Scan(&monthTotal).Error
	if err != nil {
		return nil, err
	}
	report.MonthToDate = monthTotal

	return report, nil
}

// SweepCounters deletes counter rows older than the retention window. Rows
// expire on wall-clock age, independent of request activity.
func (l *Limiter) SweepCounters(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := l.now().UTC().Add(-retention)
	res := l.db.WithContext(ctx).
		Where("updated_at < ?", cutoff).
		Delete(&models.UsageCounter{})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		l.logger.Info("Expired usage counters removed", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// StartRetentionSweep runs SweepCounters on a ticker until ctx is done.
func (l *Limiter) StartRetentionSweep(ctx context.Context, interval, retention time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := l.SweepCounters(ctx, retention); err != nil {
					l.logger.Error("Usage counter sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

func windowInfo(limit, used int64, resetAt time.Time) models.RateLimitInfo {
	remaining := limit - used
	if remaining < 0 {
		remaining = 0
	}
	return models.RateLimitInfo{
		Limit:     limit,
		Used:      used,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
