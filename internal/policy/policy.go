// Package policy resolves effective rate limit configuration per tier by
// merging operator overrides from the store of record over compiled-in
// defaults, with a short-TTL cache in front.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nutrivault/nutrivault/pkg/models"
)

const (
	// settingsKey is the single settings document holding per-tier overrides.
	settingsKey = "rate_limit_overrides"

	// cacheKey holds the fully merged per-tier limits map.
	cacheKey = "policy:rate_limits:effective"
)

// DefaultCacheTTL bounds how stale an effective policy read can be after an
// out-of-band settings change.
const DefaultCacheTTL = 5 * time.Minute

// Cache is the subset of the cache service the resolver needs.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration) bool
	Delete(ctx context.Context, keys ...string)
}

// Resolver computes and caches effective tier limits.
type Resolver struct {
	db     *gorm.DB
	cache  Cache
	logger *zap.Logger
	ttl    time.Duration
}

// NewResolver creates a policy resolver. A zero ttl uses DefaultCacheTTL.
func NewResolver(db *gorm.DB, cache Cache, logger *zap.Logger, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Resolver{db: db, cache: cache, logger: logger, ttl: ttl}
}

// EffectiveLimits returns the merged limits for a tier. Unknown tiers resolve
// to the free tier. The caller always gets a complete config: merge happens
// before anything is cached or returned, and any failure along the way falls
// back to compiled defaults.
func (r *Resolver) EffectiveLimits(ctx context.Context, tier models.Tier) models.TierLimits {
	if !tier.Valid() {
		tier = models.TierFree
	}
	all := r.effectiveAll(ctx)
	return all[tier]
}

// UpdatePolicy merges the patch over the tier's current effective config and
// persists the result, so previously-set optional fields survive partial
// updates. The cached policy is invalidated before returning.
func (r *Resolver) UpdatePolicy(ctx context.Context, tier models.Tier, patch models.TierLimitsPatch) (models.TierLimits, error) {
	if !tier.Valid() {
		return models.TierLimits{}, fmt.Errorf("unknown tier %q", tier)
	}

	overrides := r.loadOverrides(ctx)
	current := models.DefaultTierLimits(tier)
	if o, ok := overrides[tier]; ok {
		current = o.Apply(current)
	}
	merged := patch.Apply(current)

	overrides[tier] = fullPatch(merged)
	if err := r.saveOverrides(ctx, overrides); err != nil {
		return models.TierLimits{}, err
	}

	r.cache.Delete(ctx, cacheKey)
	r.logger.Info("Rate limit policy updated",
		zap.String("tier", string(tier)),
		zap.Int64("minute_limit", merged.MinuteLimit),
		zap.Int64("daily_limit", merged.DailyLimit))
	return merged, nil
}

// ResetPolicy writes the compiled default for the tier back into the settings
// document and invalidates the cached policy.
func (r *Resolver) ResetPolicy(ctx context.Context, tier models.Tier) (models.TierLimits, error) {
	if !tier.Valid() {
		return models.TierLimits{}, fmt.Errorf("unknown tier %q", tier)
	}

	overrides := r.loadOverrides(ctx)
	def := models.DefaultTierLimits(tier)
	overrides[tier] = fullPatch(def)
	if err := r.saveOverrides(ctx, overrides); err != nil {
		return models.TierLimits{}, err
	}

	r.cache.Delete(ctx, cacheKey)
	r.logger.Info("Rate limit policy reset to defaults", zap.String("tier", string(tier)))
	return def, nil
}

// effectiveAll returns the merged limits for every tier, reading through the
// cache. The full map is cached in one entry so all tiers stay consistent.
func (r *Resolver) effectiveAll(ctx context.Context) map[models.Tier]models.TierLimits {
	if raw, ok := r.cache.Get(ctx, cacheKey); ok {
		var all map[models.Tier]models.TierLimits
		if err := json.Unmarshal([]byte(raw), &all); err == nil && complete(all) {
			return all
		}
		r.logger.Warn("Discarding malformed cached policy", zap.String("key", cacheKey))
	}

	overrides := r.loadOverrides(ctx)
	all := make(map[models.Tier]models.TierLimits, len(models.Tiers))
	for _, tier := range models.Tiers {
		limits := models.DefaultTierLimits(tier)
		if o, ok := overrides[tier]; ok {
			limits = o.Apply(limits)
		}
		all[tier] = limits
	}

	if raw, err := json.Marshal(all); err == nil {
		r.cache.Set(ctx, cacheKey, string(raw), r.ttl)
	}
	return all
}

// loadOverrides reads the settings document. A missing row or malformed
// payload degrades to no overrides; the limiter must never be left without a
// usable policy.
func (r *Resolver) loadOverrides(ctx context.Context) map[models.Tier]models.TierLimitsPatch {
	var setting models.Setting
	err := r.db.WithContext(ctx).First(&setting, "key = ?", settingsKey).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			r.logger.Warn("Failed to read rate limit overrides, using defaults", zap.Error(err))
		}
		return map[models.Tier]models.TierLimitsPatch{}
	}

	var overrides map[models.Tier]models.TierLimitsPatch
	if err := json.Unmarshal([]byte(setting.Value), &overrides); err != nil {
		r.logger.Warn("Malformed rate limit overrides, using defaults", zap.Error(err))
		return map[models.Tier]models.TierLimitsPatch{}
	}
	return overrides
}

func (r *Resolver) saveOverrides(ctx context.Context, overrides map[models.Tier]models.TierLimitsPatch) error {
	raw, err := json.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("failed to marshal rate limit overrides: %w", err)
	}
	setting := models.Setting{Key: settingsKey, Value: string(raw), UpdatedAt: time.Now().UTC()}
	if err := r.db.WithContext(ctx).Save(&setting).Error; err != nil {
		return fmt.Errorf("failed to persist rate limit overrides: %w", err)
	}
	return nil
}

func fullPatch(l models.TierLimits) models.TierLimitsPatch {
	return models.TierLimitsPatch{
		MinuteLimit:  &l.MinuteLimit,
		DailyLimit:   &l.DailyLimit,
		MonthlyLimit: &l.MonthlyLimit,
		Burst:        &l.Burst,
	}
}

func complete(all map[models.Tier]models.TierLimits) bool {
	for _, tier := range models.Tiers {
		if _, ok := all[tier]; !ok {
			return false
		}
	}
	return true
}
