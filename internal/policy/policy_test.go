package policy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/nutrivault/nutrivault/pkg/models"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	sets    int
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (f *fakeCache) Get(ctx context.Context, key string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.entries[key]
	return v, ok
}

func (f *fakeCache) Set(ctx context.Context, key, value string, ttl time.Duration) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = value
	f.sets++
	return true
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.entries, k)
	}
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))
	return db
}

func TestEffectiveLimits_Defaults(t *testing.T) {
	r := NewResolver(openTestDB(t), newFakeCache(), zap.NewNop(), 0)

	limits := r.EffectiveLimits(context.Background(), models.TierFree)
	assert.Equal(t, models.DefaultTierLimits(models.TierFree), limits)

	limits = r.EffectiveLimits(context.Background(), models.TierTwo)
	assert.Equal(t, models.DefaultTierLimits(models.TierTwo), limits)
}

func TestEffectiveLimits_UnknownTierFallsBackToFree(t *testing.T) {
	r := NewResolver(openTestDB(t), newFakeCache(), zap.NewNop(), 0)

	limits := r.EffectiveLimits(context.Background(), models.Tier("platinum"))
	assert.Equal(t, models.DefaultTierLimits(models.TierFree), limits)
}

func TestUpdatePolicy_FreshReadAndFieldPreservation(t *testing.T) {
	r := NewResolver(openTestDB(t), newFakeCache(), zap.NewNop(), 0)
	ctx := context.Background()

	daily := int64(9999)
	_, err := r.UpdatePolicy(ctx, models.TierOne, models.TierLimitsPatch{DailyLimit: &daily})
	require.NoError(t, err)

	// Prime the cache, then update again and verify the read is not stale.
	_ = r.EffectiveLimits(ctx, models.TierOne)

	minute := int64(10)
	merged, err := r.UpdatePolicy(ctx, models.TierOne, models.TierLimitsPatch{MinuteLimit: &minute})
	require.NoError(t, err)
	assert.Equal(t, int64(10), merged.MinuteLimit)
	assert.Equal(t, int64(9999), merged.DailyLimit, "previously-set field must survive a partial update")

	limits := r.EffectiveLimits(ctx, models.TierOne)
	assert.Equal(t, int64(10), limits.MinuteLimit)
	assert.Equal(t, int64(9999), limits.DailyLimit)
	assert.Equal(t, models.DefaultTierLimits(models.TierOne).MonthlyLimit, limits.MonthlyLimit)
}

func TestUpdatePolicy_DoesNotTouchOtherTiers(t *testing.T) {
	r := NewResolver(openTestDB(t), newFakeCache(), zap.NewNop(), 0)
	ctx := context.Background()

	minute := int64(1)
	_, err := r.UpdatePolicy(ctx, models.TierFree, models.TierLimitsPatch{MinuteLimit: &minute})
	require.NoError(t, err)

	assert.Equal(t, models.DefaultTierLimits(models.TierTwo), r.EffectiveLimits(ctx, models.TierTwo))
}

func TestResetPolicy_RestoresCompiledDefaults(t *testing.T) {
	r := NewResolver(openTestDB(t), newFakeCache(), zap.NewNop(), 0)
	ctx := context.Background()

	minute, daily := int64(3), int64(7)
	_, err := r.UpdatePolicy(ctx, models.TierOne, models.TierLimitsPatch{MinuteLimit: &minute, DailyLimit: &daily})
	require.NoError(t, err)

	def, err := r.ResetPolicy(ctx, models.TierOne)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultTierLimits(models.TierOne), def)

	assert.Equal(t, models.DefaultTierLimits(models.TierOne), r.EffectiveLimits(ctx, models.TierOne))
}

func TestEffectiveLimits_MalformedOverridesFallBack(t *testing.T) {
	db := openTestDB(t)
	r := NewResolver(db, newFakeCache(), zap.NewNop(), 0)

	require.NoError(t, db.Save(&models.Setting{Key: "rate_limit_overrides", Value: "{not json"}).Error)

	limits := r.EffectiveLimits(context.Background(), models.TierFree)
	assert.Equal(t, models.DefaultTierLimits(models.TierFree), limits)
}

func TestEffectiveLimits_CachesMergedResult(t *testing.T) {
	cache := newFakeCache()
	r := NewResolver(openTestDB(t), cache, zap.NewNop(), 0)
	ctx := context.Background()

	_ = r.EffectiveLimits(ctx, models.TierFree)
	_ = r.EffectiveLimits(ctx, models.TierOne)

	assert.Equal(t, 1, cache.sets, "second read should be served from cache")
}

func TestUpdatePolicy_UnknownTier(t *testing.T) {
	r := NewResolver(openTestDB(t), newFakeCache(), zap.NewNop(), 0)

	minute := int64(5)
	_, err := r.UpdatePolicy(context.Background(), models.Tier("gold"), models.TierLimitsPatch{MinuteLimit: &minute})
	assert.Error(t, err)
}
