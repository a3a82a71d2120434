package auth

import (
	"context"
	"fmt"
	"strings"
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

func setup(t *testing.T) (*Service, *gorm.DB, *models.User) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.User{}, &models.APIKey{}))

	user := &models.User{
		ID:    models.NewUUID(),
		Email: "owner@example.com",
		Tier:  models.TierOne,
	}
	require.NoError(t, db.Create(user).Error)

	return NewService(db, zap.NewNop()), db, user
}

func TestCreateAndValidate(t *testing.T) {
	svc, _, user := setup(t)
	ctx := context.Background()

	key, plaintext, err := svc.CreateKey(ctx, user.ID, "ci key", nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, KeyPrefix))
	assert.True(t, strings.HasPrefix(plaintext, key.KeyPrefix))
	assert.NotContains(t, key.KeyHash, plaintext)

	gotKey, gotUser, err := svc.Validate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, key.ID, gotKey.ID)
	assert.Equal(t, user.ID, gotUser.ID)
	assert.Equal(t, models.TierOne, gotUser.Tier)
}

func TestValidate_MalformedRejectedWithoutLookup(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()

	for _, presented := range []string{
		"",
		"nv_short",
		"sk_" + strings.Repeat("a", 48),
		strings.Repeat("a", 51),
	} {
		_, _, err := svc.Validate(ctx, presented)
		assert.ErrorIs(t, err, ErrInvalidKey, "presented=%q", presented)
	}
}

func TestValidate_UnknownKey(t *testing.T) {
	svc, _, _ := setup(t)

	_, _, err := svc.Validate(context.Background(), KeyPrefix+strings.Repeat("x", 48))
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestValidate_RevocationTakesEffectImmediately(t *testing.T) {
	svc, _, user := setup(t)
	ctx := context.Background()

	key, plaintext, err := svc.CreateKey(ctx, user.ID, "to revoke", nil)
	require.NoError(t, err)

	_, _, err = svc.Validate(ctx, plaintext)
	require.NoError(t, err)

	require.NoError(t, svc.RevokeKey(ctx, user.ID, key.ID))

	_, _, err = svc.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrKeyRevoked)
}

func TestValidate_ExpiredKey(t *testing.T) {
	svc, _, user := setup(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	_, plaintext, err := svc.CreateKey(ctx, user.ID, "expired", &past)
	require.NoError(t, err)

	_, _, err = svc.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrKeyExpired)
}

func TestRevokeKey_WrongOwner(t *testing.T) {
	svc, _, user := setup(t)
	ctx := context.Background()

	key, _, err := svc.CreateKey(ctx, user.ID, "mine", nil)
	require.NoError(t, err)

	err = svc.RevokeKey(ctx, models.NewUUID(), key.ID)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestSweepExpired(t *testing.T) {
	svc, db, user := setup(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	expired, _, err := svc.CreateKey(ctx, user.ID, "old", &past)
	require.NoError(t, err)
	live, _, err := svc.CreateKey(ctx, user.ID, "live", nil)
	require.NoError(t, err)

	n, err := svc.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	var got models.APIKey
	require.NoError(t, db.First(&got, "id = ?", expired.ID).Error)
	assert.True(t, got.Revoked)
	got = models.APIKey{}
	require.NoError(t, db.First(&got, "id = ?", live.ID).Error)
	assert.False(t, got.Revoked)
}

func TestListKeys(t *testing.T) {
	svc, _, user := setup(t)
	ctx := context.Background()

	_, _, err := svc.CreateKey(ctx, user.ID, "one", nil)
	require.NoError(t, err)
	_, _, err = svc.CreateKey(ctx, user.ID, "two", nil)
	require.NoError(t, err)

	keys, err := svc.ListKeys(ctx, user.ID)
	require.NoError(t, err)
	assert.Len(t, keys, 2)
}
