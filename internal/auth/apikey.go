// Package auth authenticates API credentials against the hashed key index
// and manages the key lifecycle. It is a pure gate: rate limiting happens
// downstream with the account this package resolves.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nutrivault/nutrivault/pkg/metrics"
	"github.com/nutrivault/nutrivault/pkg/models"
)

// KeyPrefix is the recognizable prefix every issued key starts with.
const KeyPrefix = "nv_"

// secretLen is the number of random base62 characters after the prefix.
const secretLen = 48

// Typed rejections, all mapped to HTTP 401 by the middleware.
var (
	ErrInvalidKey = errors.New("api key: invalid")
	ErrKeyRevoked = errors.New("api key: revoked")
	ErrKeyExpired = errors.New("api key: expired")
)

// Service validates presented keys and manages their lifecycle.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates an API key service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Validate authenticates a presented key and resolves its owning account.
// The prefix check runs before any store access so obviously malformed
// credentials are rejected cheaply. On success a detached best-effort update
// of the key's last-used timestamp is scheduled; it never blocks or fails
// the request.
func (s *Service) Validate(ctx context.Context, presented string) (*models.APIKey, *models.User, error) {
	if !strings.HasPrefix(presented, KeyPrefix) || len(presented) != len(KeyPrefix)+secretLen {
		metrics.AuthFailures.WithLabelValues("malformed").Inc()
		return nil, nil, ErrInvalidKey
	}

	hash := HashKey(presented)

	var key models.APIKey
	err := s.db.WithContext(ctx).First(&key, "key_hash = ?", hash).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			metrics.AuthFailures.WithLabelValues("unknown").Inc()
			return nil, nil, ErrInvalidKey
		}
		return nil, nil, fmt.Errorf("failed to look up api key: %w", err)
	}

	now := time.Now().UTC()
	if key.Revoked {
		metrics.AuthFailures.WithLabelValues("revoked").Inc()
		return nil, nil, ErrKeyRevoked
	}
	if key.ExpiresAt != nil && now.After(*key.ExpiresAt) {
		metrics.AuthFailures.WithLabelValues("expired").Inc()
		return nil, nil, ErrKeyExpired
	}

	var user models.User
	if err := s.db.WithContext(ctx).First(&user, "id = ?", key.UserID).Error; err != nil {
		return nil, nil, fmt.Errorf("failed to resolve key owner: %w", err)
	}

	s.touchLastUsed(key.ID, now)

	return &key, &user, nil
}

// touchLastUsed updates the key's last-used timestamp in a detached,
// panic-safe goroutine. Errors are logged and dropped.
func (s *Service) touchLastUsed(keyID uuid.UUID, at time.Time) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("Panic in last-used update", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := s.db.WithContext(ctx).
			Model(&models.APIKey{}).
			Where("id = ?", keyID).
			Update("last_used_at", at).Error
		if err != nil {
			s.logger.Warn("Failed to update key last-used timestamp",
				zap.String("key_id", keyID.String()), zap.Error(err))
		}
	}()
}

// CreateKey issues a new key for the user. The plaintext secret is returned
// exactly once and never persisted.
func (s *Service) CreateKey(ctx context.Context, userID uuid.UUID, name string, expiresAt *time.Time) (*models.APIKey, string, error) {
	secret, err := generateSecret()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate api key: %w", err)
	}
	plaintext := KeyPrefix + secret

	now := time.Now().UTC()
	key := models.APIKey{
		ID:        models.NewUUID(),
		UserID:    userID,
		Name:      name,
		KeyHash:   HashKey(plaintext),
		KeyPrefix: plaintext[:len(KeyPrefix)+6],
		ExpiresAt: expiresAt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&key).Error; err != nil {
		return nil, "", fmt.Errorf("failed to store api key: %w", err)
	}

	s.logger.Info("API key created",
		zap.String("key_id", key.ID.String()),
		zap.String("user_id", userID.String()),
		zap.String("prefix", key.KeyPrefix))
	return &key, plaintext, nil
}

// RevokeKey soft-revokes a key owned by the user. Keys are never hard-deleted
// so the audit trail survives.
func (s *Service) RevokeKey(ctx context.Context, userID, keyID uuid.UUID) error {
	res := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("id = ? AND user_id = ?", keyID, userID).
		Updates(map[string]interface{}{"revoked": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return fmt.Errorf("failed to revoke api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInvalidKey
	}

	s.logger.Info("API key revoked",
		zap.String("key_id", keyID.String()),
		zap.String("user_id", userID.String()))
	return nil
}

// ListKeys returns the user's keys, hashes excluded by the model's JSON tags.
func (s *Service) ListKeys(ctx context.Context, userID uuid.UUID) ([]models.APIKey, error) {
	var keys []models.APIKey
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&keys).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// SweepExpired marks expired keys as revoked. Run periodically from the
// process, not on the request path.
func (s *Service) SweepExpired(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Model(&models.APIKey{}).
		Where("revoked = ? AND expires_at IS NOT NULL AND expires_at < ?", false, time.Now().UTC()).
		Updates(map[string]interface{}{"revoked": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to sweep expired keys: %w", res.Error)
	}
	if res.RowsAffected > 0 {
		s.logger.Info("Expired API keys revoked", zap.Int64("count", res.RowsAffected))
	}
	return res.RowsAffected, nil
}

// StartExpirySweep runs SweepExpired on a ticker until the context is done.
func (s *Service) StartExpirySweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.SweepExpired(ctx); err != nil {
					s.logger.Error("Key expiry sweep failed", zap.Error(err))
				}
			}
		}
	}()
}

// HashKey returns the hex SHA-256 digest used as the lookup index. The digest
// is deterministic so the index can be queried without storing the secret.
func HashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

func generateSecret() (string, error) {
	var b strings.Builder
	b.Grow(secretLen)
	max := big.NewInt(int64(len(base62)))
	for i := 0; i < secretLen; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(base62[n.Int64()])
	}
	return b.String(), nil
}
