// Package foods serves the read-only nutrition data endpoints. Its queries
// sit behind the response cache middleware; writes invalidate the foods
// cache namespace through the caller.
package foods

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/nutrivault/nutrivault/pkg/models"
)

// ErrNotFound is returned when a food id does not exist.
var ErrNotFound = errors.New("food: not found")

// maxPageSize caps search result pages.
const maxPageSize = 50

// Service exposes food lookups over the store of record.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService creates a foods service.
func NewService(db *gorm.DB, logger *zap.Logger) *Service {
	return &Service{db: db, logger: logger}
}

// Search returns foods whose name or brand matches the query, verified
// entries first.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]models.Food, error) {
	if limit <= 0 || limit > maxPageSize {
		limit = maxPageSize
	}
	pattern := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"

	var results []models.Food
	err := s.db.WithContext(ctx).
		Where("LOWER(name) LIKE ? OR LOWER(brand) LIKE ?", pattern, pattern).
		Order("verified DESC, name ASC").
		Limit(limit).
		Find(&results).Error
	if err != nil {
		return nil, fmt.Errorf("food search failed: %w", err)
	}
	return results, nil
}

// Get returns a single food by id.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*models.Food, error) {
	var food models.Food
	err := s.db.WithContext(ctx).First(&food, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("food lookup failed: %w", err)
	}
	return &food, nil
}

// Upsert creates or updates a food entry. Used by operator tooling; the
// handler invalidates the foods cache namespace after a successful write.
func (s *Service) Upsert(ctx context.Context, food *models.Food) error {
	if food.ID == uuid.Nil {
		food.ID = models.NewUUID()
	}
	if err := s.db.WithContext(ctx).Save(food).Error; err != nil {
		return fmt.Errorf("food upsert failed: %w", err)
	}
	return nil
}
