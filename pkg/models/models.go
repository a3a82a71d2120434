package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// User represents an account holder in the system
type User struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Email     string    `json:"email" gorm:"uniqueIndex" validate:"required,email,max=254"`
	Name      string    `json:"name" validate:"omitempty,max=100"`
	Tier      Tier      `json:"tier" gorm:"default:free" validate:"required,oneof=free tier1 tier2"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// APIKey represents an API credential. The secret itself is never stored:
// only its SHA-256 hash is persisted, plus a short prefix for display in
// account tooling.
type APIKey struct {
	ID         uuid.UUID  `json:"id" gorm:"primaryKey;type:uuid"`
	UserID     uuid.UUID  `json:"user_id" gorm:"type:uuid;index"`
	Name       string     `json:"name" validate:"required,min=1,max=100"`
	KeyHash    string     `json:"-" gorm:"column:key_hash;uniqueIndex"`
	KeyPrefix  string     `json:"key_prefix"`
	Revoked    bool       `json:"revoked"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// Active reports whether the key can still authenticate requests.
func (k *APIKey) Active(now time.Time) bool {
	if k.Revoked {
		return false
	}
	if k.ExpiresAt != nil && now.After(*k.ExpiresAt) {
		return false
	}
	return true
}

// ErrEmptyAccountID is returned when a usage counter key would be built from
// an unresolved account identifier. An empty identifier once produced corrupt
// counter rows that had to be cleaned up out of band, so the constructor
// refuses it outright.
var ErrEmptyAccountID = errors.New("usage counter: empty account id")

// UsageCounter is one row per (account, calendar day). The minute and second
// windows are implicit: a count plus the window's start timestamp in unix
// milliseconds. Window rollover happens as a side effect of the next request.
type UsageCounter struct {
	ID          string    `json:"id" gorm:"primaryKey"`
	AccountID   string    `json:"account_id" gorm:"index"`
	Day         string    `json:"day"`
	DailyCount  int64     `json:"daily_count"`
	MinuteCount int64     `json:"minute_count"`
	MinuteStart int64     `json:"minute_start"`
	SecondCount int64     `json:"second_count"`
	SecondStart int64     `json:"second_start"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// CounterID builds the composite usage counter key accountID_YYYY-MM-DD.
func CounterID(accountID string, day string) (string, error) {
	if accountID == "" {
		return "", ErrEmptyAccountID
	}
	return fmt.Sprintf("%s_%s", accountID, day), nil
}

// Setting is a single keyed configuration document in the store of record.
// Rate limit overrides live under the key "rate_limit_overrides".
type Setting struct {
	Key       string    `json:"key" gorm:"primaryKey"`
	Value     string    `json:"value" gorm:"type:text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Tier represents a subscription level for rate limiting purposes
type Tier string

const (
	TierFree Tier = "free"
	TierOne  Tier = "tier1"
	TierTwo  Tier = "tier2"
)

// Tiers lists every known tier. Policy merge code iterates this so a new
// tier only needs to be added here and in DefaultTierLimits.
var Tiers = []Tier{TierFree, TierOne, TierTwo}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	switch t {
	case TierFree, TierOne, TierTwo:
		return true
	}
	return false
}

// TierLimits defines the effective rate limits for one tier.
type TierLimits struct {
	MinuteLimit  int64 `json:"minute_limit"`
	DailyLimit   int64 `json:"daily_limit"`
	MonthlyLimit int64 `json:"monthly_limit"`
	Burst        int64 `json:"burst,omitempty"`
}

// TierLimitsPatch carries a partial policy update. Nil fields are left
// untouched by the merge.
type TierLimitsPatch struct {
	MinuteLimit  *int64 `json:"minute_limit,omitempty"`
	DailyLimit   *int64 `json:"daily_limit,omitempty"`
	MonthlyLimit *int64 `json:"monthly_limit,omitempty"`
	Burst        *int64 `json:"burst,omitempty"`
}

// Apply merges the patch over base, field by field.
func (p TierLimitsPatch) Apply(base TierLimits) TierLimits {
	out := base
	if p.MinuteLimit != nil {
		out.MinuteLimit = *p.MinuteLimit
	}
	if p.DailyLimit != nil {
		out.DailyLimit = *p.DailyLimit
	}
	if p.MonthlyLimit != nil {
		out.MonthlyLimit = *p.MonthlyLimit
	}
	if p.Burst != nil {
		out.Burst = *p.Burst
	}
	return out
}

// DefaultTierLimits returns the compiled-in limits for a tier. Unknown tiers
// fall back to the free tier, matching how unrecognized accounts are treated
// at admission time.
func DefaultTierLimits(tier Tier) TierLimits {
	switch tier {
	case TierOne:
		return TierLimits{
			MinuteLimit:  60,
			DailyLimit:   5000,
			MonthlyLimit: 100000,
			Burst:        90,
		}
	case TierTwo:
		return TierLimits{
			MinuteLimit:  300,
			DailyLimit:   50000,
			MonthlyLimit: 1000000,
			Burst:        450,
		}
	default:
		return TierLimits{
			MinuteLimit:  10,
			DailyLimit:   200,
			MonthlyLimit: 5000,
			Burst:        15,
		}
	}
}

// RateLimitInfo contains detailed rate limit information for one window,
// used to populate informational response headers.
type RateLimitInfo struct {
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// Food is a row of the nutrition database served by the read API.
type Food struct {
	ID          uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Name        string    `json:"name" gorm:"index" validate:"required,min=1,max=200"`
	Brand       string    `json:"brand,omitempty" gorm:"index"`
	ServingSize float64   `json:"serving_size"`
	ServingUnit string    `json:"serving_unit"`
	Calories    float64   `json:"calories"`
	Protein     float64   `json:"protein"`
	Carbs       float64   `json:"carbs"`
	Fat         float64   `json:"fat"`
	Fiber       float64   `json:"fiber"`
	Sodium      float64   `json:"sodium"`
	Verified    bool      `json:"verified"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewUUID generates a new UUID
func NewUUID() uuid.UUID {
	return uuid.New()
}

// CreateKeyRequest is the payload for creating an API key.
type CreateKeyRequest struct {
	Name      string     `json:"name" binding:"required,min=1,max=100"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// CreateKeyResponse returns the plaintext key exactly once, at creation.
type CreateKeyResponse struct {
	Key    *APIKey `json:"key"`
	Secret string  `json:"secret"`
}

// UpdatePolicyRequest is the payload for a partial policy update.
type UpdatePolicyRequest struct {
	MinuteLimit  *int64 `json:"minute_limit" binding:"omitempty,gt=0"`
	DailyLimit   *int64 `json:"daily_limit" binding:"omitempty,gt=0"`
	MonthlyLimit *int64 `json:"monthly_limit" binding:"omitempty,gt=0"`
	Burst        *int64 `json:"burst" binding:"omitempty,gt=0"`
}

// UsageReport summarizes an account's consumption for the usage endpoint.
// The monthly total is aggregated from daily buckets for reporting only;
// it is not consulted at admission time.
type UsageReport struct {
	AccountID   string     `json:"account_id"`
	Day         string     `json:"day"`
	DailyCount  int64      `json:"daily_count"`
	MinuteCount int64      `json:"minute_count"`
	MonthToDate int64      `json:"month_to_date"`
	Limits      TierLimits `json:"limits"`
}
