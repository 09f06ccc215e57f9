package domain

import (
	"context"
	"errors"
	"time"

	"github.com/keymint/keymint/internal/cache"
	"gorm.io/gorm"
)

type IssueRequest struct {
	ProductID      string         `json:"product_id"`
	OrderID        string         `json:"order_id"`
	OwnerEmail     string         `json:"owner_email"`
	MaxActivations *int           `json:"max_activations,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

type ValidateResponse struct {
	Valid           bool          `json:"valid"`
	Status          LicenseStatus `json:"status"`
	ExpiresAt       *time.Time    `json:"expires_at,omitempty"`
	ActivationsUsed int           `json:"activations_used"`
	MaxActivations  int           `json:"max_activations"`
}

type Service interface {
	Issue(ctx context.Context, req IssueRequest) (License, error)
	Validate(ctx context.Context, key string) (ValidateResponse, error)
	GetByKey(ctx context.Context, key string) (License, error)

	Activate(ctx context.Context, key string) (License, error)
	Suspend(ctx context.Context, key string, reason string) (License, error)
	Revoke(ctx context.Context, key string, reason string) (License, error)
	Extend(ctx context.Context, key string, duration time.Duration) (License, error)
	ExpireIfDue(ctx context.Context, key string) (License, error)

	// WithTx returns a copy of the service whose writes run on tx, so a
	// caller can fold license mutations into its own transaction.
	WithTx(tx *gorm.DB) Service
}

// ValidateCache caches validation responses by license key. Every state
// transition deletes the key, so a cached answer never outlives a
// revocation or expiry.
type ValidateCache = cache.Cache[string, ValidateResponse]

var (
	ErrLicenseNotFound     = errors.New("license_not_found")
	ErrInvalidLicense      = errors.New("invalid_license")
	ErrInvalidKey          = errors.New("invalid_key")
	ErrInvalidOwnerEmail   = errors.New("invalid_owner_email")
	ErrInvalidDuration     = errors.New("invalid_duration")
	ErrInvalidTransition   = errors.New("invalid_transition")
	ErrLicenseNotDue       = errors.New("license_not_due")
	ErrOrderAlreadyIssued  = errors.New("order_already_issued")
	ErrGenerationExhausted = errors.New("key_generation_exhausted")
)
