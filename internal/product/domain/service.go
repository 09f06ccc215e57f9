package domain

import (
	"context"
	"errors"

	"github.com/keymint/keymint/internal/keygen"
)

type CreateProductRequest struct {
	Code                  string         `json:"code"`
	Name                  string         `json:"name"`
	KeyFormat             keygen.Format  `json:"key_format,omitempty"`
	KeyPattern            string         `json:"key_pattern,omitempty"`
	DefaultMaxActivations int            `json:"default_max_activations"`
	LicenseDurationDays   int            `json:"license_duration_days"`
	TrialDays             int            `json:"trial_days"`
	Metadata              map[string]any `json:"metadata,omitempty"`
}

type Service interface {
	Create(ctx context.Context, req CreateProductRequest) (Product, error)
	GetByID(ctx context.Context, id string) (Product, error)
	GetByCode(ctx context.Context, code string) (Product, error)
	List(ctx context.Context) ([]Product, error)
}

var (
	ErrProductNotFound       = errors.New("product_not_found")
	ErrInvalidProduct        = errors.New("invalid_product")
	ErrInvalidProductCode    = errors.New("invalid_product_code")
	ErrInvalidKeyFormat      = errors.New("invalid_key_format")
	ErrInvalidMaxActivations = errors.New("invalid_max_activations")
)
