package domain

import (
	"context"
	"errors"
)

type ActivateRequest struct {
	Key         string         `json:"-"`
	Fingerprint string         `json:"fingerprint"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type ActivateResponse struct {
	Activation           Activation `json:"activation"`
	ActivationsRemaining int        `json:"activations_remaining"`
}

type Service interface {
	Activate(ctx context.Context, req ActivateRequest) (ActivateResponse, error)
	Deactivate(ctx context.Context, key string, fingerprint string) error
	ListByKey(ctx context.Context, key string) ([]Activation, error)
}

var (
	ErrInvalidFingerprint        = errors.New("invalid_fingerprint")
	ErrLicenseNotActive          = errors.New("license_not_active")
	ErrLicenseExpired            = errors.New("license_expired")
	ErrActivationLimitExceeded   = errors.New("activation_limit_exceeded")
	ErrActivationNotFound        = errors.New("activation_not_found")
	ErrActivationAlreadyInactive = errors.New("activation_already_inactive")
)
