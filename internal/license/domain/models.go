// Package domain contains the license models and the status machine
// governing their lifecycle.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// LicenseStatus represents lifecycle states for a license.
type LicenseStatus string

const (
	LicenseStatusPending   LicenseStatus = "PENDING"
	LicenseStatusActive    LicenseStatus = "ACTIVE"
	LicenseStatusSuspended LicenseStatus = "SUSPENDED"
	LicenseStatusExpired   LicenseStatus = "EXPIRED"
	LicenseStatusRevoked   LicenseStatus = "REVOKED"
)

// License binds a purchased product to a key and tracks its runtime
// lifecycle. The key is immutable once issued.
type License struct {
	ID              snowflake.ID      `json:"id" gorm:"primaryKey"`
	Key             string            `json:"key" gorm:"column:license_key;type:text;not null;uniqueIndex:ux_licenses_key"`
	ProductID       snowflake.ID      `json:"product_id" gorm:"not null;index"`
	OrderID         snowflake.ID      `json:"order_id" gorm:"not null;index"`
	OwnerEmail      string            `json:"owner_email" gorm:"type:text;not null"`
	Status          LicenseStatus     `json:"status" gorm:"type:text;not null"`
	MaxActivations  *int              `json:"max_activations,omitempty" gorm:""`
	ActivationCount int               `json:"activation_count" gorm:"not null;default:0"`
	ExpiresAt       *time.Time        `json:"expires_at,omitempty" gorm:""`
	SuspendedAt     *time.Time        `json:"suspended_at,omitempty" gorm:""`
	SuspendReason   string            `json:"suspend_reason,omitempty" gorm:"type:text"`
	RevokedAt       *time.Time        `json:"revoked_at,omitempty" gorm:""`
	RevokeReason    string            `json:"revoke_reason,omitempty" gorm:"type:text"`
	Metadata        datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt       time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt       time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (License) TableName() string { return "licenses" }

// ValidAt reports whether the license grants use at the given instant.
func (l License) ValidAt(now time.Time) bool {
	if l.Status != LicenseStatusActive {
		return false
	}
	if l.ExpiresAt == nil {
		return true
	}
	return now.Before(*l.ExpiresAt)
}

// ExpiredAt reports whether the license is past its expiry instant.
func (l License) ExpiredAt(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// EffectiveMaxActivations resolves the per-license override against the
// product default.
func (l License) EffectiveMaxActivations(productDefault int) int {
	if l.MaxActivations != nil && *l.MaxActivations > 0 {
		return *l.MaxActivations
	}
	return productDefault
}

// Terminal reports whether the status accepts no further transitions.
func (s LicenseStatus) Terminal() bool {
	return s == LicenseStatusExpired || s == LicenseStatusRevoked
}

var transitions = map[LicenseStatus][]LicenseStatus{
	LicenseStatusPending:   {LicenseStatusActive, LicenseStatusRevoked},
	LicenseStatusActive:    {LicenseStatusSuspended, LicenseStatusExpired, LicenseStatusRevoked},
	LicenseStatusSuspended: {LicenseStatusActive, LicenseStatusRevoked},
}

// CanTransition reports whether the status machine permits from -> to.
func CanTransition(from, to LicenseStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionError reports a rejected status change, naming both states.
type TransitionError struct {
	From LicenseStatus
	To   LicenseStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid_transition: %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

func NewTransitionError(from, to LicenseStatus) error {
	return &TransitionError{From: from, To: to}
}
