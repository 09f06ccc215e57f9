// Package domain contains the activation models binding licenses to
// machine fingerprints.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// Activation consumes one slot of a license's activation limit for a
// single machine fingerprint. At most one row exists per
// (license, fingerprint) pair; deactivated rows are reactivated in
// place rather than duplicated.
type Activation struct {
	ID          snowflake.ID      `json:"id" gorm:"primaryKey"`
	LicenseID   snowflake.ID      `json:"license_id" gorm:"not null;uniqueIndex:ux_activations_license_fingerprint,priority:1"`
	Fingerprint string            `json:"fingerprint" gorm:"type:text;not null;uniqueIndex:ux_activations_license_fingerprint,priority:2"`
	Active      bool              `json:"active" gorm:"not null;default:true"`
	FirstSeenAt time.Time         `json:"first_seen_at" gorm:"not null"`
	LastSeenAt  time.Time         `json:"last_seen_at" gorm:"not null"`
	Metadata    datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
}

func (Activation) TableName() string { return "activations" }
