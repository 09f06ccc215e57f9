// Package domain contains the product catalog models.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/keygen"
	"gorm.io/datatypes"
)

// Product describes a sellable item and the licensing defaults applied
// to every license issued for it.
type Product struct {
	ID                    snowflake.ID      `json:"id" gorm:"primaryKey"`
	Code                  string            `json:"code" gorm:"type:text;not null;uniqueIndex:ux_products_code"`
	Name                  string            `json:"name" gorm:"type:text;not null"`
	KeyFormat             keygen.Format     `json:"key_format" gorm:"type:text;not null;default:segmented"`
	KeyPattern            string            `json:"key_pattern,omitempty" gorm:"type:text"`
	DefaultMaxActivations int               `json:"default_max_activations" gorm:"not null;default:1"`
	LicenseDurationDays   int               `json:"license_duration_days" gorm:"not null;default:0"`
	TrialDays             int               `json:"trial_days" gorm:"not null;default:0"`
	Active                bool              `json:"active" gorm:"not null;default:true"`
	Metadata              datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt             time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt             time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Product) TableName() string { return "products" }

// Perpetual reports whether licenses for this product never expire.
func (p Product) Perpetual() bool { return p.LicenseDurationDays <= 0 }
