package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, activation *Activation) error
	FindByFingerprint(ctx context.Context, db *gorm.DB, licenseID snowflake.ID, fingerprint string) (*Activation, error)
	ListByLicense(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) ([]Activation, error)
	SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) error
	TouchLastSeen(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error
}
