package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, license *License) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*License, error)
	FindByKey(ctx context.Context, db *gorm.DB, key string) (*License, error)
	FindByKeyForUpdate(ctx context.Context, db *gorm.DB, key string) (*License, error)
	FindByOrderID(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*License, error)
	KeyExists(ctx context.Context, db *gorm.DB, key string) (bool, error)
	UpdateLifecycle(ctx context.Context, db *gorm.DB, license *License) error
	ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]License, error)

	// IncrementActivations bumps activation_count by one only while it
	// stays below max, in a single conditional statement. Returns false
	// when the limit is already reached.
	IncrementActivations(ctx context.Context, db *gorm.DB, id snowflake.ID, max int, at time.Time) (bool, error)
	// DecrementActivations lowers activation_count by one, never below
	// zero. Returns false when the count was already zero.
	DecrementActivations(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error)
}
