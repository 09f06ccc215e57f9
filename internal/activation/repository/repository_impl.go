package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/activation/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, activation *domain.Activation) error {
	return db.WithContext(ctx).Create(activation).Error
}

func (r *repo) FindByFingerprint(ctx context.Context, db *gorm.DB, licenseID snowflake.ID, fingerprint string) (*domain.Activation, error) {
	var item domain.Activation
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM activations WHERE license_id = ? AND fingerprint = ? LIMIT 1`,
		licenseID,
		fingerprint,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ListByLicense(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) ([]domain.Activation, error) {
	var items []domain.Activation
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM activations WHERE license_id = ? ORDER BY first_seen_at`,
		licenseID,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SetActive(ctx context.Context, db *gorm.DB, id snowflake.ID, active bool, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE activations SET active = ?, last_seen_at = ? WHERE id = ?`,
		active,
		at,
		id,
	).Error
}

func (r *repo) TouchLastSeen(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE activations SET last_seen_at = ? WHERE id = ?`,
		at,
		id,
	).Error
}
