package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/license/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, license *domain.License) error {
	return db.WithContext(ctx).Create(license).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.License, error) {
	var item domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM licenses WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByKey(ctx context.Context, db *gorm.DB, key string) (*domain.License, error) {
	var item domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM licenses WHERE license_key = ? LIMIT 1`,
		key,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByKeyForUpdate(ctx context.Context, db *gorm.DB, key string) (*domain.License, error) {
	var item domain.License
	query := `SELECT * FROM licenses WHERE license_key = ? LIMIT 1`
	if db.Dialector.Name() != "sqlite" {
		query += ` FOR UPDATE`
	}
	err := db.WithContext(ctx).Raw(query, key).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByOrderID(ctx context.Context, db *gorm.DB, orderID snowflake.ID) (*domain.License, error) {
	var item domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM licenses WHERE order_id = ? LIMIT 1`,
		orderID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) KeyExists(ctx context.Context, db *gorm.DB, key string) (bool, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM licenses WHERE license_key = ?`,
		key,
	).Scan(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *repo) UpdateLifecycle(ctx context.Context, db *gorm.DB, license *domain.License) error {
	return db.WithContext(ctx).Exec(
		`UPDATE licenses
		 SET status = ?, expires_at = ?, suspended_at = ?, suspend_reason = ?,
		     revoked_at = ?, revoke_reason = ?, max_activations = ?, updated_at = ?
		 WHERE id = ?`,
		license.Status,
		license.ExpiresAt,
		license.SuspendedAt,
		license.SuspendReason,
		license.RevokedAt,
		license.RevokeReason,
		license.MaxActivations,
		license.UpdatedAt,
		license.ID,
	).Error
}

func (r *repo) ListDueForExpiry(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]domain.License, error) {
	var items []domain.License
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM licenses
		 WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		 ORDER BY expires_at
		 LIMIT ?`,
		domain.LicenseStatusActive,
		now,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) IncrementActivations(ctx context.Context, db *gorm.DB, id snowflake.ID, max int, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE licenses
		 SET activation_count = activation_count + 1, updated_at = ?
		 WHERE id = ? AND activation_count < ?`,
		at,
		id,
		max,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) DecrementActivations(ctx context.Context, db *gorm.DB, id snowflake.ID, at time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE licenses
		 SET activation_count = activation_count - 1, updated_at = ?
		 WHERE id = ? AND activation_count > 0`,
		at,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
