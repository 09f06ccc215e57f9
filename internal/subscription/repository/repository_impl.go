package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *domain.Subscription) error {
	return db.WithContext(ctx).Create(subscription).Error
}

func (r *repo) FindByLicenseID(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE license_id = ? LIMIT 1`,
		licenseID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalID string) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM subscriptions WHERE provider = ? AND external_id = ? LIMIT 1`,
		provider,
		externalID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.SubscriptionStatus, periodEnd *time.Time, at time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE subscriptions SET status = ?, current_period_end = ?, updated_at = ? WHERE id = ?`,
		status,
		periodEnd,
		at,
		id,
	).Error
}
