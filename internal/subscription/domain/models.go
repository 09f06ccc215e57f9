// Package domain contains the billing subscription attached to a
// license. Its lifecycle is driven exclusively by payment webhooks.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
)

// Subscription links a license to its recurring billing agreement at
// the payment provider.
type Subscription struct {
	ID               snowflake.ID       `json:"id" gorm:"primaryKey"`
	LicenseID        snowflake.ID       `json:"license_id" gorm:"not null;uniqueIndex:ux_subscriptions_license"`
	Provider         string             `json:"provider" gorm:"type:text;not null"`
	ExternalID       string             `json:"external_id" gorm:"type:text;not null;index"`
	Status           SubscriptionStatus `json:"status" gorm:"type:text;not null"`
	CurrentPeriodEnd *time.Time         `json:"current_period_end,omitempty" gorm:""`
	AutoRenew        bool               `json:"auto_renew" gorm:"not null;default:true"`
	CreatedAt        time.Time          `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt        time.Time          `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Subscription) TableName() string { return "subscriptions" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindByLicenseID(ctx context.Context, db *gorm.DB, licenseID snowflake.ID) (*Subscription, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, provider, externalID string) (*Subscription, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status SubscriptionStatus, periodEnd *time.Time, at time.Time) error
}

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrSubscriptionExists   = errors.New("subscription_exists")
)
