// Package domain contains the order models. Orders are the purchase
// record a license is issued from; they own none of its runtime state.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusCompleted OrderStatus = "COMPLETED"
	OrderStatusRefunded  OrderStatus = "REFUNDED"
)

type Order struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	ProductID     snowflake.ID      `json:"product_id" gorm:"not null;index"`
	CustomerEmail string            `json:"customer_email" gorm:"type:text;not null"`
	ExternalRef   string            `json:"external_ref,omitempty" gorm:"type:text;uniqueIndex:ux_orders_external_ref"`
	Status        OrderStatus       `json:"status" gorm:"type:text;not null"`
	Metadata      datatypes.JSONMap `json:"metadata,omitempty" gorm:"type:jsonb"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time         `json:"updated_at" gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (Order) TableName() string { return "orders" }

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, order *Order) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Order, error)
	FindByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*Order, error)
	UpdateStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status OrderStatus, at time.Time) error
}

var (
	ErrOrderNotFound = errors.New("order_not_found")
	ErrInvalidOrder  = errors.New("invalid_order")
)
