// Package domain defines the canonical payment event model. Provider
// payloads are normalized by adapters before the reconciler ever sees
// them, so lifecycle decisions never depend on provider-specific shapes.
package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// EventRecord is the replay ledger row for a received webhook event.
// The (provider, provider_event_id) pair is unique: redelivered events
// land on the same row and are never applied twice.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null;uniqueIndex:ux_payment_events_provider_event"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	LicenseKey      string         `json:"license_key,omitempty" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "payment_events" }

const (
	EventTypePaymentSucceeded     = "payment_succeeded"
	EventTypePaymentFailed        = "payment_failed"
	EventTypeRefunded             = "refunded"
	EventTypeSubscriptionCreated  = "subscription_created"
	EventTypeSubscriptionCanceled = "subscription_canceled"
)

// PaymentEvent is the canonical payment event parsed by adapters.
// OrderRef, LicenseKey and SubscriptionExternalID are alternative
// handles onto the license; at least one must be present.
type PaymentEvent struct {
	Provider               string
	ProviderEventID        string
	Type                   string
	OrderRef               string
	LicenseKey             string
	SubscriptionExternalID string
	ProductCode            string
	CustomerEmail          string
	Amount                 int64
	Currency               string
	PeriodEnd              *time.Time
	OccurredAt             time.Time
	RawPayload             []byte
}

// AdapterConfig carries the provider credentials an adapter needs.
type AdapterConfig struct {
	Provider string
	Config   map[string]any
}

// PaymentAdapter verifies and parses a provider webhook payload.
// Verify MUST pass before Parse output is trusted.
type PaymentAdapter interface {
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentEvent, error)
}

// AdapterFactory builds adapters for a single provider.
type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}

// Repository persists the webhook replay ledger.
type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider string, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

// Service ingests raw provider webhooks.
type Service interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error
}

var (
	ErrInvalidProvider       = errors.New("invalid_provider")
	ErrProviderNotFound      = errors.New("provider_not_found")
	ErrInvalidConfig         = errors.New("invalid_provider_config")
	ErrInvalidPayload        = errors.New("invalid_payload")
	ErrInvalidEvent          = errors.New("invalid_event")
	ErrInvalidSignature      = errors.New("invalid_signature")
	ErrEventIgnored          = errors.New("event_ignored")
	ErrEventAlreadyProcessed = errors.New("event_already_processed")
	ErrUnresolvedLicense     = errors.New("unresolved_license")
)
