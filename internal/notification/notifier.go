// Package notification emits license lifecycle events to the outbound
// notification channel. The core produces event data; delivery is the
// provider's concern.
package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/keymint/keymint/internal/providers/email"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	EventLicenseIssued  = "license.issued"
	EventLicenseRevoked = "license.revoked"
	EventPaymentFailed  = "payment.failed"
)

// Event is the data payload handed to the notification channel.
type Event struct {
	Type        string
	LicenseKey  string
	OwnerEmail  string
	ProductName string
	Reason      string
	OccurredAt  time.Time
}

type Notifier interface {
	Notify(ctx context.Context, event Event)
}

type Params struct {
	fx.In

	Log      *zap.Logger
	Provider email.Provider
}

type emailNotifier struct {
	log      *zap.Logger
	provider email.Provider
}

func NewNotifier(p Params) Notifier {
	return &emailNotifier{
		log:      p.Log.Named("notification"),
		provider: p.Provider,
	}
}

// Notify dispatches the event best-effort. Delivery failures are logged
// and never surfaced to the caller: lifecycle transitions must not roll
// back because an email bounced.
func (n *emailNotifier) Notify(ctx context.Context, event Event) {
	if event.OwnerEmail == "" {
		return
	}

	subject, body := render(event)
	if subject == "" {
		n.log.Warn("unknown notification event", zap.String("type", event.Type))
		return
	}

	if err := n.provider.Send(ctx, []string{event.OwnerEmail}, subject, body); err != nil {
		n.log.Warn("notification dispatch failed",
			zap.String("type", event.Type),
			zap.String("license_key", event.LicenseKey),
			zap.Error(err),
		)
	}
}

func render(event Event) (string, string) {
	switch event.Type {
	case EventLicenseIssued:
		return fmt.Sprintf("Your %s license", event.ProductName),
			fmt.Sprintf("<p>Your license key is <strong>%s</strong>.</p>", event.LicenseKey)
	case EventLicenseRevoked:
		return fmt.Sprintf("Your %s license has been revoked", event.ProductName),
			fmt.Sprintf("<p>License %s was revoked: %s</p>", event.LicenseKey, event.Reason)
	case EventPaymentFailed:
		return fmt.Sprintf("Payment failed for %s", event.ProductName),
			fmt.Sprintf("<p>The latest payment for license %s failed. Please update your billing details.</p>", event.LicenseKey)
	default:
		return "", ""
	}
}

var Module = fx.Module("notification",
	email.Module,
	fx.Provide(NewNotifier),
)
