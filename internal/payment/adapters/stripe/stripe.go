package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok {
		return nil, paymentdomain.ErrInvalidConfig
	}
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{webhookSecret: secret}, nil
}

type Adapter struct {
	webhookSecret string
}

func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	sigHeader := strings.TrimSpace(headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return paymentdomain.ErrInvalidSignature
	}

	timestamp, signatures, err := parseStripeSignature(sigHeader)
	if err != nil {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}

	return paymentdomain.ErrInvalidSignature
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event stripeEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	switch strings.TrimSpace(event.Type) {
	case "checkout.session.completed":
		return a.parseCheckoutSession(event, payload)
	case "invoice.payment_succeeded":
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentSucceeded)
	case "invoice.payment_failed":
		return a.parseInvoice(event, payload, paymentdomain.EventTypePaymentFailed)
	case "charge.refunded":
		return a.parseCharge(event, payload)
	case "customer.subscription.created":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionCreated)
	case "customer.subscription.deleted":
		return a.parseSubscription(event, payload, paymentdomain.EventTypeSubscriptionCanceled)
	default:
		return nil, paymentdomain.ErrEventIgnored
	}
}

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Created       int64             `json:"created"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  string            `json:"subscription"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeInvoice struct {
	ID            string            `json:"id"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	Created       int64             `json:"created"`
	CustomerEmail string            `json:"customer_email"`
	Subscription  string            `json:"subscription"`
	PeriodEnd     int64             `json:"period_end"`
	Metadata      map[string]string `json:"metadata"`
}

type stripeCharge struct {
	ID             string            `json:"id"`
	Amount         int64             `json:"amount"`
	AmountRefunded int64             `json:"amount_refunded"`
	Currency       string            `json:"currency"`
	Created        int64             `json:"created"`
	Metadata       map[string]string `json:"metadata"`
}

type stripeSubscription struct {
	ID               string            `json:"id"`
	Currency         string            `json:"currency"`
	Created          int64             `json:"created"`
	CurrentPeriodEnd int64             `json:"current_period_end"`
	Metadata         map[string]string `json:"metadata"`
}

func (a *Adapter) parseCheckoutSession(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(session.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	occurredAt := timestamp(session.Created, event.Created)
	return &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Type:                   paymentdomain.EventTypePaymentSucceeded,
		OrderRef:               orderRef(session.Metadata, session.ID),
		LicenseKey:             strings.TrimSpace(session.Metadata["license_key"]),
		SubscriptionExternalID: strings.TrimSpace(session.Subscription),
		ProductCode:            strings.TrimSpace(session.Metadata["product_code"]),
		CustomerEmail:          strings.TrimSpace(session.CustomerEmail),
		Amount:                 session.AmountTotal,
		Currency:               strings.ToUpper(strings.TrimSpace(session.Currency)),
		OccurredAt:             occurredAt,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseInvoice(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(invoice.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := invoice.AmountPaid
	if eventType == paymentdomain.EventTypePaymentFailed {
		amount = invoice.AmountDue
	}
	var periodEnd *time.Time
	if invoice.PeriodEnd > 0 {
		end := time.Unix(invoice.PeriodEnd, 0).UTC()
		periodEnd = &end
	}

	occurredAt := timestamp(invoice.Created, event.Created)
	return &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Type:                   eventType,
		OrderRef:               orderRef(invoice.Metadata, ""),
		LicenseKey:             strings.TrimSpace(invoice.Metadata["license_key"]),
		SubscriptionExternalID: strings.TrimSpace(invoice.Subscription),
		ProductCode:            strings.TrimSpace(invoice.Metadata["product_code"]),
		CustomerEmail:          strings.TrimSpace(invoice.CustomerEmail),
		Amount:                 amount,
		Currency:               strings.ToUpper(strings.TrimSpace(invoice.Currency)),
		PeriodEnd:              periodEnd,
		OccurredAt:             occurredAt,
		RawPayload:             payload,
	}, nil
}

func (a *Adapter) parseCharge(event stripeEvent, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var charge stripeCharge
	if err := json.Unmarshal(event.Data.Object, &charge); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(charge.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	amount := charge.Amount
	if charge.AmountRefunded > 0 {
		amount = charge.AmountRefunded
	}

	occurredAt := timestamp(charge.Created, event.Created)
	return &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: event.ID,
		Type:            paymentdomain.EventTypeRefunded,
		OrderRef:        orderRef(charge.Metadata, ""),
		LicenseKey:      strings.TrimSpace(charge.Metadata["license_key"]),
		Amount:          amount,
		Currency:        strings.ToUpper(strings.TrimSpace(charge.Currency)),
		OccurredAt:      occurredAt,
		RawPayload:      payload,
	}, nil
}

func (a *Adapter) parseSubscription(event stripeEvent, payload []byte, eventType string) (*paymentdomain.PaymentEvent, error) {
	var subscription stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &subscription); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(subscription.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var periodEnd *time.Time
	if subscription.CurrentPeriodEnd > 0 {
		end := time.Unix(subscription.CurrentPeriodEnd, 0).UTC()
		periodEnd = &end
	}

	occurredAt := timestamp(subscription.Created, event.Created)
	return &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        event.ID,
		Type:                   eventType,
		OrderRef:               orderRef(subscription.Metadata, ""),
		LicenseKey:             strings.TrimSpace(subscription.Metadata["license_key"]),
		SubscriptionExternalID: subscription.ID,
		ProductCode:            strings.TrimSpace(subscription.Metadata["product_code"]),
		Currency:               strings.ToUpper(strings.TrimSpace(subscription.Currency)),
		PeriodEnd:              periodEnd,
		OccurredAt:             occurredAt,
		RawPayload:             payload,
	}, nil
}

func orderRef(metadata map[string]string, fallback string) string {
	if ref := strings.TrimSpace(metadata["order_ref"]); ref != "" {
		return ref
	}
	return strings.TrimSpace(fallback)
}

func parseStripeSignature(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("invalid_signature")
	}
	return timestamp, signatures, nil
}

func timestamp(primary int64, fallback int64) time.Time {
	value := primary
	if value == 0 {
		value = fallback
	}
	if value == 0 {
		return time.Now().UTC()
	}
	return time.Unix(value, 0).UTC()
}

func readString(config map[string]any, key string) (string, bool) {
	raw, ok := config[key]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}
