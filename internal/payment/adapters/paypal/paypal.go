package paypal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
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
	return "paypal"
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	secret, ok := readString(cfg.Config, "webhook_secret")
	if !ok || strings.TrimSpace(secret) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	return &Adapter{webhookSecret: strings.TrimSpace(secret)}, nil
}

type Adapter struct {
	webhookSecret string
}

// Verify checks the transmission signature over
// "<transmission-id>.<transmission-time>.<payload>". PayPal's
// certificate-chain scheme is reduced to a shared-secret HMAC here;
// the signed message layout follows their webhook verification docs.
func (a *Adapter) Verify(ctx context.Context, payload []byte, headers http.Header) error {
	transmissionID := strings.TrimSpace(headers.Get("Paypal-Transmission-Id"))
	transmissionTime := strings.TrimSpace(headers.Get("Paypal-Transmission-Time"))
	signature := strings.TrimSpace(headers.Get("Paypal-Transmission-Sig"))
	if transmissionID == "" || transmissionTime == "" || signature == "" {
		return paymentdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s.%s", transmissionID, transmissionTime, string(payload))
	mac := hmac.New(sha256.New, []byte(a.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return paymentdomain.ErrInvalidSignature
	}
	return nil
}

func (a *Adapter) Parse(ctx context.Context, payload []byte) (*paymentdomain.PaymentEvent, error) {
	var event paypalEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	var eventType string
	switch strings.TrimSpace(event.EventType) {
	case "PAYMENT.CAPTURE.COMPLETED":
		eventType = paymentdomain.EventTypePaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED":
		eventType = paymentdomain.EventTypePaymentFailed
	case "PAYMENT.CAPTURE.REFUNDED":
		eventType = paymentdomain.EventTypeRefunded
	case "BILLING.SUBSCRIPTION.CREATED", "BILLING.SUBSCRIPTION.ACTIVATED":
		eventType = paymentdomain.EventTypeSubscriptionCreated
	case "BILLING.SUBSCRIPTION.CANCELLED", "BILLING.SUBSCRIPTION.EXPIRED":
		eventType = paymentdomain.EventTypeSubscriptionCanceled
	default:
		return nil, paymentdomain.ErrEventIgnored
	}

	var resource paypalResource
	if err := json.Unmarshal(event.Resource, &resource); err != nil {
		return nil, paymentdomain.ErrInvalidPayload
	}

	subscriptionID := strings.TrimSpace(resource.BillingAgreementID)
	if subscriptionID == "" && strings.HasPrefix(event.EventType, "BILLING.SUBSCRIPTION.") {
		subscriptionID = strings.TrimSpace(resource.ID)
	}

	var periodEnd *time.Time
	if resource.BillingInfo != nil && resource.BillingInfo.NextBillingTime != "" {
		if parsed, err := time.Parse(time.RFC3339, resource.BillingInfo.NextBillingTime); err == nil {
			end := parsed.UTC()
			periodEnd = &end
		}
	}

	occurredAt := time.Now().UTC()
	if event.CreateTime != "" {
		if parsed, err := time.Parse(time.RFC3339, event.CreateTime); err == nil {
			occurredAt = parsed.UTC()
		}
	}

	var amount int64
	var currency string
	if resource.Amount != nil {
		amount = resource.Amount.Minor()
		currency = strings.ToUpper(strings.TrimSpace(resource.Amount.CurrencyCode))
	}

	return &paymentdomain.PaymentEvent{
		Provider:               "paypal",
		ProviderEventID:        event.ID,
		Type:                   eventType,
		OrderRef:               strings.TrimSpace(resource.CustomID),
		SubscriptionExternalID: subscriptionID,
		CustomerEmail:          strings.TrimSpace(resource.Payer.EmailAddress),
		Amount:                 amount,
		Currency:               currency,
		PeriodEnd:              periodEnd,
		OccurredAt:             occurredAt,
		RawPayload:             payload,
	}, nil
}

type paypalEvent struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	CreateTime string          `json:"create_time"`
	Resource   json.RawMessage `json:"resource"`
}

type paypalResource struct {
	ID                 string             `json:"id"`
	CustomID           string             `json:"custom_id"`
	BillingAgreementID string             `json:"billing_agreement_id"`
	Amount             *paypalAmount      `json:"amount"`
	Payer              paypalPayer        `json:"payer"`
	BillingInfo        *paypalBillingInfo `json:"billing_info"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Minor converts the decimal string amount to minor units, tolerating
// missing or short fractional parts.
func (a *paypalAmount) Minor() int64 {
	value := strings.TrimSpace(a.Value)
	if value == "" {
		return 0
	}
	whole, frac, _ := strings.Cut(value, ".")
	for len(frac) < 2 {
		frac += "0"
	}
	frac = frac[:2]
	var total int64
	for _, part := range []string{whole, frac} {
		for _, digit := range part {
			if digit < '0' || digit > '9' {
				return 0
			}
			total = total*10 + int64(digit-'0')
		}
	}
	return total
}

type paypalPayer struct {
	EmailAddress string `json:"email_address"`
}

type paypalBillingInfo struct {
	NextBillingTime string `json:"next_billing_time"`
}

func readString(config map[string]any, key string) (string, bool) {
	raw, ok := config[key]
	if !ok {
		return "", false
	}
	value, ok := raw.(string)
	return value, ok
}
