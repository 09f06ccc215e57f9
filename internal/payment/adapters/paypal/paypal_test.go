package paypal

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"testing"
	"time"

	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "paypal_test_secret"

func newAdapter(t *testing.T) paymentdomain.PaymentAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: "paypal",
		Config:   map[string]any{"webhook_secret": testSecret},
	})
	require.NoError(t, err)
	return adapter
}

func signedHeaders(t *testing.T, payload []byte) http.Header {
	t.Helper()
	transmissionID := "tx-100"
	transmissionTime := "2026-01-01T00:00:00Z"

	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s.%s", transmissionID, transmissionTime, string(payload))))

	headers := http.Header{}
	headers.Set("Paypal-Transmission-Id", transmissionID)
	headers.Set("Paypal-Transmission-Time", transmissionTime)
	headers.Set("Paypal-Transmission-Sig", hex.EncodeToString(mac.Sum(nil)))
	return headers
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	ctx := context.Background()
	payload := []byte(`{"id":"WH-1"}`)

	require.NoError(t, adapter.Verify(ctx, payload, signedHeaders(t, payload)))

	err := adapter.Verify(ctx, []byte(`{"id":"WH-2"}`), signedHeaders(t, payload))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	headers := signedHeaders(t, payload)
	headers.Del("Paypal-Transmission-Time")
	err = adapter.Verify(ctx, payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestParseCaptureCompleted(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "WH-1",
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"create_time": "2026-01-01T00:00:00Z",
		"resource": {
			"id": "CAP-1",
			"custom_id": "order-42",
			"amount": {"currency_code": "usd", "value": "49.00"},
			"payer": {"email_address": "buyer@example.com"}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "paypal", event.Provider)
	assert.Equal(t, "WH-1", event.ProviderEventID)
	assert.Equal(t, paymentdomain.EventTypePaymentSucceeded, event.Type)
	assert.Equal(t, "order-42", event.OrderRef)
	assert.Equal(t, "buyer@example.com", event.CustomerEmail)
	assert.EqualValues(t, 4900, event.Amount)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), event.OccurredAt)
}

func TestParseSubscriptionActivated(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "WH-2",
		"event_type": "BILLING.SUBSCRIPTION.ACTIVATED",
		"resource": {
			"id": "I-SUB1",
			"custom_id": "order-42",
			"billing_info": {"next_billing_time": "2026-02-01T00:00:00Z"}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionCreated, event.Type)
	assert.Equal(t, "I-SUB1", event.SubscriptionExternalID)
	require.NotNil(t, event.PeriodEnd)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), *event.PeriodEnd)
}

func TestParseCaptureUsesBillingAgreement(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "WH-3",
		"event_type": "PAYMENT.CAPTURE.COMPLETED",
		"resource": {
			"id": "CAP-2",
			"billing_agreement_id": "I-SUB1",
			"amount": {"currency_code": "USD", "value": "49"}
		}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "I-SUB1", event.SubscriptionExternalID)
	assert.EqualValues(t, 4900, event.Amount)
}

func TestParseSubscriptionCancelled(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "WH-4",
		"event_type": "BILLING.SUBSCRIPTION.CANCELLED",
		"resource": {"id": "I-SUB1"}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionCanceled, event.Type)
	assert.Equal(t, "I-SUB1", event.SubscriptionExternalID)
}

func TestParseIgnoresUnhandledTypes(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id": "WH-5", "event_type": "CUSTOMER.DISPUTE.CREATED", "resource": {}}`)

	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}

func TestAmountMinorUnits(t *testing.T) {
	cases := map[string]int64{
		"49.00": 4900,
		"49.9":  4990,
		"49":    4900,
		"0.05":  5,
		"":      0,
		"abc":   0,
	}
	for value, expected := range cases {
		amount := paypalAmount{Value: value}
		assert.EqualValues(t, expected, amount.Minor(), "value %q", value)
	}
}
