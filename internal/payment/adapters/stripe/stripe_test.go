package stripe

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

const testSecret = "whsec_test"

func newAdapter(t *testing.T) paymentdomain.PaymentAdapter {
	t.Helper()
	adapter, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: "stripe",
		Config:   map[string]any{"webhook_secret": testSecret},
	})
	require.NoError(t, err)
	return adapter
}

func sign(t *testing.T, payload []byte, ts string) string {
	t.Helper()
	mac := hmac.New(sha256.New, []byte(testSecret))
	_, _ = mac.Write([]byte(fmt.Sprintf("%s.%s", ts, string(payload))))
	return hex.EncodeToString(mac.Sum(nil))
}

func signedHeaders(t *testing.T, payload []byte) http.Header {
	t.Helper()
	ts := "1767225600"
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=%s", ts, sign(t, payload, ts)))
	return headers
}

func TestFactoryRequiresSecret(t *testing.T) {
	_, err := NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: "stripe",
		Config:   map[string]any{},
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)

	_, err = NewFactory().NewAdapter(paymentdomain.AdapterConfig{
		Provider: "stripe",
		Config:   map[string]any{"webhook_secret": "  "},
	})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidConfig)
}

func TestVerify(t *testing.T) {
	adapter := newAdapter(t)
	ctx := context.Background()
	payload := []byte(`{"id":"evt_1"}`)

	require.NoError(t, adapter.Verify(ctx, payload, signedHeaders(t, payload)))

	// Tampered payload no longer matches the signature.
	headers := signedHeaders(t, payload)
	err := adapter.Verify(ctx, []byte(`{"id":"evt_2"}`), headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	err = adapter.Verify(ctx, payload, http.Header{})
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)

	headers = http.Header{}
	headers.Set("Stripe-Signature", "v1=deadbeef")
	err = adapter.Verify(ctx, payload, headers)
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidSignature)
}

func TestVerifyAcceptsAnyV1Signature(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id":"evt_1"}`)
	ts := "1767225600"

	// Stripe sends multiple v1 entries while rolling secrets.
	headers := http.Header{}
	headers.Set("Stripe-Signature", fmt.Sprintf("t=%s,v1=stale,v1=%s", ts, sign(t, payload, ts)))
	assert.NoError(t, adapter.Verify(context.Background(), payload, headers))
}

func TestParseCheckoutSessionCompleted(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {
			"id": "cs_test_100",
			"amount_total": 4900,
			"currency": "usd",
			"customer_email": "buyer@example.com",
			"metadata": {"product_code": "pro-plan"}
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "stripe", event.Provider)
	assert.Equal(t, "evt_1", event.ProviderEventID)
	assert.Equal(t, paymentdomain.EventTypePaymentSucceeded, event.Type)
	assert.Equal(t, "cs_test_100", event.OrderRef)
	assert.Equal(t, "pro-plan", event.ProductCode)
	assert.Equal(t, "buyer@example.com", event.CustomerEmail)
	assert.EqualValues(t, 4900, event.Amount)
	assert.Equal(t, "USD", event.Currency)
	assert.Equal(t, time.Unix(1767225600, 0).UTC(), event.OccurredAt)
}

func TestParseCheckoutSessionMetadataOrderRef(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "evt_1",
		"type": "checkout.session.completed",
		"created": 1767225600,
		"data": {"object": {
			"id": "cs_test_100",
			"metadata": {"order_ref": "order-42"}
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, "order-42", event.OrderRef)
}

func TestParseInvoicePaymentSucceeded(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "evt_2",
		"type": "invoice.payment_succeeded",
		"created": 1767225600,
		"data": {"object": {
			"id": "in_100",
			"amount_paid": 4900,
			"currency": "usd",
			"subscription": "sub_1",
			"period_end": 1769904000,
			"metadata": {"license_key": "AAAA-BBBB-CCCC-DDDD"}
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypePaymentSucceeded, event.Type)
	assert.Equal(t, "AAAA-BBBB-CCCC-DDDD", event.LicenseKey)
	assert.Equal(t, "sub_1", event.SubscriptionExternalID)
	require.NotNil(t, event.PeriodEnd)
	assert.Equal(t, time.Unix(1769904000, 0).UTC(), *event.PeriodEnd)
}

func TestParseInvoicePaymentFailedUsesAmountDue(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "evt_3",
		"type": "invoice.payment_failed",
		"data": {"object": {
			"id": "in_101",
			"amount_due": 4900,
			"subscription": "sub_1"
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypePaymentFailed, event.Type)
	assert.EqualValues(t, 4900, event.Amount)
}

func TestParseChargeRefunded(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{
		"id": "evt_4",
		"type": "charge.refunded",
		"data": {"object": {
			"id": "ch_100",
			"amount": 4900,
			"amount_refunded": 4900,
			"currency": "usd",
			"metadata": {"order_ref": "order-42"}
		}}
	}`)

	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeRefunded, event.Type)
	assert.Equal(t, "order-42", event.OrderRef)
	assert.EqualValues(t, 4900, event.Amount)
}

func TestParseSubscriptionLifecycle(t *testing.T) {
	adapter := newAdapter(t)

	payload := []byte(`{
		"id": "evt_5",
		"type": "customer.subscription.created",
		"data": {"object": {
			"id": "sub_1",
			"current_period_end": 1769904000,
			"metadata": {"license_key": "AAAA-BBBB-CCCC-DDDD"}
		}}
	}`)
	event, err := adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionCreated, event.Type)
	assert.Equal(t, "sub_1", event.SubscriptionExternalID)
	require.NotNil(t, event.PeriodEnd)

	payload = []byte(`{
		"id": "evt_6",
		"type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1"}}
	}`)
	event, err = adapter.Parse(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, paymentdomain.EventTypeSubscriptionCanceled, event.Type)
}

func TestParseIgnoresUnhandledTypes(t *testing.T) {
	adapter := newAdapter(t)
	payload := []byte(`{"id": "evt_7", "type": "customer.created", "data": {"object": {"id": "cus_1"}}}`)

	_, err := adapter.Parse(context.Background(), payload)
	assert.ErrorIs(t, err, paymentdomain.ErrEventIgnored)
}

func TestParseRejectsMalformedPayload(t *testing.T) {
	adapter := newAdapter(t)

	_, err := adapter.Parse(context.Background(), []byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)

	_, err = adapter.Parse(context.Background(), []byte(`{"type": "charge.refunded"}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)
}
