package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/keymint/keymint/internal/clock"
	"github.com/keymint/keymint/internal/keygen"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	licenserepo "github.com/keymint/keymint/internal/license/repository"
	licenseservice "github.com/keymint/keymint/internal/license/service"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	orderrepo "github.com/keymint/keymint/internal/order/repository"
	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
	paymentrepo "github.com/keymint/keymint/internal/payment/repository"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	productrepo "github.com/keymint/keymint/internal/product/repository"
	subscriptiondomain "github.com/keymint/keymint/internal/subscription/domain"
	subscriptionrepo "github.com/keymint/keymint/internal/subscription/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type fixture struct {
	db      *gorm.DB
	node    *snowflake.Node
	clk     *clock.FakeClock
	svc     *Service
	product productdomain.Product
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)

	// Create tables manually to match production schema
	db.Exec(`CREATE TABLE IF NOT EXISTS products (
		id BIGINT PRIMARY KEY,
		code TEXT NOT NULL,
		name TEXT NOT NULL,
		key_format TEXT NOT NULL DEFAULT 'segmented',
		key_pattern TEXT,
		default_max_activations INTEGER NOT NULL DEFAULT 1,
		license_duration_days INTEGER NOT NULL DEFAULT 0,
		trial_days INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS orders (
		id BIGINT PRIMARY KEY,
		product_id BIGINT NOT NULL,
		customer_email TEXT NOT NULL,
		external_ref TEXT,
		status TEXT NOT NULL DEFAULT 'PENDING',
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS licenses (
		id BIGINT PRIMARY KEY,
		license_key TEXT NOT NULL,
		product_id BIGINT NOT NULL,
		order_id BIGINT NOT NULL,
		owner_email TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'PENDING',
		max_activations INTEGER,
		activation_count INTEGER NOT NULL DEFAULT 0,
		expires_at TIMESTAMP,
		suspended_at TIMESTAMP,
		suspend_reason TEXT,
		revoked_at TIMESTAMP,
		revoke_reason TEXT,
		metadata TEXT,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGINT PRIMARY KEY,
		license_id BIGINT NOT NULL,
		provider TEXT NOT NULL,
		external_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		current_period_end TIMESTAMP,
		auto_renew BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	)`)
	db.Exec(`CREATE TABLE IF NOT EXISTS payment_events (
		id BIGINT PRIMARY KEY,
		provider TEXT NOT NULL,
		provider_event_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		license_key TEXT,
		payload TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP
	)`)
	// SQLite requires an explicit UNIQUE index for ON CONFLICT to work
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_payment_events_provider_event ON payment_events(provider, provider_event_id)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_orders_external_ref ON orders(external_ref)")
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_licenses_key ON licenses(license_key)")

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	log := zap.NewNop()

	licRepo := licenserepo.Provide()
	prodRepo := productrepo.Provide()
	ordRepo := orderrepo.Provide()

	licenseSvc := licenseservice.NewService(licenseservice.Params{
		DB:          db,
		Log:         log,
		GenID:       node,
		Clock:       clk,
		Repo:        licRepo,
		ProductRepo: prodRepo,
		OrderRepo:   ordRepo,
	})

	svc := NewService(Params{
		DB:               db,
		Log:              log,
		GenID:            node,
		Clock:            clk,
		Repo:             paymentrepo.Provide(),
		LicenseSvc:       licenseSvc,
		LicenseRepo:      licRepo,
		ProductRepo:      prodRepo,
		OrderRepo:        ordRepo,
		SubscriptionRepo: subscriptionrepo.Provide(),
	})

	now := clk.Now()
	product := productdomain.Product{
		ID:                    node.Generate(),
		Code:                  "pro-plan",
		Name:                  "Pro Plan",
		KeyFormat:             keygen.FormatSegmented,
		DefaultMaxActivations: 3,
		LicenseDurationDays:   30,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(t, db.Create(&product).Error)

	return &fixture{db: db, node: node, clk: clk, svc: svc, product: product}
}

func (f *fixture) purchaseEvent(eventID, orderRef string) *paymentdomain.PaymentEvent {
	return &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: eventID,
		Type:            paymentdomain.EventTypePaymentSucceeded,
		OrderRef:        orderRef,
		ProductCode:     f.product.Code,
		CustomerEmail:   "buyer@example.com",
		OccurredAt:      f.clk.Now(),
	}
}

func (f *fixture) licenseForOrderRef(t *testing.T, orderRef string) licensedomain.License {
	t.Helper()
	var license licensedomain.License
	err := f.db.Raw(`SELECT licenses.* FROM licenses
		JOIN orders ON orders.id = licenses.order_id
		WHERE orders.external_ref = ?`, orderRef).Scan(&license).Error
	require.NoError(t, err)
	require.NotZero(t, license.ID)
	return license
}

func TestProcessEventFirstPurchaseIssuesLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`))
	require.NoError(t, err)

	license := f.licenseForOrderRef(t, "cs_100")
	assert.Equal(t, licensedomain.LicenseStatusActive, license.Status)
	assert.Equal(t, "buyer@example.com", license.OwnerEmail)
	require.NotNil(t, license.ExpiresAt)

	var order orderdomain.Order
	require.NoError(t, f.db.Raw("SELECT * FROM orders WHERE external_ref = ?", "cs_100").Scan(&order).Error)
	assert.Equal(t, orderdomain.OrderStatusCompleted, order.Status)
}

func TestProcessEventReplayAppliesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))

	// Redelivery of the same provider event id changes nothing.
	err := f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	var count int64
	require.NoError(t, f.db.Raw("SELECT COUNT(1) FROM licenses").Scan(&count).Error)
	assert.EqualValues(t, 1, count)

	license := f.licenseForOrderRef(t, "cs_100")
	firstExpiry := *license.ExpiresAt

	err = f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	license = f.licenseForOrderRef(t, "cs_100")
	assert.WithinDuration(t, firstExpiry, *license.ExpiresAt, time.Second)
}

func TestProcessEventSecondPaymentRenews(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")
	firstExpiry := *license.ExpiresAt

	// A distinct event for the same order extends the existing license
	// instead of issuing a second one.
	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_2", "cs_100"), []byte(`{}`)))

	var count int64
	require.NoError(t, f.db.Raw("SELECT COUNT(1) FROM licenses").Scan(&count).Error)
	assert.EqualValues(t, 1, count)

	license = f.licenseForOrderRef(t, "cs_100")
	assert.WithinDuration(t, firstExpiry.AddDate(0, 0, 30), *license.ExpiresAt, time.Minute)
}

func TestProcessEventRenewalUsesPeriodEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")

	periodEnd := f.clk.Now().AddDate(0, 0, 45)
	event := f.purchaseEvent("evt_2", "cs_100")
	event.PeriodEnd = &periodEnd
	require.NoError(t, f.svc.ProcessEvent(ctx, event, []byte(`{}`)))

	license = f.licenseForOrderRef(t, "cs_100")
	assert.WithinDuration(t, license.CreatedAt.AddDate(0, 0, 30+45), *license.ExpiresAt, time.Minute)
}

func TestProcessEventPaymentRecoversSuspended(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")

	_, err := f.svc.licenseSvc.Suspend(ctx, license.Key, "payment_review")
	require.NoError(t, err)

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_2", "cs_100"), []byte(`{}`)))

	license = f.licenseForOrderRef(t, "cs_100")
	assert.Equal(t, licensedomain.LicenseStatusActive, license.Status)
}

func TestProcessEventRefundRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))

	refund := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Type:            paymentdomain.EventTypeRefunded,
		OrderRef:        "cs_100",
		OccurredAt:      f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, refund, []byte(`{}`)))

	license := f.licenseForOrderRef(t, "cs_100")
	assert.Equal(t, licensedomain.LicenseStatusRevoked, license.Status)
	assert.Equal(t, "payment_refunded", license.RevokeReason)

	var order orderdomain.Order
	require.NoError(t, f.db.Raw("SELECT * FROM orders WHERE external_ref = ?", "cs_100").Scan(&order).Error)
	assert.Equal(t, orderdomain.OrderStatusRefunded, order.Status)
}

func TestProcessEventRefundOnRevokedIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")
	_, err := f.svc.licenseSvc.Revoke(ctx, license.Key, "fraud")
	require.NoError(t, err)

	refund := &paymentdomain.PaymentEvent{
		Provider:        "stripe",
		ProviderEventID: "evt_2",
		Type:            paymentdomain.EventTypeRefunded,
		OrderRef:        "cs_100",
		OccurredAt:      f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, refund, []byte(`{}`)))
}

func TestProcessEventPaymentFailedFlagsPastDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")

	attach := &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        "evt_2",
		Type:                   paymentdomain.EventTypeSubscriptionCreated,
		LicenseKey:             license.Key,
		SubscriptionExternalID: "sub_1",
		OccurredAt:             f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, attach, []byte(`{}`)))

	failed := &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        "evt_3",
		Type:                   paymentdomain.EventTypePaymentFailed,
		SubscriptionExternalID: "sub_1",
		OccurredAt:             f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, failed, []byte(`{}`)))

	var subscription subscriptiondomain.Subscription
	require.NoError(t, f.db.Raw("SELECT * FROM subscriptions WHERE external_id = ?", "sub_1").Scan(&subscription).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, subscription.Status)

	// The license itself is not touched until the grace period runs out.
	license = f.licenseForOrderRef(t, "cs_100")
	assert.Equal(t, licensedomain.LicenseStatusActive, license.Status)
}

func TestProcessEventSubscriptionCanceledRevokes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")

	attach := &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        "evt_2",
		Type:                   paymentdomain.EventTypeSubscriptionCreated,
		LicenseKey:             license.Key,
		SubscriptionExternalID: "sub_1",
		OccurredAt:             f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, attach, []byte(`{}`)))

	canceled := &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        "evt_3",
		Type:                   paymentdomain.EventTypeSubscriptionCanceled,
		SubscriptionExternalID: "sub_1",
		OccurredAt:             f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, canceled, []byte(`{}`)))

	var subscription subscriptiondomain.Subscription
	require.NoError(t, f.db.Raw("SELECT * FROM subscriptions WHERE external_id = ?", "sub_1").Scan(&subscription).Error)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCanceled, subscription.Status)

	license = f.licenseForOrderRef(t, "cs_100")
	assert.Equal(t, licensedomain.LicenseStatusRevoked, license.Status)
}

func TestProcessEventValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	err := f.svc.ProcessEvent(ctx, nil, []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	event := f.purchaseEvent("", "cs_100")
	err = f.svc.ProcessEvent(ctx, event, []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	event = f.purchaseEvent("evt_1", "cs_100")
	event.Type = "something.else"
	err = f.svc.ProcessEvent(ctx, event, []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	event = f.purchaseEvent("evt_1", "")
	event.LicenseKey = ""
	event.SubscriptionExternalID = ""
	err = f.svc.ProcessEvent(ctx, event, []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidEvent)

	err = f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`not json`))
	assert.ErrorIs(t, err, paymentdomain.ErrInvalidPayload)
}

func TestProcessEventUnknownOrderRequiresProductCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	event := f.purchaseEvent("evt_1", "cs_900")
	event.ProductCode = ""
	err := f.svc.ProcessEvent(ctx, event, []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrUnresolvedLicense)

	// A failed apply rolls the ledger entry back with everything else,
	// so the retry with a resolvable payload goes through.
	event = f.purchaseEvent("evt_1", "cs_900")
	require.NoError(t, f.svc.ProcessEvent(ctx, event, []byte(`{}`)))

	license := f.licenseForOrderRef(t, "cs_900")
	assert.Equal(t, licensedomain.LicenseStatusActive, license.Status)
}

func TestProcessEventFailedApplyLeavesNoPartialState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_100"), []byte(`{}`)))
	license := f.licenseForOrderRef(t, "cs_100")

	attach := &paymentdomain.PaymentEvent{
		Provider:               "stripe",
		ProviderEventID:        "evt_2",
		Type:                   paymentdomain.EventTypeSubscriptionCreated,
		LicenseKey:             license.Key,
		SubscriptionExternalID: "sub_1",
		OccurredAt:             f.clk.Now(),
	}
	require.NoError(t, f.svc.ProcessEvent(ctx, attach, []byte(`{}`)))

	license = f.licenseForOrderRef(t, "cs_100")
	firstExpiry := *license.ExpiresAt

	// Break the subscription lookup so the renewal fails after the
	// extension step has already run inside the transaction.
	require.NoError(t, f.db.Exec("ALTER TABLE subscriptions RENAME TO subscriptions_hidden").Error)

	err := f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_3", "cs_100"), []byte(`{}`))
	require.Error(t, err)

	// The rollback must also undo the extension and the ledger entry.
	license = f.licenseForOrderRef(t, "cs_100")
	assert.WithinDuration(t, firstExpiry, *license.ExpiresAt, time.Second)

	var count int64
	require.NoError(t, f.db.Raw("SELECT COUNT(1) FROM payment_events WHERE provider_event_id = ?", "evt_3").Scan(&count).Error)
	assert.EqualValues(t, 0, count)

	// Redelivering the identical event applies the renewal exactly once.
	require.NoError(t, f.db.Exec("ALTER TABLE subscriptions_hidden RENAME TO subscriptions").Error)
	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_3", "cs_100"), []byte(`{}`)))

	license = f.licenseForOrderRef(t, "cs_100")
	assert.WithinDuration(t, firstExpiry.AddDate(0, 0, 30), *license.ExpiresAt, time.Minute)

	err = f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_3", "cs_100"), []byte(`{}`))
	assert.ErrorIs(t, err, paymentdomain.ErrEventAlreadyProcessed)

	license = f.licenseForOrderRef(t, "cs_100")
	assert.WithinDuration(t, firstExpiry.AddDate(0, 0, 30), *license.ExpiresAt, time.Minute)
}

func TestProcessEventPaymentActivatesPendingLicense(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	now := f.clk.Now()
	order := orderdomain.Order{
		ID:            f.node.Generate(),
		ProductID:     f.product.ID,
		CustomerEmail: "buyer@example.com",
		ExternalRef:   "cs_200",
		Status:        orderdomain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.db.Create(&order).Error)

	pending := licensedomain.License{
		ID:         f.node.Generate(),
		Key:        "PEND-PEND-PEND-PEND",
		ProductID:  f.product.ID,
		OrderID:    order.ID,
		OwnerEmail: "buyer@example.com",
		Status:     licensedomain.LicenseStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	require.NoError(t, f.db.Create(&pending).Error)

	require.NoError(t, f.svc.ProcessEvent(ctx, f.purchaseEvent("evt_1", "cs_200"), []byte(`{}`)))

	license := f.licenseForOrderRef(t, "cs_200")
	assert.Equal(t, licensedomain.LicenseStatusActive, license.Status)
	assert.Equal(t, pending.ID, license.ID)
}
