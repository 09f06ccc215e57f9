package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/keymint/keymint/internal/cache"
	"github.com/keymint/keymint/internal/clock"
	"github.com/keymint/keymint/internal/keygen"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	licenserepo "github.com/keymint/keymint/internal/license/repository"
	"github.com/keymint/keymint/internal/notification"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	orderrepo "github.com/keymint/keymint/internal/order/repository"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	productrepo "github.com/keymint/keymint/internal/product/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type recordingNotifier struct {
	events []notification.Event
}

func (n *recordingNotifier) Notify(_ context.Context, event notification.Event) {
	n.events = append(n.events, event)
}

func newTestDB(t *testing.T) *gorm.DB {
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
	db.Exec("CREATE UNIQUE INDEX IF NOT EXISTS ux_licenses_key ON licenses(license_key)")

	return db
}

type fixture struct {
	db       *gorm.DB
	node     *snowflake.Node
	clk      *clock.FakeClock
	notifier *recordingNotifier
	cache    licensedomain.ValidateCache
	svc      licensedomain.Service
	product  productdomain.Product
	order    orderdomain.Order
}

func newFixture(t *testing.T, durationDays int) *fixture {
	t.Helper()
	db := newTestDB(t)
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}
	validateCache := cache.NewTTLCache[string, licensedomain.ValidateResponse]()

	svc := NewService(Params{
		DB:            db,
		Log:           zap.NewNop(),
		GenID:         node,
		Clock:         clk,
		Repo:          licenserepo.Provide(),
		ProductRepo:   productrepo.Provide(),
		OrderRepo:     orderrepo.Provide(),
		Notifier:      notifier,
		ValidateCache: validateCache,
	})

	now := clk.Now()
	product := productdomain.Product{
		ID:                    node.Generate(),
		Code:                  "pro-plan",
		Name:                  "Pro Plan",
		KeyFormat:             keygen.FormatSegmented,
		DefaultMaxActivations: 3,
		LicenseDurationDays:   durationDays,
		Active:                true,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	require.NoError(t, db.Create(&product).Error)

	order := orderdomain.Order{
		ID:            node.Generate(),
		ProductID:     product.ID,
		CustomerEmail: "buyer@example.com",
		Status:        orderdomain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, db.Create(&order).Error)

	return &fixture{
		db:       db,
		node:     node,
		clk:      clk,
		notifier: notifier,
		cache:    validateCache,
		svc:      svc,
		product:  product,
		order:    order,
	}
}

func (f *fixture) issue(t *testing.T) licensedomain.License {
	t.Helper()
	license, err := f.svc.Issue(context.Background(), licensedomain.IssueRequest{
		ProductID:  f.product.ID.String(),
		OrderID:    f.order.ID.String(),
		OwnerEmail: "buyer@example.com",
	})
	require.NoError(t, err)
	return license
}

func TestIssue(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()

	license := f.issue(t)
	assert.Equal(t, licensedomain.LicenseStatusActive, license.Status)
	assert.Regexp(t, `^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`, license.Key)
	require.NotNil(t, license.ExpiresAt)
	assert.Equal(t, f.clk.Now().AddDate(0, 0, 365), *license.ExpiresAt)

	require.Len(t, f.notifier.events, 1)
	assert.Equal(t, notification.EventLicenseIssued, f.notifier.events[0].Type)
	assert.Equal(t, "buyer@example.com", f.notifier.events[0].OwnerEmail)

	// A second issue against the same order is rejected.
	_, err := f.svc.Issue(ctx, licensedomain.IssueRequest{
		ProductID:  f.product.ID.String(),
		OrderID:    f.order.ID.String(),
		OwnerEmail: "buyer@example.com",
	})
	assert.ErrorIs(t, err, licensedomain.ErrOrderAlreadyIssued)
}

func TestIssuePerpetualProduct(t *testing.T) {
	f := newFixture(t, 0)

	license := f.issue(t)
	assert.Nil(t, license.ExpiresAt)

	resp, err := f.svc.Validate(context.Background(), license.Key)
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	// No expiry means time alone never invalidates the license.
	f.clk.Advance(24 * 365 * 10 * time.Hour)
	resp, err = f.svc.Validate(context.Background(), license.Key)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}

func TestIssueValidation(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()

	_, err := f.svc.Issue(ctx, licensedomain.IssueRequest{
		ProductID:  f.product.ID.String(),
		OrderID:    f.order.ID.String(),
		OwnerEmail: "not-an-email",
	})
	assert.ErrorIs(t, err, licensedomain.ErrInvalidOwnerEmail)

	bad := 0
	_, err = f.svc.Issue(ctx, licensedomain.IssueRequest{
		ProductID:      f.product.ID.String(),
		OrderID:        f.order.ID.String(),
		OwnerEmail:     "buyer@example.com",
		MaxActivations: &bad,
	})
	assert.ErrorIs(t, err, productdomain.ErrInvalidMaxActivations)

	_, err = f.svc.Issue(ctx, licensedomain.IssueRequest{
		ProductID:  f.node.Generate().String(),
		OrderID:    f.order.ID.String(),
		OwnerEmail: "buyer@example.com",
	})
	assert.ErrorIs(t, err, productdomain.ErrProductNotFound)
}

func TestSuspendResume(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()
	license := f.issue(t)

	suspended, err := f.svc.Suspend(ctx, license.Key, "chargeback_review")
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusSuspended, suspended.Status)
	assert.Equal(t, "chargeback_review", suspended.SuspendReason)
	require.NotNil(t, suspended.SuspendedAt)

	resp, err := f.svc.Validate(ctx, license.Key)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, licensedomain.LicenseStatusSuspended, resp.Status)

	resumed, err := f.svc.Activate(ctx, license.Key)
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusActive, resumed.Status)
	assert.Nil(t, resumed.SuspendedAt)
	assert.Empty(t, resumed.SuspendReason)

	resp, err = f.svc.Validate(ctx, license.Key)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
}

func TestTransitionIdempotent(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()
	license := f.issue(t)

	// Transitioning into the current status is a no-op, not an error.
	again, err := f.svc.Activate(ctx, license.Key)
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusActive, again.Status)

	_, err = f.svc.Suspend(ctx, license.Key, "first")
	require.NoError(t, err)
	again, err = f.svc.Suspend(ctx, license.Key, "second")
	require.NoError(t, err)
	assert.Equal(t, "first", again.SuspendReason)
}

func TestRevokeIsTerminal(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()
	license := f.issue(t)

	revoked, err := f.svc.Revoke(ctx, license.Key, "fraud")
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusRevoked, revoked.Status)
	assert.Equal(t, "fraud", revoked.RevokeReason)
	require.NotNil(t, revoked.RevokedAt)

	require.Len(t, f.notifier.events, 2)
	assert.Equal(t, notification.EventLicenseRevoked, f.notifier.events[1].Type)

	_, err = f.svc.Activate(ctx, license.Key)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidTransition)

	_, err = f.svc.Suspend(ctx, license.Key, "late")
	assert.ErrorIs(t, err, licensedomain.ErrInvalidTransition)

	var transErr *licensedomain.TransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, licensedomain.LicenseStatusRevoked, transErr.From)
}

func TestRevokeFromSuspended(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()
	license := f.issue(t)

	_, err := f.svc.Suspend(ctx, license.Key, "review")
	require.NoError(t, err)

	revoked, err := f.svc.Revoke(ctx, license.Key, "confirmed_fraud")
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusRevoked, revoked.Status)
}

func TestValidateLazyExpiry(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	license := f.issue(t)

	resp, err := f.svc.Validate(ctx, license.Key)
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, 3, resp.MaxActivations)

	f.clk.Advance(31 * 24 * time.Hour)

	// The stored row flips to expired on read, not just the response.
	resp, err = f.svc.Validate(ctx, license.Key)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, licensedomain.LicenseStatusExpired, resp.Status)

	stored, err := f.svc.GetByKey(ctx, license.Key)
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusExpired, stored.Status)
}

func TestValidateExpiryBoundary(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	license := f.issue(t)

	// Exactly at the expiry instant the license is no longer valid.
	f.clk.Set(*license.ExpiresAt)
	resp, err := f.svc.Validate(ctx, license.Key)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, licensedomain.LicenseStatusExpired, resp.Status)
}

func TestExtend(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	license := f.issue(t)

	extended, err := f.svc.Extend(ctx, license.Key, 30*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)
	assert.WithinDuration(t, license.ExpiresAt.Add(30*24*time.Hour), *extended.ExpiresAt, time.Second)

	_, err = f.svc.Extend(ctx, license.Key, 0)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidDuration)
}

func TestExtendFromNowWhenLapsed(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	license := f.issue(t)

	// Past-dated expiry extends from now, not from the stale instant.
	f.clk.Advance(60 * 24 * time.Hour)
	extended, err := f.svc.Extend(ctx, license.Key, 30*24*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, extended.ExpiresAt)
	assert.WithinDuration(t, f.clk.Now().Add(30*24*time.Hour), *extended.ExpiresAt, time.Second)
}

func TestExtendRejectedOnRevoked(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	license := f.issue(t)

	_, err := f.svc.Revoke(ctx, license.Key, "fraud")
	require.NoError(t, err)

	_, err = f.svc.Extend(ctx, license.Key, 24*time.Hour)
	assert.ErrorIs(t, err, licensedomain.ErrInvalidTransition)
}

func TestExpireIfDueNotDue(t *testing.T) {
	f := newFixture(t, 30)
	ctx := context.Background()
	license := f.issue(t)

	out, err := f.svc.ExpireIfDue(ctx, license.Key)
	require.NoError(t, err)
	assert.Equal(t, licensedomain.LicenseStatusActive, out.Status)
}

func TestGetByKeyUnknown(t *testing.T) {
	f := newFixture(t, 30)

	_, err := f.svc.GetByKey(context.Background(), "XXXX-XXXX-XXXX-XXXX")
	assert.ErrorIs(t, err, licensedomain.ErrLicenseNotFound)

	_, err = f.svc.GetByKey(context.Background(), "  ")
	assert.ErrorIs(t, err, licensedomain.ErrInvalidKey)
}

func TestTransitionsInvalidateValidateCache(t *testing.T) {
	f := newFixture(t, 365)
	ctx := context.Background()
	license := f.issue(t)

	seed := func() {
		f.cache.Set(license.Key, licensedomain.ValidateResponse{Valid: true}, time.Minute)
	}
	cached := func() bool {
		_, ok := f.cache.Get(license.Key)
		return ok
	}

	seed()
	_, err := f.svc.Suspend(ctx, license.Key, "payment_review")
	require.NoError(t, err)
	assert.False(t, cached(), "suspend must drop the cached snapshot")

	seed()
	_, err = f.svc.Activate(ctx, license.Key)
	require.NoError(t, err)
	assert.False(t, cached(), "resume must drop the cached snapshot")

	seed()
	_, err = f.svc.Extend(ctx, license.Key, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, cached(), "extend must drop the cached snapshot")

	f.clk.Advance(367 * 24 * time.Hour)
	seed()
	expired, err := f.svc.ExpireIfDue(ctx, license.Key)
	require.NoError(t, err)
	require.Equal(t, licensedomain.LicenseStatusExpired, expired.Status)
	assert.False(t, cached(), "expiry sweep must drop the cached snapshot")
}
