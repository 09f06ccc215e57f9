package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/clock"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	"github.com/keymint/keymint/internal/notification"
	obsmetrics "github.com/keymint/keymint/internal/observability/metrics"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	subscriptiondomain "github.com/keymint/keymint/internal/subscription/domain"
	"github.com/keymint/keymint/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB               *gorm.DB
	Log              *zap.Logger
	GenID            *snowflake.Node
	Clock            clock.Clock
	Repo             paymentdomain.Repository
	LicenseSvc       licensedomain.Service
	LicenseRepo      licensedomain.Repository
	ProductRepo      productdomain.Repository
	OrderRepo        orderdomain.Repository
	SubscriptionRepo subscriptiondomain.Repository
	Notifier         notification.Notifier `optional:"true"`
	ObsMetrics       *obsmetrics.Metrics   `optional:"true"`
}

// Service reconciles parsed payment events against license state.
// Every event passes through the replay ledger first, so redelivered
// webhooks apply exactly once. Ledger insert, state changes and the
// processed marker commit together.
type Service struct {
	db               *gorm.DB
	log              *zap.Logger
	genID            *snowflake.Node
	clock            clock.Clock
	repo             paymentdomain.Repository
	licenseSvc       licensedomain.Service
	licenseRepo      licensedomain.Repository
	productRepo      productdomain.Repository
	orderRepo        orderdomain.Repository
	subscriptionRepo subscriptiondomain.Repository
	notifier         notification.Notifier
	obsMetrics       *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:               p.DB,
		log:              p.Log.Named("payment.service"),
		genID:            p.GenID,
		clock:            p.Clock,
		repo:             p.Repo,
		licenseSvc:       p.LicenseSvc,
		licenseRepo:      p.LicenseRepo,
		productRepo:      p.ProductRepo,
		orderRepo:        p.OrderRepo,
		subscriptionRepo: p.SubscriptionRepo,
		notifier:         p.Notifier,
		obsMetrics:       p.ObsMetrics,
	}
}

func (s *Service) ProcessEvent(ctx context.Context, event *paymentdomain.PaymentEvent, payload []byte) error {
	if event == nil {
		return paymentdomain.ErrInvalidEvent
	}
	event.Provider = strings.ToLower(strings.TrimSpace(event.Provider))
	if event.Provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}
	if err := validateEvent(event); err != nil {
		return err
	}

	now := s.clock.Now()
	received := paymentdomain.EventRecord{
		ID:              s.genID.Generate(),
		Provider:        event.Provider,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.Type,
		LicenseKey:      event.LicenseKey,
		Payload:         datatypes.JSON(payload),
		ReceivedAt:      now,
	}

	// Ledger row, state changes and the processed marker commit as one
	// unit. A failure mid-apply rolls everything back, so the provider's
	// retry replays the event from scratch instead of stacking partial
	// effects on top of committed ones.
	var inserted bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		inserted, err = s.repo.InsertEvent(ctx, tx, &received)
		if err != nil {
			return err
		}
		stored := &received
		if !inserted {
			stored, err = s.repo.FindEvent(ctx, tx, event.Provider, event.ProviderEventID)
			if err != nil {
				return err
			}
			if stored == nil {
				return paymentdomain.ErrInvalidEvent
			}
			if stored.ProcessedAt != nil {
				return paymentdomain.ErrEventAlreadyProcessed
			}
		}

		if err := s.applyEvent(ctx, tx, event); err != nil {
			return err
		}
		return s.repo.MarkProcessed(ctx, tx, stored.ID, now)
	})
	if err != nil {
		return err
	}

	if inserted && s.obsMetrics != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, event.Provider, event.Type)
	}

	return nil
}

func validateEvent(event *paymentdomain.PaymentEvent) error {
	event.ProviderEventID = strings.TrimSpace(event.ProviderEventID)
	if event.ProviderEventID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	event.Type = strings.TrimSpace(event.Type)
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded,
		paymentdomain.EventTypePaymentFailed,
		paymentdomain.EventTypeRefunded,
		paymentdomain.EventTypeSubscriptionCreated,
		paymentdomain.EventTypeSubscriptionCanceled:
	default:
		return paymentdomain.ErrInvalidEvent
	}
	if event.OccurredAt.IsZero() {
		return paymentdomain.ErrInvalidEvent
	}
	event.OrderRef = strings.TrimSpace(event.OrderRef)
	event.LicenseKey = strings.TrimSpace(event.LicenseKey)
	event.SubscriptionExternalID = strings.TrimSpace(event.SubscriptionExternalID)
	if event.OrderRef == "" && event.LicenseKey == "" && event.SubscriptionExternalID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	return nil
}

func (s *Service) applyEvent(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) error {
	switch event.Type {
	case paymentdomain.EventTypePaymentSucceeded:
		return s.settlePurchase(ctx, tx, event)
	case paymentdomain.EventTypePaymentFailed:
		return s.flagPastDue(ctx, tx, event)
	case paymentdomain.EventTypeRefunded:
		return s.settleRefund(ctx, tx, event)
	case paymentdomain.EventTypeSubscriptionCreated:
		return s.attachSubscription(ctx, tx, event)
	case paymentdomain.EventTypeSubscriptionCanceled:
		return s.cancelSubscription(ctx, tx, event)
	default:
		return paymentdomain.ErrInvalidEvent
	}
}

// settlePurchase issues a license on the first successful payment for
// an order, and treats later successful payments as renewals of the
// existing license.
func (s *Service) settlePurchase(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) error {
	license, err := s.resolveLicense(ctx, tx, event)
	if err != nil && !errors.Is(err, paymentdomain.ErrUnresolvedLicense) {
		return err
	}

	if license == nil {
		issued, err := s.issueForOrder(ctx, tx, event)
		if err != nil {
			return err
		}
		license = issued
	} else {
		if err := s.renew(ctx, tx, license, event); err != nil {
			return err
		}
	}

	if err := s.completeOrder(ctx, tx, event.OrderRef); err != nil {
		return err
	}
	return s.reviveSubscription(ctx, tx, license, event)
}

func (s *Service) issueForOrder(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (*licensedomain.License, error) {
	if event.OrderRef == "" {
		return nil, paymentdomain.ErrUnresolvedLicense
	}

	order, err := s.orderRepo.FindByExternalRef(ctx, tx, event.OrderRef)
	if err != nil {
		return nil, err
	}
	if order == nil {
		order, err = s.createOrder(ctx, tx, event)
		if err != nil {
			return nil, err
		}
	}

	email := strings.TrimSpace(event.CustomerEmail)
	if email == "" {
		email = order.CustomerEmail
	}
	issued, err := s.licenseSvc.WithTx(tx).Issue(ctx, licensedomain.IssueRequest{
		ProductID:  order.ProductID.String(),
		OrderID:    order.ID.String(),
		OwnerEmail: email,
	})
	if err != nil {
		if errors.Is(err, licensedomain.ErrOrderAlreadyIssued) {
			return s.licenseRepo.FindByOrderID(ctx, tx, order.ID)
		}
		return nil, err
	}

	s.log.Info("license issued from payment",
		zap.String("provider", event.Provider),
		zap.String("order_ref", event.OrderRef),
		zap.String("license_id", issued.ID.String()),
	)
	return &issued, nil
}

func (s *Service) createOrder(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (*orderdomain.Order, error) {
	code := strings.TrimSpace(event.ProductCode)
	if code == "" {
		return nil, paymentdomain.ErrUnresolvedLicense
	}
	product, err := s.productRepo.FindByCode(ctx, tx, code)
	if err != nil {
		return nil, err
	}
	if product == nil {
		return nil, productdomain.ErrProductNotFound
	}
	email := strings.TrimSpace(event.CustomerEmail)
	if email == "" {
		return nil, paymentdomain.ErrInvalidEvent
	}

	now := s.clock.Now()
	order := orderdomain.Order{
		ID:            s.genID.Generate(),
		ProductID:     product.ID,
		CustomerEmail: email,
		ExternalRef:   event.OrderRef,
		Status:        orderdomain.OrderStatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	// The insert runs in its own savepoint so a unique violation leaves
	// the surrounding transaction usable for the fallback read.
	insertErr := tx.Transaction(func(inner *gorm.DB) error {
		return s.orderRepo.Insert(ctx, inner, &order)
	})
	if insertErr != nil {
		// A concurrent delivery for the same order ref may have won the
		// insert; fall back to its row.
		if db.IsDuplicateKeyErr(insertErr) {
			return s.orderRepo.FindByExternalRef(ctx, tx, event.OrderRef)
		}
		return nil, insertErr
	}
	return &order, nil
}

func (s *Service) renew(ctx context.Context, tx *gorm.DB, license *licensedomain.License, event *paymentdomain.PaymentEvent) error {
	licenseSvc := s.licenseSvc.WithTx(tx)

	// A successful payment activates a license that is still waiting on
	// settlement and recovers a suspended one before the renewal is
	// applied.
	switch license.Status {
	case licensedomain.LicenseStatusPending, licensedomain.LicenseStatusSuspended:
		restored, err := licenseSvc.Activate(ctx, license.Key)
		if err != nil {
			return err
		}
		*license = restored
	}

	duration, err := s.renewalDuration(ctx, tx, license, event)
	if err != nil {
		return err
	}
	if duration <= 0 {
		return nil
	}

	extended, err := licenseSvc.Extend(ctx, license.Key, duration)
	if err != nil {
		return err
	}
	*license = extended
	return nil
}

func (s *Service) renewalDuration(ctx context.Context, tx *gorm.DB, license *licensedomain.License, event *paymentdomain.PaymentEvent) (time.Duration, error) {
	if event.PeriodEnd != nil {
		if remaining := event.PeriodEnd.Sub(s.clock.Now()); remaining > 0 {
			return remaining, nil
		}
		return 0, nil
	}

	product, err := s.productRepo.FindByID(ctx, tx, license.ProductID)
	if err != nil {
		return 0, err
	}
	if product == nil {
		return 0, productdomain.ErrProductNotFound
	}
	if product.Perpetual() {
		return 0, nil
	}
	return time.Duration(product.LicenseDurationDays) * 24 * time.Hour, nil
}

func (s *Service) flagPastDue(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) error {
	license, err := s.resolveLicense(ctx, tx, event)
	if err != nil {
		return err
	}

	subscription, err := s.subscriptionRepo.FindByLicenseID(ctx, tx, license.ID)
	if err != nil {
		return err
	}
	if subscription != nil && subscription.Status != subscriptiondomain.SubscriptionStatusCanceled {
		err = s.subscriptionRepo.UpdateStatus(ctx, tx, subscription.ID,
			subscriptiondomain.SubscriptionStatusPastDue, subscription.CurrentPeriodEnd, s.clock.Now())
		if err != nil {
			return err
		}
	}

	s.notify(ctx, notification.Event{
		Type:       notification.EventPaymentFailed,
		LicenseKey: license.Key,
		OwnerEmail: license.OwnerEmail,
		Reason:     "payment_failed",
		OccurredAt: event.OccurredAt,
	})
	return nil
}

func (s *Service) settleRefund(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) error {
	license, err := s.resolveLicense(ctx, tx, event)
	if err != nil {
		return err
	}

	if _, err := s.licenseSvc.WithTx(tx).Revoke(ctx, license.Key, "payment_refunded"); err != nil {
		// Licenses that already ran out keep their terminal state; the
		// refund is still acknowledged.
		if !errors.Is(err, licensedomain.ErrInvalidTransition) {
			return err
		}
		s.log.Warn("refund on terminal license",
			zap.String("license_id", license.ID.String()),
			zap.String("status", string(license.Status)),
		)
	}

	if event.OrderRef == "" {
		return nil
	}
	order, err := s.orderRepo.FindByExternalRef(ctx, tx, event.OrderRef)
	if err != nil || order == nil {
		return err
	}
	return s.orderRepo.UpdateStatus(ctx, tx, order.ID, orderdomain.OrderStatusRefunded, s.clock.Now())
}

func (s *Service) attachSubscription(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) error {
	if event.SubscriptionExternalID == "" {
		return paymentdomain.ErrInvalidEvent
	}
	license, err := s.resolveLicense(ctx, tx, event)
	if err != nil {
		return err
	}

	switch license.Status {
	case licensedomain.LicenseStatusPending, licensedomain.LicenseStatusSuspended:
		if _, err := s.licenseSvc.WithTx(tx).Activate(ctx, license.Key); err != nil {
			return err
		}
	}

	existing, err := s.subscriptionRepo.FindByLicenseID(ctx, tx, license.ID)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	if existing != nil {
		return s.subscriptionRepo.UpdateStatus(ctx, tx, existing.ID,
			subscriptiondomain.SubscriptionStatusActive, event.PeriodEnd, now)
	}

	subscription := subscriptiondomain.Subscription{
		ID:               s.genID.Generate(),
		LicenseID:        license.ID,
		Provider:         event.Provider,
		ExternalID:       event.SubscriptionExternalID,
		Status:           subscriptiondomain.SubscriptionStatusActive,
		CurrentPeriodEnd: event.PeriodEnd,
		AutoRenew:        true,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return s.subscriptionRepo.Insert(ctx, tx, &subscription)
}

func (s *Service) cancelSubscription(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) error {
	subscription, err := s.subscriptionRepo.FindByExternalID(ctx, tx, event.Provider, event.SubscriptionExternalID)
	if err != nil {
		return err
	}
	if subscription == nil {
		return paymentdomain.ErrUnresolvedLicense
	}

	err = s.subscriptionRepo.UpdateStatus(ctx, tx, subscription.ID,
		subscriptiondomain.SubscriptionStatusCanceled, subscription.CurrentPeriodEnd, s.clock.Now())
	if err != nil {
		return err
	}

	license, err := s.licenseRepo.FindByID(ctx, tx, subscription.LicenseID)
	if err != nil {
		return err
	}
	if license == nil {
		return paymentdomain.ErrUnresolvedLicense
	}

	if _, err := s.licenseSvc.WithTx(tx).Revoke(ctx, license.Key, "subscription_canceled"); err != nil {
		if !errors.Is(err, licensedomain.ErrInvalidTransition) {
			return err
		}
		s.log.Warn("cancellation on terminal license",
			zap.String("license_id", license.ID.String()),
			zap.String("status", string(license.Status)),
		)
	}
	return nil
}

// reviveSubscription moves an attached subscription back to ACTIVE
// after a successful payment and rolls its period end forward.
func (s *Service) reviveSubscription(ctx context.Context, tx *gorm.DB, license *licensedomain.License, event *paymentdomain.PaymentEvent) error {
	if license == nil {
		return nil
	}
	subscription, err := s.subscriptionRepo.FindByLicenseID(ctx, tx, license.ID)
	if err != nil || subscription == nil {
		return err
	}
	if subscription.Status == subscriptiondomain.SubscriptionStatusCanceled {
		return nil
	}
	periodEnd := event.PeriodEnd
	if periodEnd == nil {
		periodEnd = subscription.CurrentPeriodEnd
	}
	return s.subscriptionRepo.UpdateStatus(ctx, tx, subscription.ID,
		subscriptiondomain.SubscriptionStatusActive, periodEnd, s.clock.Now())
}

// resolveLicense locates the license an event refers to, trying the
// explicit key first, then the subscription, then the order.
func (s *Service) resolveLicense(ctx context.Context, tx *gorm.DB, event *paymentdomain.PaymentEvent) (*licensedomain.License, error) {
	if event.LicenseKey != "" {
		license, err := s.licenseRepo.FindByKey(ctx, tx, event.LicenseKey)
		if err != nil {
			return nil, err
		}
		if license != nil {
			return license, nil
		}
	}

	if event.SubscriptionExternalID != "" {
		subscription, err := s.subscriptionRepo.FindByExternalID(ctx, tx, event.Provider, event.SubscriptionExternalID)
		if err != nil {
			return nil, err
		}
		if subscription != nil {
			license, err := s.licenseRepo.FindByID(ctx, tx, subscription.LicenseID)
			if err != nil {
				return nil, err
			}
			if license != nil {
				return license, nil
			}
		}
	}

	if event.OrderRef != "" {
		order, err := s.orderRepo.FindByExternalRef(ctx, tx, event.OrderRef)
		if err != nil {
			return nil, err
		}
		if order != nil {
			license, err := s.licenseRepo.FindByOrderID(ctx, tx, order.ID)
			if err != nil {
				return nil, err
			}
			if license != nil {
				return license, nil
			}
		}
	}

	return nil, paymentdomain.ErrUnresolvedLicense
}

func (s *Service) completeOrder(ctx context.Context, tx *gorm.DB, orderRef string) error {
	if orderRef == "" {
		return nil
	}
	order, err := s.orderRepo.FindByExternalRef(ctx, tx, orderRef)
	if err != nil || order == nil {
		return err
	}
	if order.Status == orderdomain.OrderStatusCompleted {
		return nil
	}
	return s.orderRepo.UpdateStatus(ctx, tx, order.ID, orderdomain.OrderStatusCompleted, s.clock.Now())
}

func (s *Service) notify(ctx context.Context, event notification.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, event)
}
