package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/clock"
	"github.com/keymint/keymint/internal/keygen"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	"github.com/keymint/keymint/internal/notification"
	orderdomain "github.com/keymint/keymint/internal/order/domain"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	GenID         *snowflake.Node
	Clock         clock.Clock
	Repo          licensedomain.Repository
	ProductRepo   productdomain.Repository
	OrderRepo     orderdomain.Repository
	Notifier      notification.Notifier       `optional:"true"`
	ValidateCache licensedomain.ValidateCache `optional:"true"`
}

type Service struct {
	db            *gorm.DB
	log           *zap.Logger
	genID         *snowflake.Node
	clock         clock.Clock
	repo          licensedomain.Repository
	productRepo   productdomain.Repository
	orderRepo     orderdomain.Repository
	notifier      notification.Notifier
	validateCache licensedomain.ValidateCache
	keys          *keygen.Generator
}

func NewService(p Params) licensedomain.Service {
	s := &Service{
		db:            p.DB,
		log:           p.Log.Named("license.service"),
		genID:         p.GenID,
		clock:         p.Clock,
		repo:          p.Repo,
		productRepo:   p.ProductRepo,
		orderRepo:     p.OrderRepo,
		notifier:      p.Notifier,
		validateCache: p.ValidateCache,
	}
	s.keys = keygen.New(func(ctx context.Context, key string) (bool, error) {
		return s.repo.KeyExists(ctx, s.db, key)
	})
	return s
}

// WithTx binds a copy of the service to tx. Nested lifecycle
// transactions become savepoints inside the caller's transaction.
func (s *Service) WithTx(tx *gorm.DB) licensedomain.Service {
	c := *s
	c.db = tx
	c.keys = keygen.New(func(ctx context.Context, key string) (bool, error) {
		return c.repo.KeyExists(ctx, c.db, key)
	})
	return &c
}

func (s *Service) Issue(ctx context.Context, req licensedomain.IssueRequest) (licensedomain.License, error) {
	productID, err := parseID(req.ProductID)
	if err != nil {
		return licensedomain.License{}, productdomain.ErrInvalidProduct
	}
	orderID, err := parseID(req.OrderID)
	if err != nil {
		return licensedomain.License{}, orderdomain.ErrInvalidOrder
	}
	email := strings.TrimSpace(req.OwnerEmail)
	if email == "" || !strings.Contains(email, "@") {
		return licensedomain.License{}, licensedomain.ErrInvalidOwnerEmail
	}
	if req.MaxActivations != nil && *req.MaxActivations < 1 {
		return licensedomain.License{}, productdomain.ErrInvalidMaxActivations
	}

	product, err := s.productRepo.FindByID(ctx, s.db, productID)
	if err != nil {
		return licensedomain.License{}, err
	}
	if product == nil {
		return licensedomain.License{}, productdomain.ErrProductNotFound
	}

	order, err := s.orderRepo.FindByID(ctx, s.db, orderID)
	if err != nil {
		return licensedomain.License{}, err
	}
	if order == nil {
		return licensedomain.License{}, orderdomain.ErrOrderNotFound
	}

	existing, err := s.repo.FindByOrderID(ctx, s.db, orderID)
	if err != nil {
		return licensedomain.License{}, err
	}
	if existing != nil {
		return licensedomain.License{}, licensedomain.ErrOrderAlreadyIssued
	}

	key, err := s.keys.Generate(ctx, product.KeyFormat, product.KeyPattern)
	if err != nil {
		if errors.Is(err, keygen.ErrGenerationExhausted) {
			s.log.Error("license key space exhausted after bounded retries",
				zap.String("product_code", product.Code),
			)
			return licensedomain.License{}, licensedomain.ErrGenerationExhausted
		}
		return licensedomain.License{}, err
	}

	now := s.clock.Now()
	license := licensedomain.License{
		ID:             s.genID.Generate(),
		Key:            key,
		ProductID:      product.ID,
		OrderID:        order.ID,
		OwnerEmail:     email,
		Status:         licensedomain.LicenseStatusActive,
		MaxActivations: req.MaxActivations,
		ExpiresAt:      initialExpiry(*product, now),
		Metadata:       datatypes.JSONMap(req.Metadata),
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := s.repo.Insert(ctx, s.db, &license); err != nil {
		return licensedomain.License{}, err
	}

	s.notify(ctx, notification.Event{
		Type:        notification.EventLicenseIssued,
		LicenseKey:  license.Key,
		OwnerEmail:  license.OwnerEmail,
		ProductName: product.Name,
		OccurredAt:  now,
	})

	return license, nil
}

// initialExpiry derives the first expiry from product duration plus any
// trial days. A perpetual product yields no expiry.
func initialExpiry(product productdomain.Product, now time.Time) *time.Time {
	days := product.LicenseDurationDays + product.TrialDays
	if product.Perpetual() && product.TrialDays <= 0 {
		return nil
	}
	if product.Perpetual() {
		days = product.TrialDays
	}
	expires := now.AddDate(0, 0, days)
	return &expires
}

func (s *Service) Validate(ctx context.Context, key string) (licensedomain.ValidateResponse, error) {
	license, err := s.GetByKey(ctx, key)
	if err != nil {
		return licensedomain.ValidateResponse{}, err
	}

	now := s.clock.Now()
	if license.Status == licensedomain.LicenseStatusActive && license.ExpiredAt(now) {
		license, err = s.ExpireIfDue(ctx, license.Key)
		if err != nil {
			return licensedomain.ValidateResponse{}, err
		}
	}

	max, err := s.effectiveMax(ctx, license)
	if err != nil {
		return licensedomain.ValidateResponse{}, err
	}

	return licensedomain.ValidateResponse{
		Valid:           license.ValidAt(now),
		Status:          license.Status,
		ExpiresAt:       license.ExpiresAt,
		ActivationsUsed: license.ActivationCount,
		MaxActivations:  max,
	}, nil
}

func (s *Service) GetByKey(ctx context.Context, key string) (licensedomain.License, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return licensedomain.License{}, licensedomain.ErrInvalidKey
	}

	item, err := s.repo.FindByKey(ctx, s.db, key)
	if err != nil {
		return licensedomain.License{}, err
	}
	if item == nil {
		return licensedomain.License{}, licensedomain.ErrLicenseNotFound
	}
	return *item, nil
}

func (s *Service) Activate(ctx context.Context, key string) (licensedomain.License, error) {
	return s.transition(ctx, key, licensedomain.LicenseStatusActive, "")
}

func (s *Service) Suspend(ctx context.Context, key string, reason string) (licensedomain.License, error) {
	return s.transition(ctx, key, licensedomain.LicenseStatusSuspended, reason)
}

func (s *Service) Revoke(ctx context.Context, key string, reason string) (licensedomain.License, error) {
	return s.transition(ctx, key, licensedomain.LicenseStatusRevoked, reason)
}

// Extend pushes expiry forward from its current value, or from now for
// licenses without one. Allowed while active or suspended.
func (s *Service) Extend(ctx context.Context, key string, duration time.Duration) (licensedomain.License, error) {
	if duration <= 0 {
		return licensedomain.License{}, licensedomain.ErrInvalidDuration
	}

	var out licensedomain.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		license, err := s.lockByKey(ctx, tx, key)
		if err != nil {
			return err
		}

		switch license.Status {
		case licensedomain.LicenseStatusActive, licensedomain.LicenseStatusSuspended:
		default:
			return licensedomain.NewTransitionError(license.Status, license.Status)
		}

		now := s.clock.Now()
		base := now
		if license.ExpiresAt != nil && license.ExpiresAt.After(now) {
			base = *license.ExpiresAt
		}
		expires := base.Add(duration)
		license.ExpiresAt = &expires
		license.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, license); err != nil {
			return err
		}
		out = *license
		return nil
	})
	if err != nil {
		return licensedomain.License{}, err
	}
	s.invalidate(out.Key)
	return out, nil
}

// ExpireIfDue flips an active license to expired once its expiry has
// passed. Invoked lazily from Validate and by the sweep scheduler.
func (s *Service) ExpireIfDue(ctx context.Context, key string) (licensedomain.License, error) {
	var out licensedomain.License
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		license, err := s.lockByKey(ctx, tx, key)
		if err != nil {
			return err
		}

		now := s.clock.Now()
		if license.Status != licensedomain.LicenseStatusActive || !license.ExpiredAt(now) {
			out = *license
			return nil
		}

		license.Status = licensedomain.LicenseStatusExpired
		license.UpdatedAt = now
		if err := s.repo.UpdateLifecycle(ctx, tx, license); err != nil {
			return err
		}
		out = *license
		return nil
	})
	if err != nil {
		return licensedomain.License{}, err
	}
	s.invalidate(out.Key)
	return out, nil
}

func (s *Service) transition(ctx context.Context, key string, target licensedomain.LicenseStatus, reason string) (licensedomain.License, error) {
	var (
		out    licensedomain.License
		notify *notification.Event
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		license, err := s.lockByKey(ctx, tx, key)
		if err != nil {
			return err
		}

		if license.Status == target {
			out = *license
			return nil
		}
		if !licensedomain.CanTransition(license.Status, target) {
			return licensedomain.NewTransitionError(license.Status, target)
		}

		now := s.clock.Now()
		switch target {
		case licensedomain.LicenseStatusActive:
			license.SuspendedAt = nil
			license.SuspendReason = ""
		case licensedomain.LicenseStatusSuspended:
			license.SuspendedAt = &now
			license.SuspendReason = reason
		case licensedomain.LicenseStatusRevoked:
			license.RevokedAt = &now
			license.RevokeReason = reason
			notify = &notification.Event{
				Type:       notification.EventLicenseRevoked,
				LicenseKey: license.Key,
				OwnerEmail: license.OwnerEmail,
				Reason:     reason,
				OccurredAt: now,
			}
		}

		license.Status = target
		license.UpdatedAt = now

		if err := s.repo.UpdateLifecycle(ctx, tx, license); err != nil {
			return err
		}
		out = *license
		return nil
	})
	if err != nil {
		return licensedomain.License{}, err
	}
	s.invalidate(out.Key)

	if notify != nil {
		s.notify(ctx, *notify)
	}
	return out, nil
}

func (s *Service) lockByKey(ctx context.Context, tx *gorm.DB, key string) (*licensedomain.License, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, licensedomain.ErrInvalidKey
	}
	license, err := s.repo.FindByKeyForUpdate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}
	return license, nil
}

func (s *Service) effectiveMax(ctx context.Context, license licensedomain.License) (int, error) {
	if license.MaxActivations != nil && *license.MaxActivations > 0 {
		return *license.MaxActivations, nil
	}
	product, err := s.productRepo.FindByID(ctx, s.db, license.ProductID)
	if err != nil {
		return 0, err
	}
	if product == nil {
		return 0, productdomain.ErrProductNotFound
	}
	return product.DefaultMaxActivations, nil
}

// invalidate drops the cached validation snapshot after a lifecycle
// change has committed, including changes driven by webhooks and the
// expiry sweep.
func (s *Service) invalidate(key string) {
	if s.validateCache == nil || key == "" {
		return
	}
	s.validateCache.Delete(key)
}

func (s *Service) notify(ctx context.Context, event notification.Event) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, event)
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, errors.New("invalid_id")
	}
	return id, nil
}
