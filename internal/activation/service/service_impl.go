package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	activationdomain "github.com/keymint/keymint/internal/activation/domain"
	"github.com/keymint/keymint/internal/clock"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	productdomain "github.com/keymint/keymint/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        activationdomain.Repository
	LicenseRepo licensedomain.Repository
	ProductRepo productdomain.Repository
}

type Service struct {
	db          *gorm.DB
	log         *zap.Logger
	genID       *snowflake.Node
	clock       clock.Clock
	repo        activationdomain.Repository
	licenseRepo licensedomain.Repository
	productRepo productdomain.Repository
}

func NewService(p Params) activationdomain.Service {
	return &Service{
		db:          p.DB,
		log:         p.Log.Named("activation.service"),
		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		licenseRepo: p.LicenseRepo,
		productRepo: p.ProductRepo,
	}
}

// Activate binds a machine fingerprint to the license. Re-submitting a
// fingerprint that is already active is idempotent and does not consume
// another slot. The slot counter is only ever moved by a conditional
// single-statement update, so it cannot exceed the limit under
// concurrent requests.
func (s *Service) Activate(ctx context.Context, req activationdomain.ActivateRequest) (activationdomain.ActivateResponse, error) {
	key := strings.TrimSpace(req.Key)
	if key == "" {
		return activationdomain.ActivateResponse{}, licensedomain.ErrInvalidKey
	}
	fingerprint := strings.TrimSpace(req.Fingerprint)
	if fingerprint == "" {
		return activationdomain.ActivateResponse{}, activationdomain.ErrInvalidFingerprint
	}

	var out activationdomain.ActivateResponse
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		license, err := s.licenseRepo.FindByKeyForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if license == nil {
			return licensedomain.ErrLicenseNotFound
		}

		now := s.clock.Now()
		if license.Status != licensedomain.LicenseStatusActive {
			return activationdomain.ErrLicenseNotActive
		}
		if license.ExpiredAt(now) {
			return activationdomain.ErrLicenseExpired
		}

		max, err := s.effectiveMax(ctx, tx, *license)
		if err != nil {
			return err
		}

		existing, err := s.repo.FindByFingerprint(ctx, tx, license.ID, fingerprint)
		if err != nil {
			return err
		}

		if existing != nil && existing.Active {
			if err := s.repo.TouchLastSeen(ctx, tx, existing.ID, now); err != nil {
				return err
			}
			existing.LastSeenAt = now
			out = activationdomain.ActivateResponse{
				Activation:           *existing,
				ActivationsRemaining: max - license.ActivationCount,
			}
			return nil
		}

		granted, err := s.licenseRepo.IncrementActivations(ctx, tx, license.ID, max, now)
		if err != nil {
			return err
		}
		if !granted {
			return activationdomain.ErrActivationLimitExceeded
		}

		var activation activationdomain.Activation
		if existing != nil {
			if err := s.repo.SetActive(ctx, tx, existing.ID, true, now); err != nil {
				return err
			}
			activation = *existing
			activation.Active = true
			activation.LastSeenAt = now
		} else {
			activation = activationdomain.Activation{
				ID:          s.genID.Generate(),
				LicenseID:   license.ID,
				Fingerprint: fingerprint,
				Active:      true,
				FirstSeenAt: now,
				LastSeenAt:  now,
				Metadata:    datatypes.JSONMap(req.Metadata),
			}
			if err := s.repo.Insert(ctx, tx, &activation); err != nil {
				return err
			}
		}

		out = activationdomain.ActivateResponse{
			Activation:           activation,
			ActivationsRemaining: max - license.ActivationCount - 1,
		}
		return nil
	})
	if err != nil {
		return activationdomain.ActivateResponse{}, err
	}
	return out, nil
}

// Deactivate releases the fingerprint's slot. The decrement is guarded
// so the counter never drops below zero.
func (s *Service) Deactivate(ctx context.Context, key string, fingerprint string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return licensedomain.ErrInvalidKey
	}
	fingerprint = strings.TrimSpace(fingerprint)
	if fingerprint == "" {
		return activationdomain.ErrInvalidFingerprint
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		license, err := s.licenseRepo.FindByKeyForUpdate(ctx, tx, key)
		if err != nil {
			return err
		}
		if license == nil {
			return licensedomain.ErrLicenseNotFound
		}

		existing, err := s.repo.FindByFingerprint(ctx, tx, license.ID, fingerprint)
		if err != nil {
			return err
		}
		if existing == nil {
			return activationdomain.ErrActivationNotFound
		}
		if !existing.Active {
			return activationdomain.ErrActivationAlreadyInactive
		}

		now := s.clock.Now()
		if err := s.repo.SetActive(ctx, tx, existing.ID, false, now); err != nil {
			return err
		}

		released, err := s.licenseRepo.DecrementActivations(ctx, tx, license.ID, now)
		if err != nil {
			return err
		}
		if !released {
			s.log.Warn("activation counter already zero on deactivate",
				zap.String("license_key", key),
				zap.String("fingerprint", fingerprint),
			)
		}
		return nil
	})
}

func (s *Service) ListByKey(ctx context.Context, key string) ([]activationdomain.Activation, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, licensedomain.ErrInvalidKey
	}

	license, err := s.licenseRepo.FindByKey(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, licensedomain.ErrLicenseNotFound
	}
	return s.repo.ListByLicense(ctx, s.db, license.ID)
}

func (s *Service) effectiveMax(ctx context.Context, tx *gorm.DB, license licensedomain.License) (int, error) {
	if license.MaxActivations != nil && *license.MaxActivations > 0 {
		return *license.MaxActivations, nil
	}
	product, err := s.productRepo.FindByID(ctx, tx, license.ProductID)
	if err != nil {
		return 0, err
	}
	if product == nil {
		return 0, productdomain.ErrProductNotFound
	}
	return product.DefaultMaxActivations, nil
}
