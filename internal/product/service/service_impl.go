package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/clock"
	"github.com/keymint/keymint/internal/keygen"
	"github.com/keymint/keymint/internal/product/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  domain.Repository
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	repo  domain.Repository
}

func NewService(p Params) domain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("product.service"),
		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) Create(ctx context.Context, req domain.CreateProductRequest) (domain.Product, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return domain.Product{}, domain.ErrInvalidProductCode
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.Product{}, domain.ErrInvalidProduct
	}
	if req.DefaultMaxActivations < 1 {
		return domain.Product{}, domain.ErrInvalidMaxActivations
	}

	format := req.KeyFormat
	if format == "" {
		format = keygen.FormatSegmented
	}
	switch format {
	case keygen.FormatSegmented, keygen.FormatUUID:
	case keygen.FormatPattern:
		if strings.TrimSpace(req.KeyPattern) == "" {
			return domain.Product{}, domain.ErrInvalidKeyFormat
		}
	default:
		return domain.Product{}, domain.ErrInvalidKeyFormat
	}

	now := s.clock.Now()
	product := domain.Product{
		ID:                    s.genID.Generate(),
		Code:                  code,
		Name:                  name,
		KeyFormat:             format,
		KeyPattern:            strings.TrimSpace(req.KeyPattern),
		DefaultMaxActivations: req.DefaultMaxActivations,
		LicenseDurationDays:   req.LicenseDurationDays,
		TrialDays:             req.TrialDays,
		Active:                true,
		Metadata:              datatypes.JSONMap(req.Metadata),
		CreatedAt:             now,
		UpdatedAt:             now,
	}

	if err := s.repo.Insert(ctx, s.db, &product); err != nil {
		return domain.Product{}, err
	}
	return product, nil
}

func (s *Service) GetByID(ctx context.Context, id string) (domain.Product, error) {
	parsed, err := snowflake.ParseString(strings.TrimSpace(id))
	if err != nil || parsed == 0 {
		return domain.Product{}, domain.ErrInvalidProduct
	}

	item, err := s.repo.FindByID(ctx, s.db, parsed)
	if err != nil {
		return domain.Product{}, err
	}
	if item == nil {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return *item, nil
}

func (s *Service) GetByCode(ctx context.Context, code string) (domain.Product, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return domain.Product{}, domain.ErrInvalidProductCode
	}

	item, err := s.repo.FindByCode(ctx, s.db, code)
	if err != nil {
		return domain.Product{}, err
	}
	if item == nil {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return *item, nil
}

func (s *Service) List(ctx context.Context) ([]domain.Product, error) {
	return s.repo.List(ctx, s.db)
}
