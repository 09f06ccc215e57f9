package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/keymint/keymint/internal/product/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, product *domain.Product) error {
	return db.WithContext(ctx).Create(product).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Product, error) {
	var item domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM products WHERE id = ? LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindByCode(ctx context.Context, db *gorm.DB, code string) (*domain.Product, error) {
	var item domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM products WHERE code = ? LIMIT 1`,
		code,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB) ([]domain.Product, error) {
	var items []domain.Product
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM products ORDER BY created_at DESC`,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}
