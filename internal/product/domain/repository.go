package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, product *Product) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Product, error)
	FindByCode(ctx context.Context, db *gorm.DB, code string) (*Product, error)
	List(ctx context.Context, db *gorm.DB) ([]Product, error)
}
