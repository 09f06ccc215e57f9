package product

import (
	"github.com/keymint/keymint/internal/product/repository"
	"github.com/keymint/keymint/internal/product/service"
	"go.uber.org/fx"
)

var Module = fx.Module("product.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
