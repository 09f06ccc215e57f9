package activation

import (
	"github.com/keymint/keymint/internal/activation/repository"
	"github.com/keymint/keymint/internal/activation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("activation.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
)
