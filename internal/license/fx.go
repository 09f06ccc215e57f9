package license

import (
	"github.com/keymint/keymint/internal/cache"
	licensedomain "github.com/keymint/keymint/internal/license/domain"
	"github.com/keymint/keymint/internal/license/repository"
	"github.com/keymint/keymint/internal/license/service"
	"go.uber.org/fx"
)

var Module = fx.Module("license.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewValidateCache),
	fx.Provide(service.NewService),
)

// NewValidateCache is shared between the HTTP validate handler and the
// license service, which deletes keys on every state transition.
func NewValidateCache() licensedomain.ValidateCache {
	return cache.NewTTLCache[string, licensedomain.ValidateResponse]()
}
