package payment

import (
	"github.com/keymint/keymint/internal/payment/adapters"
	"github.com/keymint/keymint/internal/payment/adapters/paypal"
	"github.com/keymint/keymint/internal/payment/adapters/stripe"
	"github.com/keymint/keymint/internal/payment/repository"
	"github.com/keymint/keymint/internal/payment/service"
	"github.com/keymint/keymint/internal/payment/webhook"
	"go.uber.org/fx"
)

var Module = fx.Module("payment",
	fx.Provide(
		repository.Provide,
		service.NewService,
		newAdapterRegistry,
		webhook.NewService,
	),
)

func newAdapterRegistry() *adapters.Registry {
	return adapters.NewRegistry(
		stripe.NewFactory(),
		paypal.NewFactory(),
	)
}
