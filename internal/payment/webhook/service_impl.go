// Package webhook turns raw provider HTTP deliveries into canonical
// payment events. Signature verification always runs before any byte
// of the payload is trusted.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/keymint/keymint/internal/config"
	"github.com/keymint/keymint/internal/payment/adapters"
	paymentdomain "github.com/keymint/keymint/internal/payment/domain"
	paymentservice "github.com/keymint/keymint/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	PaymentSvc *paymentservice.Service
	Adapters   *adapters.Registry
	Cfg        config.Config
}

type Service struct {
	log        *zap.Logger
	paymentSvc *paymentservice.Service
	adapters   *adapters.Registry
	secrets    map[string]string
}

func NewService(p Params) paymentdomain.Service {
	secrets := map[string]string{}
	if secret := strings.TrimSpace(p.Cfg.StripeWebhookSecret); secret != "" {
		secrets["stripe"] = secret
	}
	if secret := strings.TrimSpace(p.Cfg.PayPalWebhookSecret); secret != "" {
		secrets["paypal"] = secret
	}

	log := p.Log.Named("payment.webhook")
	log.Info("payment providers registered",
		zap.Strings("providers", p.Adapters.Providers()),
	)

	return &Service{
		log:        log,
		paymentSvc: p.PaymentSvc,
		adapters:   p.Adapters,
		secrets:    secrets,
	}
}

func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return paymentdomain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return paymentdomain.ErrProviderNotFound
	}
	if !json.Valid(payload) {
		return paymentdomain.ErrInvalidPayload
	}

	secret, ok := s.secrets[provider]
	if !ok {
		return paymentdomain.ErrProviderNotFound
	}

	adapter, err := s.adapters.NewAdapter(provider, paymentdomain.AdapterConfig{
		Provider: provider,
		Config:   map[string]any{"webhook_secret": secret},
	})
	if err != nil {
		return err
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		return err
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Debug("ignoring webhook event", zap.String("provider", provider))
			return nil
		}
		return err
	}

	event.Provider = provider
	if event.RawPayload == nil {
		event.RawPayload = payload
	}
	return s.paymentSvc.ProcessEvent(ctx, event, payload)
}
