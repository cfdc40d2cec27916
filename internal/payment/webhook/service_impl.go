package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/smallbiznis/storeforge/internal/clock"
	"github.com/smallbiznis/storeforge/internal/config"
	obsmetrics "github.com/smallbiznis/storeforge/internal/observability/metrics"
	"github.com/smallbiznis/storeforge/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/storeforge/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	Clock      clock.Clock
	Adapters   *adapters.Registry
	PaymentSvc paymentdomain.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	adapters   map[string]paymentdomain.PaymentAdapter
	paymentSvc paymentdomain.Service
	obsMetrics *obsmetrics.Metrics
}

// NewService builds one adapter per configured provider at start.
func NewService(p Params) paymentdomain.WebhookService {
	log := p.Log.Named("payment.webhook")
	secrets := map[string]paymentdomain.AdapterConfig{
		"stripe": {
			WebhookSecret: p.Cfg.Stripe.WebhookSecret,
			Tolerance:     p.Cfg.Stripe.WebhookTolerance,
			Now:           p.Clock.Now,
		},
	}

	built := map[string]paymentdomain.PaymentAdapter{}
	for _, provider := range p.Adapters.Providers() {
		cfg, ok := secrets[provider]
		if !ok || strings.TrimSpace(cfg.WebhookSecret) == "" {
			log.Warn("payment provider not configured", zap.String("provider", provider))
			continue
		}
		adapter, err := p.Adapters.NewAdapter(provider, cfg)
		if err != nil {
			log.Warn("payment adapter rejected config", zap.String("provider", provider), zap.Error(err))
			continue
		}
		built[provider] = adapter
	}

	return &Service{
		log:        log,
		adapters:   built,
		paymentSvc: p.PaymentSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// IngestWebhook verifies the raw body before parsing anything. Signature and
// payload problems are returned; handler failures are logged and acknowledged.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (paymentdomain.Outcome, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", paymentdomain.ErrInvalidProvider
	}
	adapter, ok := s.adapters[provider]
	if !ok {
		return "", paymentdomain.ErrProviderNotFound
	}

	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.obsMetrics.RecordPaymentEvent(ctx, provider, "unknown", "invalid_signature")
		return "", err
	}
	if !json.Valid(payload) {
		return "", paymentdomain.ErrInvalidPayload
	}

	event, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, paymentdomain.ErrEventIgnored) {
			s.log.Info("payment webhook ignored", zap.String("provider", provider))
			s.obsMetrics.RecordPaymentEvent(ctx, provider, "unknown", string(paymentdomain.OutcomeIgnored))
			return paymentdomain.OutcomeIgnored, nil
		}
		return "", err
	}

	outcome, err := s.paymentSvc.ProcessEvent(ctx, event)
	if err != nil {
		var handlerErr *paymentdomain.HandlerError
		if !errors.As(err, &handlerErr) {
			return "", err
		}
		meta := event.Metadata()
		s.log.Error("payment webhook handler failed",
			zap.String("provider", provider),
			zap.String("provider_event_id", meta.ProviderEventID),
			zap.String("event_type", string(event.Type())),
			zap.Error(err),
		)
		return paymentdomain.OutcomeHandlerError, nil
	}
	return outcome, nil
}
