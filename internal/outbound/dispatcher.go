// Package outbound доставляет события подписки на URL, зарегистрированные пользователями.
package outbound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// HookLister источник активных вебхуков пользователя
type HookLister interface {
	ListActiveForEvent(ctx context.Context, userID, eventType string) ([]models.OutboundWebhook, error)
}

// Config параметры доставки
type Config struct {
	Timeout         time.Duration
	MaxElapsed      time.Duration
	InitialInterval time.Duration
}

// Envelope тело доставки
type Envelope struct {
	Event     string    `json:"event"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Dispatcher рассылает события по зарегистрированным URL
type Dispatcher struct {
	hooks   HookLister
	http    *http.Client
	cfg     Config
	metrics metrics.BillingMetrics
	log     *logger.Logger
	now     func() time.Time
}

// NewDispatcher создает Dispatcher
func NewDispatcher(hooks HookLister, cfg Config, m metrics.BillingMetrics, log *logger.Logger) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.MaxElapsed <= 0 {
		cfg.MaxElapsed = 2 * time.Minute
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &Dispatcher{
		hooks:   hooks,
		http:    &http.Client{Timeout: cfg.Timeout},
		cfg:     cfg,
		metrics: m,
		log:     log.Named("outbound"),
		now:     time.Now,
	}
}

// EventTypeFor тип пользовательского события для вида события провайдера
func EventTypeFor(kind domain.EventKind) string {
	switch kind {
	case domain.EventActivated:
		return models.EventSubscriptionActivated
	case domain.EventRenewed:
		return models.EventSubscriptionRenewed
	case domain.EventCancelled:
		return models.EventSubscriptionCancelled
	case domain.EventInvalidated:
		return models.EventSubscriptionInvalidated
	case domain.EventPaymentCompleted:
		return models.EventPaymentCompleted
	}
	return ""
}

// Dispatch доставляет событие всем активным вебхукам пользователя.
// Ошибки отдельных доставок только логируются; возвращается ошибка чтения реестра.
func (d *Dispatcher) Dispatch(ctx context.Context, userID, eventType string, data any) error {
	hooks, err := d.hooks.ListActiveForEvent(ctx, userID, eventType)
	if err != nil {
		return fmt.Errorf("outbound: failed to list webhooks: %w", err)
	}
	if len(hooks) == 0 {
		return nil
	}

	body, err := json.Marshal(Envelope{Event: eventType, Timestamp: d.now().UTC(), Data: data})
	if err != nil {
		return fmt.Errorf("outbound: failed to marshal envelope: %w", err)
	}

	for i := range hooks {
		hook := &hooks[i]
		if err := d.deliver(ctx, hook, body); err != nil {
			d.metrics.IncOutboundDelivery(eventType, "failed")
			d.log.Warnw("Outbound webhook delivery failed",
				"webhookID", hook.ID, "userID", userID, "event", eventType, "error", err)
			continue
		}
		d.metrics.IncOutboundDelivery(eventType, "delivered")
		d.log.Debugw("Outbound webhook delivered", "webhookID", hook.ID, "event", eventType)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, hook *models.OutboundWebhook, body []byte) error {
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		if hook.HasSecret() {
			req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
		}

		resp, err := d.http.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()

		switch {
		case resp.StatusCode < 300:
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			return fmt.Errorf("receiver responded with %d", resp.StatusCode)
		default:
			return backoff.Permanent(fmt.Errorf("receiver rejected delivery with %d", resp.StatusCode))
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.cfg.InitialInterval
	bo.MaxElapsedTime = d.cfg.MaxElapsed
	return backoff.Retry(operation, backoff.WithContext(bo, ctx))
}
