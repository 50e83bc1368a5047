package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/ingest"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/services"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

// EventProcessor применяет нормализованное событие к хранилищу
type EventProcessor interface {
	ProcessEvent(ctx context.Context, ev *domain.ProviderEvent) (*services.ProcessResult, error)
}

// WebhookHandler принимает вебхуки всех платежных систем
type WebhookHandler struct {
	registry *ingest.Registry
	service  EventProcessor
	metrics  metrics.BillingMetrics
	log      *logger.Logger
}

// NewWebhookHandler создает новый экземпляр WebhookHandler.
func NewWebhookHandler(registry *ingest.Registry, service EventProcessor, m metrics.BillingMetrics, log *logger.Logger) *WebhookHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &WebhookHandler{
		registry: registry,
		service:  service,
		metrics:  m,
		log:      log.Named("webhooks"),
	}
}

type webhookAck struct {
	Received bool   `json:"received"`
	Outcome  string `json:"outcome,omitempty"`
}

// HandleWebhook обрабатывает POST /webhooks/:provider.
// 200 на все события, которые сервис решил не обрабатывать; 5xx только при сбое мутации.
func (h *WebhookHandler) HandleWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	provider := domain.Provider(strings.ToLower(c.Param("provider")))

	// Читаем тело один раз: подпись Stripe считается по сырым байтам
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, ingest.MaxBodyBytes)
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.reject(c, provider, "Request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.log.Errorw("Failed to read webhook request body", "provider", provider, "error", err)
		h.reject(c, provider, "Cannot read request body", http.StatusBadRequest)
		return
	}

	event, err := h.registry.Parse(provider, payload, c.Request.Header)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrUnknownProvider):
			h.reject(c, provider, "Unknown payment provider", http.StatusNotFound)
		case errors.Is(err, domain.ErrWebhookValidationFailed):
			h.log.Warnw("Webhook validation failed", "provider", provider, "error", err)
			h.reject(c, provider, "Webhook validation failed", http.StatusUnauthorized)
		default:
			h.log.Warnw("Malformed webhook payload", "provider", provider, "error", err)
			h.reject(c, provider, "Malformed webhook payload", http.StatusBadRequest)
		}
		return
	}

	h.log.Infow("Received webhook event", "provider", provider, "eventID", event.EventID,
		"eventType", event.EventType, "kind", event.Kind)

	result, err := h.service.ProcessEvent(ctx, event)
	if err != nil {
		h.log.Errorw("Error processing webhook event", "provider", provider, "eventID", event.EventID, "error", err)
		res.JsonError(c.Writer, "Internal server error processing webhook", http.StatusInternalServerError)
		c.Abort()
		return
	}

	c.JSON(http.StatusOK, webhookAck{Received: true, Outcome: string(result.Outcome)})
}

func (h *WebhookHandler) reject(c *gin.Context, provider domain.Provider, message string, status int) {
	h.metrics.IncWebhookEvent(string(provider), "unknown", "rejected")
	res.JsonError(c.Writer, message, status)
	c.Abort()
}
