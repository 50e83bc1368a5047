package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/req"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

// OutboundWebhookHandler управление пользовательскими вебхуками
type OutboundWebhookHandler struct {
	repo repository.OutboundWebhookRepository
	log  *logger.Logger
}

// NewOutboundWebhookHandler создает OutboundWebhookHandler
func NewOutboundWebhookHandler(repo repository.OutboundWebhookRepository, log *logger.Logger) *OutboundWebhookHandler {
	return &OutboundWebhookHandler{repo: repo, log: log}
}

// CreateOutboundWebhookRequest тело POST /outbound-webhooks
type CreateOutboundWebhookRequest struct {
	URL       string `json:"url" validate:"required,url,startswith=http,max=2048"`
	EventType string `json:"eventType" validate:"required,oneof=subscription.activated subscription.renewed subscription.cancelled subscription.invalidated payment.completed"`
	Secret    string `json:"secret" validate:"omitempty,min=8,max=256"`
}

// List обрабатывает GET /outbound-webhooks
func (h *OutboundWebhookHandler) List(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	hooks, err := h.repo.ListByUser(c.Request.Context(), principal.UserID)
	if err != nil {
		res.JsonError(c.Writer, "Failed to load webhooks", http.StatusInternalServerError)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": hooks})
}

// Create обрабатывает POST /outbound-webhooks
func (h *OutboundWebhookHandler) Create(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	body, err := req.HandleBody[CreateOutboundWebhookRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	hook := &models.OutboundWebhook{
		UserID:    principal.UserID,
		URL:       body.URL,
		EventType: body.EventType,
		Secret:    body.Secret,
		Active:    true,
	}
	if err := h.repo.Create(c.Request.Context(), hook); err != nil {
		res.JsonError(c.Writer, "Failed to save webhook", http.StatusInternalServerError)
		c.Abort()
		return
	}
	h.log.Infow("Outbound webhook registered", "userID", principal.UserID, "webhookID", hook.ID, "event", hook.EventType)
	c.JSON(http.StatusCreated, gin.H{"webhook": hook, "signed": hook.HasSecret()})
}

// Delete обрабатывает DELETE /outbound-webhooks/:id
func (h *OutboundWebhookHandler) Delete(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		res.JsonError(c.Writer, "Invalid webhook ID", http.StatusBadRequest)
		c.Abort()
		return
	}

	if err := h.repo.Delete(c.Request.Context(), principal.UserID, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			res.JsonError(c.Writer, "Webhook not found", http.StatusNotFound)
		} else {
			res.JsonError(c.Writer, "Failed to delete webhook", http.StatusInternalServerError)
		}
		c.Abort()
		return
	}
	c.Status(http.StatusNoContent)
}
