package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/middleware"
	"github.com/Dhoini/proposalkraft-billing/internal/services"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/req"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

// SubscriptionVerifier сверка подписки с провайдерами
type SubscriptionVerifier interface {
	Verify(ctx context.Context, principal domain.Principal, r services.VerifyRequest) (*services.VerifyResponse, error)
}

// EntitlementReader текущее решение о доступе по хранилищу
type EntitlementReader interface {
	Current(ctx context.Context, principal domain.Principal) (domain.Entitlement, error)
}

// SubscriptionHandler верификация и чтение решения о доступе
type SubscriptionHandler struct {
	verifier     SubscriptionVerifier
	entitlements EntitlementReader
	log          *logger.Logger
}

// NewSubscriptionHandler создает SubscriptionHandler
func NewSubscriptionHandler(verifier SubscriptionVerifier, entitlements EntitlementReader, log *logger.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{verifier: verifier, entitlements: entitlements, log: log}
}

// Verify обрабатывает POST /subscription/verify.
// Сбои провайдеров не видны клиенту; ошибка только при недоступности хранилища.
func (h *SubscriptionHandler) Verify(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}

	body, err := req.HandleBody[services.VerifyRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	resp, err := h.verifier.Verify(c.Request.Context(), *principal, *body)
	if err != nil {
		h.log.Errorw("Verification failed", "userID", principal.UserID, "error", err)
		res.JsonError(c.Writer, "Verification is temporarily unavailable, please retry", http.StatusServiceUnavailable)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Entitlement обрабатывает GET /subscription/entitlement
func (h *SubscriptionHandler) Entitlement(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}

	ent, err := h.entitlements.Current(c.Request.Context(), *principal)
	if err != nil {
		h.log.Errorw("Failed to read entitlement", "userID", principal.UserID, "error", err)
		res.JsonError(c.Writer, "Subscription status is temporarily unavailable", http.StatusServiceUnavailable)
		c.Abort()
		return
	}
	c.JSON(http.StatusOK, ent)
}

func requirePrincipal(c *gin.Context) (*domain.Principal, bool) {
	principal, ok := middleware.PrincipalFrom(c)
	if !ok {
		res.JsonResponse(c.Writer, res.ErrorResponse{Error: "Unauthorized", ErrorCode: http.StatusUnauthorized}, http.StatusUnauthorized)
		c.Abort()
		return nil, false
	}
	return principal, true
}
