package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/services"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/req"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

// OrderCapture захват разового платежа
type OrderCapture interface {
	Capture(ctx context.Context, principal domain.Principal, r services.CaptureRequest) (*services.CaptureResult, error)
}

// PaymentHandler обрабатывает HTTP запросы, связанные с разовыми платежами.
type PaymentHandler struct {
	service OrderCapture
	log     *logger.Logger
}

// NewPaymentHandler создает новый экземпляр PaymentHandler.
func NewPaymentHandler(service OrderCapture, log *logger.Logger) *PaymentHandler {
	return &PaymentHandler{service: service, log: log}
}

// CapturePayPalOrder обрабатывает POST /payments/paypal/capture
func (h *PaymentHandler) CapturePayPalOrder(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	body, err := req.HandleBody[services.CaptureRequest](c.Writer, c.Request, h.log)
	if err != nil {
		c.Abort()
		return
	}

	result, err := h.service.Capture(c.Request.Context(), *principal, *body)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, result)
	case errors.Is(err, domain.ErrPaymentNotCompleted):
		res.JsonResponse(c.Writer, res.ErrorResponse{
			Error:   "Payment was not completed",
			Details: gin.H{"status": result.Status},
		}, http.StatusPaymentRequired)
		c.Abort()
	case errors.Is(err, domain.ErrOrderOwnershipMismatch):
		res.JsonError(c.Writer, "Order belongs to another account", http.StatusForbidden)
		c.Abort()
	default:
		// детали провайдера остаются в логах сервиса
		res.JsonError(c.Writer, "Payment provider error, please retry", http.StatusBadGateway)
		c.Abort()
	}
}
