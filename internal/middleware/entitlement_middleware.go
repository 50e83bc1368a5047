package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/guard"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/session"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
	"github.com/Dhoini/proposalkraft-billing/pkg/res"
)

const (
	// ContextEntitlementKey ключ domain.Entitlement авторизованного запроса
	ContextEntitlementKey ContextKey = "entitlement"
	// OriginalURIHeader адрес страницы, которую запросил пользователь (ставит фронтенд или прокси)
	OriginalURIHeader = "X-Original-URI"
)

// TrackerSource выдает трекер сессии пользователя
type TrackerSource interface {
	Acquire(principal domain.Principal) (*session.Tracker, func())
}

// RequireEntitlement пропускает запрос только в состоянии AUTHORIZED.
// REDIRECT_AUTH: 401 и Location входа, REDIRECT_BILLING: 402 и Location тарифов.
// Если решение так и не получено из-за сбоя хранилища, отвечает 503.
func RequireEntitlement(sessions TrackerSource, g *guard.Guard, m metrics.BillingMetrics, log *logger.Logger) gin.HandlerFunc {
	if m == nil {
		m = metrics.Nop{}
	}
	return func(c *gin.Context) {
		location := c.GetHeader(OriginalURIHeader)
		if location == "" {
			location = c.Request.URL.RequestURI()
		}

		snap := session.Snapshot{Entitlement: domain.NoEntitlement()}
		if p, ok := PrincipalFrom(c); ok {
			tracker, release := sessions.Acquire(*p)
			defer release()
			if err := tracker.Refresh(c.Request.Context()); err != nil {
				log.Warnw("Entitlement refresh failed", "userID", p.UserID, "error", err)
			}
			snap = tracker.Snapshot()
		}

		decision := g.Decide(snap, location)
		m.IncEntitlementDecision(string(decision.State))

		switch decision.State {
		case guard.StateAuthorized:
			c.Set(string(ContextEntitlementKey), snap.Entitlement)
			c.Next()
		case guard.StateRedirectAuth:
			abortWithDecision(c, decision, "Authentication required", http.StatusUnauthorized)
		case guard.StateRedirectBilling:
			abortWithDecision(c, decision, "Active subscription required", http.StatusPaymentRequired)
		default:
			c.Header("Retry-After", "1")
			abortWithDecision(c, decision, "Entitlement is not available, try again later", http.StatusServiceUnavailable)
		}
	}
}

func abortWithDecision(c *gin.Context, d guard.Decision, message string, status int) {
	if d.Location != "" {
		c.Header("Location", d.Location)
	}
	res.JsonResponse(c.Writer, res.ErrorResponse{Error: message, ErrorCode: status, Details: d}, status)
	c.Abort()
}
