package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/guard"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/middleware"
	"github.com/Dhoini/proposalkraft-billing/internal/session"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const heartbeatInterval = 25 * time.Second

// SessionHandler отдает решения защитника маршрута для фронтенда
type SessionHandler struct {
	sessions middleware.TrackerSource
	guard    *guard.Guard
	metrics  metrics.BillingMetrics
	log      *logger.Logger
}

// NewSessionHandler создает SessionHandler
func NewSessionHandler(sessions middleware.TrackerSource, g *guard.Guard, m metrics.BillingMetrics, log *logger.Logger) *SessionHandler {
	if m == nil {
		m = metrics.Nop{}
	}
	return &SessionHandler{sessions: sessions, guard: g, metrics: m, log: log}
}

// Decision обрабатывает GET /session/decision?location=...
// Анонимный запрос получает REDIRECT_AUTH, а не 401.
func (h *SessionHandler) Decision(c *gin.Context) {
	location := c.Query("location")

	snap := session.Snapshot{Entitlement: domain.NoEntitlement()}
	if p, ok := middleware.PrincipalFrom(c); ok {
		tracker, release := h.sessions.Acquire(*p)
		defer release()
		if err := tracker.Refresh(c.Request.Context()); err != nil {
			h.log.Warnw("Entitlement refresh failed", "userID", p.UserID, "error", err)
		}
		snap = tracker.Snapshot()
	}

	d := h.guard.Decide(snap, location)
	h.metrics.IncEntitlementDecision(string(d.State))
	c.JSON(http.StatusOK, d)
}

// Watch обрабатывает GET /session/watch?location=... как поток SSE.
// Новое решение отправляется при каждом изменении состояния или адреса.
func (h *SessionHandler) Watch(c *gin.Context) {
	principal, ok := requirePrincipal(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	location := c.Query("location")

	tracker, release := h.sessions.Acquire(*principal)
	defer release()

	decisions := h.guard.Watch(ctx, tracker, location)
	go func() {
		if err := tracker.Refresh(ctx); err != nil && ctx.Err() == nil {
			h.log.Warnw("Initial entitlement refresh failed", "userID", principal.UserID, "error", err)
		}
	}()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	h.log.Debugw("Session watch started", "userID", principal.UserID)

	c.Stream(func(w io.Writer) bool {
		select {
		case d, ok := <-decisions:
			if !ok {
				return false
			}
			h.metrics.IncEntitlementDecision(string(d.State))
			c.SSEvent("decision", d)
			return true
		case <-heartbeat.C:
			c.SSEvent("ping", time.Now().Unix())
			return true
		case <-ctx.Done():
			return false
		}
	})
	h.log.Debugw("Session watch finished", "userID", principal.UserID)
}
