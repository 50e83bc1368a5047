package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/guard"
	"github.com/Dhoini/proposalkraft-billing/internal/ingest"
	"github.com/Dhoini/proposalkraft-billing/internal/middleware"
	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/internal/reconcile"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/internal/services"
	"github.com/Dhoini/proposalkraft-billing/internal/session"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func withPrincipal(p *domain.Principal) gin.HandlerFunc {
	return func(c *gin.Context) {
		if p != nil {
			c.Set(string(middleware.ContextPrincipalKey), p)
		}
		c.Next()
	}
}

func do(r http.Handler, method, path string, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// --- вебхуки ---

type failingProcessor struct{}

func (failingProcessor) ProcessEvent(ctx context.Context, ev *domain.ProviderEvent) (*services.ProcessResult, error) {
	return nil, errors.New("db unavailable")
}

func webhookRouter(repo *repository.InMemorySubscriptionRepository, processor EventProcessor) *gin.Engine {
	plans := providers.NewPlanResolver(nil, "")
	registry := ingest.NewRegistry()
	registry.Register(ingest.NewWhopParser(plans), "")
	registry.Register(ingest.NewPayPalParser(plans), "pp-shared")

	if processor == nil {
		correlator := reconcile.NewCorrelator(repo, nil, logger.NewNop())
		rules := reconcile.Rules{Period: reconcile.DefaultPeriod, DefaultPlan: domain.PlanFreelance}
		processor = services.NewSubscriptionService(repo, correlator, rules, nil, nil, logger.NewNop())
	}

	r := gin.New()
	r.POST("/api/v1/webhooks/:provider", NewWebhookHandler(registry, processor, nil, logger.NewNop()).HandleWebhook)
	return r
}

func TestWebhook_StatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		provider   string
		body       string
		header     http.Header
		wantStatus int
		wantBody   string
	}{
		{"activation applied", "whop",
			`{"id":"evt_1","action":"membership.went_valid","data":{"id":"mem_1","plan":"agency","metadata":{"user_id":"u1"}}}`,
			nil, http.StatusOK, `"outcome":"applied"`},
		{"unrecognized action", "whop", `{"id":"evt_2","action":"membership.experience_claimed","data":{}}`,
			nil, http.StatusOK, `"outcome":"ignored"`},
		{"uncorrelated event", "whop", `{"id":"evt_3","action":"membership.renewed","data":{"id":"mem_x"}}`,
			nil, http.StatusOK, `"outcome":"uncorrelated"`},
		{"malformed json", "whop", `{"action":`, nil, http.StatusBadRequest, `"error":"Malformed webhook payload"`},
		{"unknown provider", "square", `{}`, nil, http.StatusNotFound, ""},
		{"shared secret mismatch", "paypal", `{"id":"WH-1","event_type":"PAYMENT.SALE.COMPLETED","resource":{}}`,
			http.Header{"X-Webhook-Secret": {"wrong"}}, http.StatusUnauthorized, ""},
		{"shared secret match", "PayPal", `{"id":"WH-2","event_type":"CHECKOUT.ORDER.APPROVED","resource":{}}`,
			http.Header{"X-Webhook-Secret": {"pp-shared"}}, http.StatusOK, `"outcome":"ignored"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := repository.NewInMemorySubscriptionRepository(logger.NewNop())
			w := do(webhookRouter(repo, nil), http.MethodPost, "/api/v1/webhooks/"+tt.provider, tt.body, tt.header)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.wantBody != "" {
				assert.Contains(t, w.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestWebhook_ActivationWritesRow(t *testing.T) {
	repo := repository.NewInMemorySubscriptionRepository(logger.NewNop())
	r := webhookRouter(repo, nil)
	body := `{"id":"evt_1","action":"membership.went_valid","data":{"id":"mem_1","renewal_period_end":4102444800,"metadata":{"user_id":"u1","plan_type":"enterprise"}}}`

	require.Equal(t, http.StatusOK, do(r, http.MethodPost, "/api/v1/webhooks/whop", body, nil).Code)
	replay := do(r, http.MethodPost, "/api/v1/webhooks/whop", body, nil)
	assert.Equal(t, http.StatusOK, replay.Code)
	assert.Contains(t, replay.Body.String(), `"outcome":"duplicate"`)

	row, err := repo.GetLatestByUserID(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, domain.PlanEnterprise, row.PlanType)
	assert.Equal(t, int64(4102444800), row.CurrentPeriodEnd.Unix())
	assert.Equal(t, 1, repo.Count("u1"))
}

func TestWebhook_ProcessingFailureIs500(t *testing.T) {
	r := webhookRouter(repository.NewInMemorySubscriptionRepository(logger.NewNop()), failingProcessor{})
	w := do(r, http.MethodPost, "/api/v1/webhooks/whop",
		`{"id":"e","action":"membership.renewed","data":{"metadata":{"user_id":"u1"}}}`, nil)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "db unavailable")
}

func TestWebhook_BodyTooLarge(t *testing.T) {
	r := webhookRouter(repository.NewInMemorySubscriptionRepository(logger.NewNop()), nil)
	big := `{"action":"membership.renewed","data":{"email":"` + strings.Repeat("a", ingest.MaxBodyBytes) + `"}}`

	assert.Equal(t, http.StatusRequestEntityTooLarge, do(r, http.MethodPost, "/api/v1/webhooks/whop", big, nil).Code)
}

// --- верификация и entitlement ---

type stubVerifier struct {
	resp *services.VerifyResponse
	err  error
	got  services.VerifyRequest
}

func (s *stubVerifier) Verify(ctx context.Context, p domain.Principal, r services.VerifyRequest) (*services.VerifyResponse, error) {
	s.got = r
	return s.resp, s.err
}

type stubEntitlements struct {
	ent domain.Entitlement
	err error
}

func (s stubEntitlements) Current(ctx context.Context, p domain.Principal) (domain.Entitlement, error) {
	return s.ent, s.err
}

func subscriptionRouter(p *domain.Principal, v SubscriptionVerifier, e EntitlementReader) *gin.Engine {
	h := NewSubscriptionHandler(v, e, logger.NewNop())
	r := gin.New()
	r.Use(withPrincipal(p))
	r.POST("/verify", h.Verify)
	r.GET("/entitlement", h.Entitlement)
	return r
}

func TestVerify(t *testing.T) {
	principal := &domain.Principal{UserID: "u1"}
	v := &stubVerifier{resp: &services.VerifyResponse{Status: domain.EntitlementNone, Source: services.SourceStore}}

	w := do(subscriptionRouter(principal, v, nil), http.MethodPost, "/verify", `{"strict":true}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, v.got.Strict)
	assert.JSONEq(t, `{"status":"none","currentPeriodEnd":null,"hasActiveSubscription":false,"planType":null,"source":"store","version":0}`, w.Body.String())

	w = do(subscriptionRouter(principal, v, nil), http.MethodPost, "/verify", ``, nil)
	assert.Equal(t, http.StatusOK, w.Code, "empty body is allowed")

	w = do(subscriptionRouter(principal, v, nil), http.MethodPost, "/verify", `{"email":"not-an-email"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(subscriptionRouter(nil, v, nil), http.MethodPost, "/verify", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	failing := &stubVerifier{err: errors.New("pool closed")}
	w = do(subscriptionRouter(principal, failing, nil), http.MethodPost, "/verify", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "pool closed")
}

func TestEntitlement(t *testing.T) {
	principal := &domain.Principal{UserID: "u1"}

	w := do(subscriptionRouter(principal, nil, stubEntitlements{ent: domain.NoEntitlement()}), http.MethodGet, "/entitlement", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"hasActiveSubscription":false,"status":"none","planType":null,"currentPeriodEnd":null}`, w.Body.String())

	w = do(subscriptionRouter(principal, nil, stubEntitlements{err: errors.New("x")}), http.MethodGet, "/entitlement", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// --- решения защитника ---

type sourceFunc func(ctx context.Context, p domain.Principal) (domain.Entitlement, error)

func (f sourceFunc) Current(ctx context.Context, p domain.Principal) (domain.Entitlement, error) {
	return f(ctx, p)
}

func activeSource() session.EntitlementSource {
	return sourceFunc(func(ctx context.Context, p domain.Principal) (domain.Entitlement, error) {
		plan := "agency"
		return domain.Entitlement{HasActiveSubscription: true, Status: domain.EntitlementActive, PlanType: &plan}, nil
	})
}

func TestSessionDecision(t *testing.T) {
	hub := session.NewHub(activeSource(), logger.NewNop())
	h := NewSessionHandler(hub, guard.New(guard.Paths{}), nil, logger.NewNop())

	anon := gin.New()
	anon.GET("/decision", h.Decision)
	w := do(anon, http.MethodGet, "/decision?location=%2Fdashboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"REDIRECT_AUTH"`)
	assert.Contains(t, w.Body.String(), `/auth?redirect=%2Fdashboard`)

	authed := gin.New()
	authed.Use(withPrincipal(&domain.Principal{UserID: "u1"}))
	authed.GET("/decision", h.Decision)
	w = do(authed, http.MethodGet, "/decision?location=/dashboard", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"state":"AUTHORIZED"`)
	assert.Zero(t, hub.Active(), "tracker released after the request")
}

func TestSessionWatch_StreamsDecision(t *testing.T) {
	hub := session.NewHub(activeSource(), logger.NewNop())
	h := NewSessionHandler(hub, guard.New(guard.Paths{}), nil, logger.NewNop())

	r := gin.New()
	r.Use(withPrincipal(&domain.Principal{UserID: "u1"}))
	r.GET("/watch", h.Watch)
	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/watch?location=/app", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	var states []string
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var d guard.Decision
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &d))
		states = append(states, string(d.State))
		if d.State == guard.StateAuthorized {
			break
		}
	}
	require.NotEmpty(t, states)
	assert.Equal(t, string(guard.StateAuthorized), states[len(states)-1])
}

// --- пользовательские вебхуки ---

type stubHooks struct {
	created []*models.OutboundWebhook
	delErr  error
}

func (s *stubHooks) Create(ctx context.Context, hook *models.OutboundWebhook) error {
	hook.ID = uuid.New()
	s.created = append(s.created, hook)
	return nil
}

func (s *stubHooks) ListByUser(ctx context.Context, userID string) ([]models.OutboundWebhook, error) {
	out := []models.OutboundWebhook{}
	for _, h := range s.created {
		if h.UserID == userID {
			out = append(out, *h)
		}
	}
	return out, nil
}

func (s *stubHooks) ListActiveForEvent(ctx context.Context, userID, eventType string) ([]models.OutboundWebhook, error) {
	return nil, nil
}

func (s *stubHooks) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	return s.delErr
}

func outboundRouter(repo repository.OutboundWebhookRepository) *gin.Engine {
	h := NewOutboundWebhookHandler(repo, logger.NewNop())
	r := gin.New()
	r.Use(withPrincipal(&domain.Principal{UserID: "u1"}))
	r.GET("/hooks", h.List)
	r.POST("/hooks", h.Create)
	r.DELETE("/hooks/:id", h.Delete)
	return r
}

func TestOutboundWebhooks_CRUD(t *testing.T) {
	repo := &stubHooks{}
	r := outboundRouter(repo)

	w := do(r, http.MethodPost, "/hooks", `{"url":"https://crm.example.com/hook","eventType":"subscription.renewed","secret":"0123456789"}`, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.NotContains(t, w.Body.String(), "0123456789", "secret is never echoed")
	assert.Contains(t, w.Body.String(), `"signed":true`)
	require.Len(t, repo.created, 1)
	assert.True(t, repo.created[0].Active)
	assert.Equal(t, "u1", repo.created[0].UserID)

	w = do(r, http.MethodGet, "/hooks", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crm.example.com")

	w = do(r, http.MethodPost, "/hooks", `{"url":"https://crm.example.com/hook","eventType":"invoice.paid"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `"field":"EventType"`)

	w = do(r, http.MethodPost, "/hooks", `not json`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutboundWebhooks_Delete(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, do(outboundRouter(&stubHooks{}), http.MethodDelete, "/hooks/nope", "", nil).Code)

	id := uuid.NewString()
	assert.Equal(t, http.StatusNoContent, do(outboundRouter(&stubHooks{}), http.MethodDelete, "/hooks/"+id, "", nil).Code)
	assert.Equal(t, http.StatusNotFound,
		do(outboundRouter(&stubHooks{delErr: repository.ErrNotFound}), http.MethodDelete, "/hooks/"+id, "", nil).Code)
}

// --- захват PayPal ---

type stubCapture struct {
	result *services.CaptureResult
	err    error
}

func (s stubCapture) Capture(ctx context.Context, p domain.Principal, r services.CaptureRequest) (*services.CaptureResult, error) {
	return s.result, s.err
}

func TestCapturePayPalOrder(t *testing.T) {
	route := func(svc OrderCapture) *gin.Engine {
		r := gin.New()
		r.Use(withPrincipal(&domain.Principal{UserID: "u1"}))
		r.POST("/capture", NewPaymentHandler(svc, logger.NewNop()).CapturePayPalOrder)
		return r
	}
	body := `{"orderId":"O-1","planType":"agency"}`

	w := do(route(stubCapture{result: &services.CaptureResult{OrderID: "O-1", Status: "COMPLETED", Recorded: true}}),
		http.MethodPost, "/capture", body, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"recorded":true`)

	w = do(route(stubCapture{result: &services.CaptureResult{Status: "PENDING"}, err: domain.ErrPaymentNotCompleted}),
		http.MethodPost, "/capture", body, nil)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = do(route(stubCapture{err: errors.New("paypal 500")}), http.MethodPost, "/capture", body, nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.NotContains(t, w.Body.String(), "paypal 500")
	assert.JSONEq(t, `{"error":"Payment provider error, please retry"}`, w.Body.String())

	w = do(route(stubCapture{result: &services.CaptureResult{OrderID: "O-1", Status: "COMPLETED"}, err: domain.ErrOrderOwnershipMismatch}),
		http.MethodPost, "/capture", body, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"Order belongs to another account"}`, w.Body.String())

	w = do(route(stubCapture{}), http.MethodPost, "/capture", `{"planType":"gold"}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(route(stubCapture{result: &services.CaptureResult{OrderID: "O-2", Status: "COMPLETED"}}),
		http.MethodPost, "/capture", `{"orderId":"O-2"}`, nil)
	assert.Equal(t, http.StatusOK, w.Code, "plan type is optional")
}
