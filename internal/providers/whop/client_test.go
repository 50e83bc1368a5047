package whop

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

func newWhopServer(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/memberships", r.URL.Path)
		assert.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		assert.Equal(t, "a@example.com", r.URL.Query().Get("email"))
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newVerifier(url string) *Verifier {
	client := NewClient(Config{BaseURL: url, APIKey: "key-1", Timeout: time.Second}, logger.NewNop())
	return NewVerifier(client, providers.NewPlanResolver(map[string]string{"plan_ent": "enterprise"}, "freelance"))
}

func TestVerify_PicksValidMembership(t *testing.T) {
	srv := newWhopServer(t, `{"data": [
		{"id": "mem_old", "status": "expired", "valid": false, "plan": "plan_ent", "renewal_period_end": 1900000000},
		{"id": "mem_new", "status": "active", "valid": true, "plan": "plan_ent", "renewal_period_end": 1800000000}
	]}`, http.StatusOK)

	answer, err := newVerifier(srv.URL).Verify(context.Background(), providers.LookupRequest{Email: "a@example.com"})
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.Equal(t, "mem_new", answer.ExternalSubscriptionID)
	assert.True(t, answer.ActiveFlag)
	assert.Equal(t, domain.SubscriptionStatusActive, answer.Status)
	assert.Equal(t, domain.PlanEnterprise, answer.PlanType)
	assert.Equal(t, time.Unix(1800000000, 0).UTC(), *answer.CurrentPeriodEnd)
}

func TestVerify_MetadataPlanWins(t *testing.T) {
	srv := newWhopServer(t, `{"data": [
		{"id": "mem_1", "status": "active", "valid": true, "plan": "plan_ent", "metadata": {"plan_type": "dealcloser"}}
	]}`, http.StatusOK)

	answer, err := newVerifier(srv.URL).Verify(context.Background(), providers.LookupRequest{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, domain.PlanDealCloser, answer.PlanType)
	assert.Nil(t, answer.CurrentPeriodEnd)
}

func TestVerify_CancelAtPeriodEndIsNotActive(t *testing.T) {
	srv := newWhopServer(t, `{"data": [
		{"id": "mem_1", "status": "active", "valid": true, "cancel_at_period_end": true, "renewal_period_end": 1900000000}
	]}`, http.StatusOK)

	answer, err := newVerifier(srv.URL).Verify(context.Background(), providers.LookupRequest{Email: "a@example.com"})
	require.NoError(t, err)
	require.NotNil(t, answer)
	assert.False(t, answer.ActiveFlag)
	assert.Equal(t, domain.SubscriptionStatusCancelled, answer.Status)
}

func TestVerify_NoMemberships(t *testing.T) {
	srv := newWhopServer(t, `{"data": []}`, http.StatusOK)

	answer, err := newVerifier(srv.URL).Verify(context.Background(), providers.LookupRequest{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Nil(t, answer)
}

func TestVerify_APIError(t *testing.T) {
	srv := newWhopServer(t, `{"error": "boom"}`, http.StatusBadGateway)

	_, err := newVerifier(srv.URL).Verify(context.Background(), providers.LookupRequest{Email: "a@example.com"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalServiceUnavailable)
}

func TestVerify_SkipsWithoutEmailOrKey(t *testing.T) {
	v := NewVerifier(NewClient(Config{BaseURL: "http://127.0.0.1:0"}, logger.NewNop()), providers.NewPlanResolver(nil, ""))

	answer, err := v.Verify(context.Background(), providers.LookupRequest{Email: "a@example.com"})
	require.NoError(t, err)
	assert.Nil(t, answer)

	answer, err = newVerifier("http://127.0.0.1:0").Verify(context.Background(), providers.LookupRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Nil(t, answer)
}
