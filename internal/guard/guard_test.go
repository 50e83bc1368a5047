package guard

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/entitlement"
	"github.com/Dhoini/proposalkraft-billing/internal/session"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

var g = New(Paths{SignIn: "/auth", Pricing: "/pricing"})

func TestDecide(t *testing.T) {
	principal := &domain.Principal{UserID: "u1"}
	plan := "agency"
	active := domain.Entitlement{HasActiveSubscription: true, Status: domain.EntitlementActive, PlanType: &plan}

	tests := []struct {
		name     string
		snap     session.Snapshot
		want     State
		location string
	}{
		{"auth loading", session.Snapshot{AuthLoading: true}, StateResolving, ""},
		{"entitlement loading", session.Snapshot{Principal: principal, EntitlementLoading: true}, StateResolving, ""},
		{"anonymous", session.Snapshot{}, StateRedirectAuth, "/auth?redirect=%2Fproposals%3Ftab%3Ddrafts"},
		{"no subscription", session.Snapshot{Principal: principal, Entitlement: domain.NoEntitlement()}, StateRedirectBilling, "/pricing"},
		{"active", session.Snapshot{Principal: principal, Entitlement: active}, StateAuthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Decide(tt.snap, "/proposals?tab=drafts")
			assert.Equal(t, tt.want, d.State)
			assert.Equal(t, tt.location, d.Location)
		})
	}
}

func TestDecide_Scenarios(t *testing.T) {
	now := time.Now()
	principal := &domain.Principal{UserID: "u1"}
	snap := func(row *domain.Subscription, p *domain.Principal) session.Snapshot {
		return session.Snapshot{Principal: p, Entitlement: entitlement.Evaluate(p, row, now)}
	}

	activeRow := &domain.Subscription{Status: domain.SubscriptionStatusActive, CurrentPeriodEnd: domain.TimePtr(now.Add(24 * time.Hour))}
	assert.Equal(t, StateAuthorized, g.Decide(snap(activeRow, principal), "/app").State)

	assert.Equal(t, StateRedirectBilling, g.Decide(snap(nil, principal), "/app").State)

	cancelledRow := &domain.Subscription{Status: domain.SubscriptionStatusCancelled, CurrentPeriodEnd: domain.TimePtr(now.Add(10 * 24 * time.Hour))}
	assert.Equal(t, StateRedirectBilling, g.Decide(snap(cancelledRow, principal), "/app").State)

	admin := &domain.Principal{UserID: "root", IsAdmin: true}
	assert.Equal(t, StateAuthorized, g.Decide(snap(nil, admin), "/app").State)
}

func TestSignInURL_ExistingQuery(t *testing.T) {
	gg := New(Paths{SignIn: "/auth?mode=login"})
	d := gg.Decide(session.Snapshot{}, "/x")
	assert.Equal(t, "/auth?mode=login&redirect=%2Fx", d.Location)
	assert.Equal(t, "/pricing", gg.paths.Pricing)
}

type stubSource struct {
	ent domain.Entitlement
}

func (s *stubSource) Current(context.Context, domain.Principal) (domain.Entitlement, error) {
	return s.ent, nil
}

func receive(t *testing.T, ch <-chan Decision) Decision {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok, "channel closed")
		return d
	case <-time.After(time.Second):
		t.Fatal("no decision received")
		return Decision{}
	}
}

func TestWatch_ReevaluatesOnChange(t *testing.T) {
	src := &stubSource{ent: domain.NoEntitlement()}
	tr := session.NewTracker(src, logger.NewNop())
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	decisions := g.Watch(ctx, tr, "/app")

	assert.Equal(t, StateResolving, receive(t, decisions).State)

	tr.SetPrincipal(&domain.Principal{UserID: "u1"})
	require.NoError(t, tr.Refresh(ctx))
	assert.Equal(t, StateRedirectBilling, receive(t, decisions).State)

	// покупка в другой вкладке
	plan := "freelance"
	src.ent = domain.Entitlement{HasActiveSubscription: true, Status: domain.EntitlementActive, PlanType: &plan}
	require.NoError(t, tr.Refresh(ctx))
	assert.Equal(t, StateAuthorized, receive(t, decisions).State)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-decisions:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestWatch_ClosesWithTracker(t *testing.T) {
	tr := session.NewTracker(&stubSource{}, logger.NewNop())
	decisions := g.Watch(context.Background(), tr, "/app")
	receive(t, decisions)

	tr.Close()
	select {
	case _, ok := <-decisions:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("watch did not stop")
	}
}
