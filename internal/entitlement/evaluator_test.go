package entitlement

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
)

var now = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func row(status domain.SubscriptionStatus, end *time.Time) *domain.Subscription {
	return &domain.Subscription{
		UserID:           "user-1",
		PlanType:         domain.PlanAgency,
		Status:           status,
		CurrentPeriodEnd: end,
	}
}

func TestEvaluate_NonActiveStatusNeverEntitled(t *testing.T) {
	ends := []*time.Time{
		nil,
		domain.TimePtr(now.Add(-24 * time.Hour)),
		domain.TimePtr(now.Add(24 * time.Hour)),
		domain.TimePtr(now.Add(365 * 24 * time.Hour)),
	}
	statuses := []domain.SubscriptionStatus{
		domain.SubscriptionStatusCancelled,
		domain.SubscriptionStatusPending,
		domain.SubscriptionStatusNone,
		"",
		"trialing",
	}

	for _, st := range statuses {
		for _, end := range ends {
			ent := Evaluate(nil, row(st, end), now)
			assert.False(t, ent.HasActiveSubscription, "status %q end %v", st, end)
			assert.Equal(t, domain.NoEntitlement(), ent)
		}
	}
}

func TestEvaluate_ActiveButExpired(t *testing.T) {
	ent := Evaluate(nil, row(domain.SubscriptionStatusActive, domain.TimePtr(now.Add(-time.Second))), now)
	assert.Equal(t, domain.NoEntitlement(), ent)

	// граница: конец периода ровно сейчас еще не "в будущем"
	ent = Evaluate(nil, row(domain.SubscriptionStatusActive, domain.TimePtr(now)), now)
	assert.False(t, ent.HasActiveSubscription)
}

func TestEvaluate_ActiveWithoutPeriodEnd(t *testing.T) {
	ent := Evaluate(nil, row(domain.SubscriptionStatusActive, nil), now)
	assert.Equal(t, domain.NoEntitlement(), ent)

	zero := time.Time{}
	ent = Evaluate(nil, row(domain.SubscriptionStatusActive, &zero), now)
	assert.False(t, ent.HasActiveSubscription)
}

func TestEvaluate_ActiveAndUnexpiredEchoesPlan(t *testing.T) {
	end := now.Add(24 * time.Hour)
	ent := Evaluate(nil, row(domain.SubscriptionStatusActive, &end), now)

	assert.True(t, ent.HasActiveSubscription)
	assert.Equal(t, domain.EntitlementActive, ent.Status)
	require.NotNil(t, ent.PlanType)
	assert.Equal(t, "agency", *ent.PlanType)
	require.NotNil(t, ent.CurrentPeriodEnd)
	assert.Equal(t, "2025-03-11T12:00:00Z", *ent.CurrentPeriodEnd)
}

func TestEvaluate_CancelledWithUnexpiredPeriodIsNotEntitled(t *testing.T) {
	r := row(domain.SubscriptionStatusCancelled, domain.TimePtr(now.Add(10*24*time.Hour)))
	r.CancelledAt = domain.TimePtr(now.Add(-time.Hour))

	ent := Evaluate(&domain.Principal{UserID: "user-1"}, r, now)
	assert.False(t, ent.HasActiveSubscription)
	assert.Equal(t, domain.EntitlementNone, ent.Status)
	assert.Nil(t, ent.PlanType)
}

func TestEvaluate_NoRow(t *testing.T) {
	ent := Evaluate(&domain.Principal{UserID: "user-1"}, nil, now)
	assert.False(t, ent.HasActiveSubscription)
	assert.Equal(t, domain.EntitlementNone, ent.Status)
	assert.Nil(t, ent.PlanType)
	assert.Nil(t, ent.CurrentPeriodEnd)
}

func TestEvaluate_AdminAlwaysEntitled(t *testing.T) {
	admin := &domain.Principal{UserID: "admin-1", IsAdmin: true}
	rows := []*domain.Subscription{
		nil,
		row(domain.SubscriptionStatusCancelled, nil),
		row(domain.SubscriptionStatusActive, domain.TimePtr(now.Add(-time.Hour))),
		row(domain.SubscriptionStatusPending, domain.TimePtr(now.Add(time.Hour))),
	}
	for _, r := range rows {
		ent := Evaluate(admin, r, now)
		assert.True(t, ent.HasActiveSubscription)
		assert.Equal(t, domain.EntitlementActive, ent.Status)
		assert.Nil(t, ent.PlanType)
	}

	ent := Evaluate(admin, row(domain.SubscriptionStatusActive, domain.TimePtr(now.Add(time.Hour))), now)
	require.NotNil(t, ent.PlanType)
	assert.Equal(t, "agency", *ent.PlanType)
}

func TestIsAnswerActive(t *testing.T) {
	future := domain.TimePtr(now.Add(time.Hour))
	past := domain.TimePtr(now.Add(-time.Hour))

	tests := []struct {
		name   string
		answer *domain.ProviderAnswer
		want   bool
	}{
		{"nil answer", nil, false},
		{"active flag and future end", &domain.ProviderAnswer{Status: domain.SubscriptionStatusActive, ActiveFlag: true, CurrentPeriodEnd: future}, true},
		{"missing active flag", &domain.ProviderAnswer{Status: domain.SubscriptionStatusActive, CurrentPeriodEnd: future}, false},
		{"expired", &domain.ProviderAnswer{Status: domain.SubscriptionStatusActive, ActiveFlag: true, CurrentPeriodEnd: past}, false},
		{"cancelled", &domain.ProviderAnswer{Status: domain.SubscriptionStatusCancelled, ActiveFlag: true, CurrentPeriodEnd: future}, false},
		{"no end", &domain.ProviderAnswer{Status: domain.SubscriptionStatusActive, ActiveFlag: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAnswerActive(tt.answer, now))
		})
	}
}
