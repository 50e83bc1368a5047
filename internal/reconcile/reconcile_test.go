package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/entitlement"
	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

var now = time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

var rules = Rules{Period: DefaultPeriod, DefaultPlan: domain.PlanFreelance}

func event(kind domain.EventKind, payload domain.EventPayload) *domain.ProviderEvent {
	return &domain.ProviderEvent{Provider: domain.ProviderWhop, EventID: "evt", Kind: kind, Payload: payload}
}

func TestApply_ActivatedInsertsWithFallbackPeriod(t *testing.T) {
	next := rules.Apply(nil, event(domain.EventActivated, domain.EventPayload{ExternalSubscriptionID: "mem_1"}), now)

	require.NotNil(t, next)
	assert.Equal(t, domain.SubscriptionStatusActive, next.Status)
	assert.Equal(t, now.Add(30*24*time.Hour), *next.CurrentPeriodEnd)
	assert.Equal(t, domain.PlanFreelance, next.PlanType)
	assert.Equal(t, "mem_1", next.ExternalSubscriptionID)
	assert.Equal(t, domain.ProviderWhop, next.Provider)
	assert.Nil(t, next.CancelledAt)
	assert.True(t, entitlement.IsActive(next, now))
}

func TestApply_ActivatedUsesProviderEndAndClearsCancellation(t *testing.T) {
	end := now.Add(10 * 24 * time.Hour)
	current := &domain.Subscription{
		UserID: "u1", Status: domain.SubscriptionStatusCancelled, PlanType: domain.PlanAgency,
		CancelledAt: domain.TimePtr(now.Add(-time.Hour)), CurrentPeriodEnd: domain.TimePtr(now.Add(-time.Hour)),
	}

	next := rules.Apply(current, event(domain.EventActivated, domain.EventPayload{PeriodEnd: &end}), now)

	require.NotNil(t, next)
	assert.Equal(t, end, *next.CurrentPeriodEnd)
	assert.Nil(t, next.CancelledAt)
	assert.Equal(t, domain.PlanAgency, next.PlanType, "existing plan kept when event carries none")
	assert.Equal(t, domain.SubscriptionStatusCancelled, current.Status, "input must not be modified")
}

func TestApply_PaymentCompletedBehavesLikeActivation(t *testing.T) {
	next := rules.Apply(nil, event(domain.EventPaymentCompleted, domain.EventPayload{PlanType: domain.PlanEnterprise}), now)

	require.NotNil(t, next)
	assert.Equal(t, domain.PlanEnterprise, next.PlanType)
	assert.Equal(t, now.Add(DefaultPeriod), *next.CurrentPeriodEnd)
}

func TestApply_PaymentCompletedNeverShortensPeriod(t *testing.T) {
	existingEnd := now.Add(40 * 24 * time.Hour)
	current := &domain.Subscription{
		Status: domain.SubscriptionStatusActive, PlanType: domain.PlanAgency, Provider: domain.ProviderPayPal,
		CurrentPeriodEnd: &existingEnd, CurrentPeriodStart: domain.TimePtr(now.Add(-time.Hour)),
	}

	next := rules.Apply(current, event(domain.EventPaymentCompleted, domain.EventPayload{PlanType: domain.PlanEnterprise}), now)

	require.NotNil(t, next)
	assert.Equal(t, existingEnd, *next.CurrentPeriodEnd)
	assert.Equal(t, domain.PlanEnterprise, next.PlanType)
	assert.Equal(t, domain.SubscriptionStatusActive, next.Status)
}

func TestApply_RenewalNeverShortensPeriod(t *testing.T) {
	existingEnd := now.Add(20 * 24 * time.Hour)
	earlier := now.Add(5 * 24 * time.Hour)
	current := &domain.Subscription{
		Status: domain.SubscriptionStatusActive, PlanType: domain.PlanAgency, Provider: domain.ProviderWhop,
		CurrentPeriodEnd: &existingEnd, CurrentPeriodStart: domain.TimePtr(now),
	}

	assert.Nil(t, rules.Apply(current, event(domain.EventRenewed, domain.EventPayload{PeriodEnd: &earlier}), now))

	later := now.Add(40 * 24 * time.Hour)
	next := rules.Apply(current, event(domain.EventRenewed, domain.EventPayload{PeriodEnd: &later}), now)
	require.NotNil(t, next)
	assert.Equal(t, later, *next.CurrentPeriodEnd)
}

func TestApply_RenewalIsIdempotent(t *testing.T) {
	end := now.Add(30 * 24 * time.Hour)
	ev := event(domain.EventRenewed, domain.EventPayload{PeriodEnd: &end, PlanType: domain.PlanAgency})

	first := rules.Apply(nil, ev, now)
	require.NotNil(t, first)

	second := rules.Apply(first, ev, now.Add(time.Minute))
	assert.Nil(t, second, "second delivery of the same renewal must not change the row")
}

func TestApply_InvalidatedAndCancelled(t *testing.T) {
	end := now.Add(10 * 24 * time.Hour)
	active := &domain.Subscription{Status: domain.SubscriptionStatusActive, CurrentPeriodEnd: &end, PlanType: domain.PlanAgency}

	for _, kind := range []domain.EventKind{domain.EventInvalidated, domain.EventCancelled} {
		t.Run(string(kind), func(t *testing.T) {
			assert.Nil(t, rules.Apply(nil, event(kind, domain.EventPayload{}), now), "no row means no-op")

			next := rules.Apply(active, event(kind, domain.EventPayload{}), now)
			require.NotNil(t, next)
			assert.Equal(t, domain.SubscriptionStatusCancelled, next.Status)
			assert.Equal(t, now, *next.CancelledAt)
			assert.Equal(t, end, *next.CurrentPeriodEnd, "period end is untouched")
			assert.False(t, entitlement.IsActive(next, now))

			assert.Nil(t, rules.Apply(next, event(kind, domain.EventPayload{}), now.Add(time.Hour)), "already cancelled")
		})
	}
}

func TestApply_IgnoredIsNoop(t *testing.T) {
	assert.Nil(t, rules.Apply(nil, event(domain.EventIgnored, domain.EventPayload{}), now))
}

func TestApplyFunc_DefaultsPeriod(t *testing.T) {
	next := Rules{}.ApplyFunc(event(domain.EventActivated, domain.EventPayload{}), now)(nil)
	require.NotNil(t, next)
	assert.Equal(t, now.Add(DefaultPeriod), *next.CurrentPeriodEnd)
	assert.Equal(t, domain.PlanType(""), next.PlanType)
}

type fakeProfiles struct {
	byEmail map[string]string
	err     error
}

func (f *fakeProfiles) FindByEmail(_ context.Context, email string) (*models.Profile, error) {
	if f.err != nil {
		return nil, f.err
	}
	id, ok := f.byEmail[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &models.Profile{ID: id, Email: email}, nil
}

func TestCorrelate_Order(t *testing.T) {
	subs := repository.NewInMemorySubscriptionRepository(logger.NewNop())
	subs.Seed(&domain.Subscription{UserID: "by-ext", ExternalSubscriptionID: "I-1", Status: domain.SubscriptionStatusActive})
	c := NewCorrelator(subs, &fakeProfiles{byEmail: map[string]string{"a@example.com": "by-email"}}, logger.NewNop())
	ctx := context.Background()

	uid, src, err := c.Correlate(ctx, event(domain.EventRenewed, domain.EventPayload{UserID: "meta", ExternalSubscriptionID: "I-1", Email: "a@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "meta", uid)
	assert.Equal(t, SourceMetadata, src)

	uid, src, err = c.Correlate(ctx, event(domain.EventRenewed, domain.EventPayload{ExternalSubscriptionID: "I-1", Email: "a@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "by-ext", uid)
	assert.Equal(t, SourceExternalID, src)

	uid, src, err = c.Correlate(ctx, event(domain.EventRenewed, domain.EventPayload{ExternalSubscriptionID: "I-unknown", Email: "a@example.com"}))
	require.NoError(t, err)
	assert.Equal(t, "by-email", uid)
	assert.Equal(t, SourceEmail, src)

	_, _, err = c.Correlate(ctx, event(domain.EventRenewed, domain.EventPayload{Email: "nobody@example.com"}))
	assert.ErrorIs(t, err, domain.ErrCorrelationFailed)
}

func TestCorrelate_ProfileStoreError(t *testing.T) {
	subs := repository.NewInMemorySubscriptionRepository(logger.NewNop())
	c := NewCorrelator(subs, &fakeProfiles{err: errors.New("db down")}, logger.NewNop())

	_, _, err := c.Correlate(context.Background(), event(domain.EventActivated, domain.EventPayload{Email: "a@example.com"}))
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrCorrelationFailed)
}
