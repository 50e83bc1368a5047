// Package reconcile переводит нормализованные события провайдеров в изменения строки подписки.
package reconcile

import (
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
)

// DefaultPeriod период, если провайдер не сообщил дату продления
const DefaultPeriod = 30 * 24 * time.Hour

// Rules параметры применения событий
type Rules struct {
	Period      time.Duration
	DefaultPlan domain.PlanType
}

func (r Rules) period() time.Duration {
	if r.Period <= 0 {
		return DefaultPeriod
	}
	return r.Period
}

// ApplyFunc замыкает событие и момент времени для repository.Mutation
func (r Rules) ApplyFunc(ev *domain.ProviderEvent, now time.Time) repository.ApplyFunc {
	return func(current *domain.Subscription) *domain.Subscription {
		return r.Apply(current, ev, now)
	}
}

// Apply возвращает новое состояние строки или nil, если событие ничего не меняет.
// current не изменяется.
func (r Rules) Apply(current *domain.Subscription, ev *domain.ProviderEvent, now time.Time) *domain.Subscription {
	now = now.UTC()

	var next *domain.Subscription
	switch ev.Kind {
	case domain.EventActivated:
		next = r.activate(current, ev, now, r.providerEnd(ev, now))
	case domain.EventRenewed, domain.EventPaymentCompleted:
		// оплата и продление только продлевают уже оплаченный период
		end := r.providerEnd(ev, now)
		if current != nil && current.CurrentPeriodEnd != nil && current.CurrentPeriodEnd.After(end) {
			end = *current.CurrentPeriodEnd
		}
		next = r.activate(current, ev, now, end)
	case domain.EventInvalidated, domain.EventCancelled:
		if current == nil {
			return nil
		}
		next = current.Clone()
		if next.Status != domain.SubscriptionStatusCancelled || next.CancelledAt == nil {
			next.Status = domain.SubscriptionStatusCancelled
			next.CancelledAt = domain.TimePtr(now)
		}
	default:
		return nil
	}

	if sameState(current, next) {
		return nil
	}
	return next
}

func (r Rules) providerEnd(ev *domain.ProviderEvent, now time.Time) time.Time {
	if ev.Payload.PeriodEnd != nil && !ev.Payload.PeriodEnd.IsZero() {
		return ev.Payload.PeriodEnd.UTC()
	}
	return now.Add(r.period())
}

func (r Rules) activate(current *domain.Subscription, ev *domain.ProviderEvent, now, end time.Time) *domain.Subscription {
	next := current.Clone()
	if next == nil {
		next = &domain.Subscription{}
	}

	endChanged := next.CurrentPeriodEnd == nil || !next.CurrentPeriodEnd.Equal(end)
	switch {
	case ev.Payload.PeriodStart != nil:
		next.CurrentPeriodStart = domain.TimePtr(ev.Payload.PeriodStart.UTC())
	case next.CurrentPeriodStart == nil || endChanged:
		next.CurrentPeriodStart = domain.TimePtr(now)
	}

	next.Status = domain.SubscriptionStatusActive
	next.CurrentPeriodEnd = domain.TimePtr(end)
	next.CancelledAt = nil

	switch {
	case ev.Payload.PlanType != "":
		next.PlanType = ev.Payload.PlanType
	case next.PlanType == "":
		next.PlanType = r.DefaultPlan
	}
	if ev.Payload.ExternalSubscriptionID != "" {
		next.ExternalSubscriptionID = ev.Payload.ExternalSubscriptionID
	}
	if ev.Provider != "" {
		next.Provider = ev.Provider
	}
	return next
}

func sameState(a, b *domain.Subscription) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Status == b.Status &&
		a.PlanType == b.PlanType &&
		a.ExternalSubscriptionID == b.ExternalSubscriptionID &&
		a.Provider == b.Provider &&
		timeEqual(a.CurrentPeriodEnd, b.CurrentPeriodEnd) &&
		timeEqual(a.CancelledAt, b.CancelledAt) &&
		timeEqual(a.CurrentPeriodStart, b.CurrentPeriodStart)
}

func timeEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
