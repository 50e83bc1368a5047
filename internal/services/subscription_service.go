package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/reconcile"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// Outcome итог обработки события вебхука
type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeUncorrelated Outcome = "uncorrelated"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeUnchanged    Outcome = "unchanged"
	OutcomeApplied      Outcome = "applied"
	OutcomeFailed       Outcome = "failed"
)

// ProcessResult результат ProcessEvent
type ProcessResult struct {
	Outcome      Outcome
	UserID       string
	Source       reconcile.Source
	Subscription *domain.Subscription
}

// SubscriptionService применяет нормализованные события провайдеров к хранилищу
type SubscriptionService struct {
	subs       repository.SubscriptionRepository
	correlator *reconcile.Correlator
	rules      reconcile.Rules
	effects    *Effects
	metrics    metrics.BillingMetrics
	log        *logger.Logger
	now        func() time.Time
}

// NewSubscriptionService создает SubscriptionService
func NewSubscriptionService(
	subs repository.SubscriptionRepository,
	correlator *reconcile.Correlator,
	rules reconcile.Rules,
	effects *Effects,
	m metrics.BillingMetrics,
	log *logger.Logger,
) *SubscriptionService {
	if m == nil {
		m = metrics.Nop{}
	}
	return &SubscriptionService{
		subs:       subs,
		correlator: correlator,
		rules:      rules,
		effects:    effects,
		metrics:    m,
		log:        log.Named("subscriptions"),
		now:        time.Now,
	}
}

// ProcessEvent сопоставляет событие с пользователем и выполняет ровно одну мутацию.
// Несопоставленное событие не является ошибкой: оно логируется и отбрасывается.
// Ошибка возвращается только при сбое поиска или записи, чтобы провайдер повторил доставку.
func (s *SubscriptionService) ProcessEvent(ctx context.Context, ev *domain.ProviderEvent) (*ProcessResult, error) {
	if ev.Kind == domain.EventIgnored {
		s.log.Infow("Unhandled webhook event type", "provider", ev.Provider, "eventType", ev.EventType, "eventID", ev.EventID)
		return s.finish(ev, &ProcessResult{Outcome: OutcomeIgnored}), nil
	}

	userID, source, err := s.correlator.Correlate(ctx, ev)
	if err != nil {
		if errors.Is(err, domain.ErrCorrelationFailed) {
			return s.finish(ev, &ProcessResult{Outcome: OutcomeUncorrelated}), nil
		}
		s.finish(ev, &ProcessResult{Outcome: OutcomeFailed})
		return nil, err
	}

	res, err := s.subs.Mutate(ctx, repository.Mutation{
		UserID:   userID,
		Provider: ev.Provider,
		EventID:  ev.EventID,
		Kind:     ev.Kind,
		Apply:    s.rules.ApplyFunc(ev, s.now()),
	})
	if err != nil {
		s.metrics.IncMutation(string(ev.Kind), "failed")
		s.finish(ev, &ProcessResult{Outcome: OutcomeFailed, UserID: userID, Source: source})
		s.log.Errorw("Failed to apply webhook event", "provider", ev.Provider, "eventID", ev.EventID,
			"userID", userID, "kind", ev.Kind, "error", err)
		return nil, fmt.Errorf("services: failed to apply event: %w", err)
	}

	result := &ProcessResult{UserID: userID, Source: source, Subscription: res.Subscription}
	switch {
	case res.Duplicate:
		result.Outcome = OutcomeDuplicate
		s.metrics.IncMutation(string(ev.Kind), "duplicate")
	case !res.Changed:
		result.Outcome = OutcomeUnchanged
		s.metrics.IncMutation(string(ev.Kind), "noop")
	default:
		result.Outcome = OutcomeApplied
		if res.Inserted {
			s.metrics.IncMutation(string(ev.Kind), "inserted")
		} else {
			s.metrics.IncMutation(string(ev.Kind), "updated")
		}
		s.log.Infow("Subscription updated from webhook", "provider", ev.Provider, "eventID", ev.EventID,
			"userID", userID, "kind", ev.Kind, "source", source, "status", res.Subscription.Status)
		s.effects.AfterChange(ctx, Change{
			UserID:   userID,
			Email:    ev.Payload.Email,
			Kind:     ev.Kind,
			Provider: ev.Provider,
			EventID:  ev.EventID,
			Before:   res.Before,
			After:    res.Subscription,
		})
	}
	return s.finish(ev, result), nil
}

func (s *SubscriptionService) finish(ev *domain.ProviderEvent, r *ProcessResult) *ProcessResult {
	s.metrics.IncWebhookEvent(string(ev.Provider), string(ev.Kind), string(r.Outcome))
	return r
}
