package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/entitlement"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/internal/reconcile"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const tracerName = "github.com/Dhoini/proposalkraft-billing/internal/services"

// Источники ответа верификации помимо имени провайдера
const (
	SourceStore = "store"
	SourceAdmin = "admin"
)

// VerifyRequest тело запроса верификации
type VerifyRequest struct {
	Email  string `json:"email" validate:"omitempty,email"`
	Strict bool   `json:"strict"`
}

// VerifyResponse ответ верификации; решение всегда вычисляется по строке хранилища
type VerifyResponse struct {
	Status                domain.EntitlementStatus `json:"status"`
	CurrentPeriodEnd      *string                  `json:"currentPeriodEnd"`
	HasActiveSubscription bool                     `json:"hasActiveSubscription"`
	PlanType              *string                  `json:"planType"`
	Source                string                   `json:"source"`
	Version               int64                    `json:"version"`
}

// VerificationConfig параметры верификации
type VerificationConfig struct {
	MemoTTL         time.Duration
	ProviderTimeout time.Duration
}

// VerificationService сверяет подписку пользователя с живыми API провайдеров
// и чинит хранилище по активному ответу.
type VerificationService struct {
	subs      repository.SubscriptionRepository
	profiles  ProfileReader
	verifiers []providers.Verifier
	rules     reconcile.Rules
	effects   *Effects
	memo      *gocache.Cache
	cfg       VerificationConfig
	metrics   metrics.BillingMetrics
	tracer    trace.Tracer
	log       *logger.Logger
	now       func() time.Time
}

type memoEntry struct {
	answer *domain.ProviderAnswer
}

// NewVerificationService создает VerificationService
func NewVerificationService(
	subs repository.SubscriptionRepository,
	profiles ProfileReader,
	verifiers []providers.Verifier,
	rules reconcile.Rules,
	effects *Effects,
	cfg VerificationConfig,
	m metrics.BillingMetrics,
	log *logger.Logger,
) *VerificationService {
	if cfg.MemoTTL <= 0 {
		cfg.MemoTTL = 60 * time.Second
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if m == nil {
		m = metrics.Nop{}
	}
	return &VerificationService{
		subs:      subs,
		profiles:  profiles,
		verifiers: verifiers,
		rules:     rules,
		effects:   effects,
		memo:      gocache.New(cfg.MemoTTL, 2*cfg.MemoTTL),
		cfg:       cfg,
		metrics:   m,
		tracer:    otel.Tracer(tracerName),
		log:       log.Named("verification"),
		now:       time.Now,
	}
}

// Verify опрашивает провайдеров и возвращает решение по хранилищу.
// Ошибки провайдеров не возвращаются: они понижаются до "не подтверждено".
// Ошибка возвращается только при сбое чтения хранилища.
func (s *VerificationService) Verify(ctx context.Context, principal domain.Principal, req VerifyRequest) (*VerifyResponse, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveVerification(time.Since(start)) }()

	ctx, span := s.tracer.Start(ctx, "VerificationService.Verify",
		trace.WithAttributes(attribute.String("user.id", principal.UserID), attribute.Bool("strict", req.Strict)))
	defer span.End()

	row, err := s.subs.GetLatestByUserID(ctx, principal.UserID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store read failed")
		return nil, fmt.Errorf("services: failed to read subscription: %w", err)
	}

	email, own := s.resolveEmail(ctx, principal, req.Email)
	source := SourceStore

	if email != "" || row != nil {
		lookup := providers.LookupRequest{UserID: principal.UserID, Email: email}
		answers := s.queryProviders(ctx, lookup, row, req.Strict)

		if best := s.bestActive(answers); best != nil {
			if own {
				if repaired, ok := s.writeThrough(ctx, principal.UserID, email, best); ok {
					row = repaired
					source = string(best.Provider)
				}
			} else {
				source = string(best.Provider)
			}
		}
	}

	if principal.IsAdmin {
		source = SourceAdmin
	}

	ent := entitlement.Evaluate(&principal, row, s.now())
	resp := &VerifyResponse{
		Status:                ent.Status,
		CurrentPeriodEnd:      ent.CurrentPeriodEnd,
		HasActiveSubscription: ent.HasActiveSubscription,
		PlanType:              ent.PlanType,
		Source:                source,
	}
	if row != nil {
		resp.Version = row.UpdatedAt.UnixMilli()
	}
	span.SetAttributes(attribute.Bool("entitled", resp.HasActiveSubscription), attribute.String("source", source))
	return resp, nil
}

// resolveEmail: email из токена, затем из профиля. Email из тела принимается,
// если вызывающий администратор или своего email нет. own=false, если администратор
// проверяет чужой адрес: такой ответ не записывается в хранилище вызывающего.
func (s *VerificationService) resolveEmail(ctx context.Context, principal domain.Principal, bodyEmail string) (string, bool) {
	email := strings.TrimSpace(principal.Email)
	if email == "" && s.profiles != nil {
		profile, err := s.profiles.GetByID(ctx, principal.UserID)
		switch {
		case err == nil:
			email = strings.TrimSpace(profile.Email)
		case !errors.Is(err, repository.ErrNotFound):
			s.log.Warnw("Failed to load profile for verification", "userID", principal.UserID, "error", err)
		}
	}

	bodyEmail = strings.TrimSpace(bodyEmail)
	if bodyEmail == "" {
		return email, true
	}
	if email == "" {
		return bodyEmail, true
	}
	if principal.IsAdmin && !strings.EqualFold(bodyEmail, email) {
		return bodyEmail, false
	}
	return email, true
}

func (s *VerificationService) queryProviders(ctx context.Context, lookup providers.LookupRequest, row *domain.Subscription, strict bool) []*domain.ProviderAnswer {
	answers := make([]*domain.ProviderAnswer, len(s.verifiers))

	g, gctx := errgroup.WithContext(ctx)
	for i, v := range s.verifiers {
		req := lookup
		if row != nil && row.Provider == v.Provider() {
			req.ExternalSubscriptionID = row.ExternalSubscriptionID
		}
		g.Go(func() error {
			answers[i] = s.verifyOne(gctx, v, req, strict)
			return nil
		})
	}
	_ = g.Wait()
	return answers
}

func (s *VerificationService) verifyOne(ctx context.Context, v providers.Verifier, req providers.LookupRequest, strict bool) *domain.ProviderAnswer {
	provider := string(v.Provider())
	key := strings.Join([]string{provider, req.UserID, strings.ToLower(req.Email), req.ExternalSubscriptionID}, "|")

	if !strict {
		if cached, ok := s.memo.Get(key); ok {
			s.metrics.IncVerification(provider, "memo")
			return cached.(memoEntry).answer
		}
	}

	ctx, span := s.tracer.Start(ctx, "providers.Verify", trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("provider", provider)))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()

	answer, err := v.Verify(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "provider verification failed")
		s.metrics.IncVerification(provider, "error")
		s.log.Warnw("Provider verification failed, treating as not verified",
			"provider", provider, "userID", req.UserID, "error", err)
		return nil
	}

	s.memo.SetDefault(key, memoEntry{answer: answer})
	switch {
	case answer == nil:
		s.metrics.IncVerification(provider, "none")
	case entitlement.IsAnswerActive(answer, s.now()):
		s.metrics.IncVerification(provider, "active")
	default:
		s.metrics.IncVerification(provider, "inactive")
	}
	span.SetAttributes(attribute.Bool("found", answer != nil))
	return answer
}

// bestActive активный ответ с самым поздним концом периода
func (s *VerificationService) bestActive(answers []*domain.ProviderAnswer) *domain.ProviderAnswer {
	now := s.now()
	var best *domain.ProviderAnswer
	for _, a := range answers {
		if !entitlement.IsAnswerActive(a, now) {
			continue
		}
		if best == nil || a.CurrentPeriodEnd.After(*best.CurrentPeriodEnd) {
			best = a
		}
	}
	return best
}

// writeThrough переносит активный ответ провайдера в хранилище как продление:
// конец периода не сокращается. Сбой записи не прерывает верификацию.
func (s *VerificationService) writeThrough(ctx context.Context, userID, email string, answer *domain.ProviderAnswer) (*domain.Subscription, bool) {
	ev := &domain.ProviderEvent{
		Provider:  answer.Provider,
		EventType: "verification",
		Kind:      domain.EventRenewed,
		Payload: domain.EventPayload{
			UserID:                 userID,
			Email:                  email,
			ExternalSubscriptionID: answer.ExternalSubscriptionID,
			PlanType:               answer.PlanType,
			PeriodEnd:              answer.CurrentPeriodEnd,
		},
		ReceivedAt: s.now(),
	}

	apply := s.rules.ApplyFunc(ev, s.now())
	var revoked bool
	res, err := s.subs.Mutate(ctx, repository.Mutation{
		UserID:   userID,
		Provider: answer.Provider,
		Kind:     ev.Kind,
		Apply: func(current *domain.Subscription) *domain.Subscription {
			// отмененную вебхуком подписку ответ провайдера о той же подписке не восстанавливает
			if current != nil && current.Status == domain.SubscriptionStatusCancelled &&
				current.ExternalSubscriptionID != "" && current.ExternalSubscriptionID == answer.ExternalSubscriptionID {
				revoked = true
				return nil
			}
			return apply(current)
		},
	})
	if err != nil {
		s.metrics.IncMutation("verification", "failed")
		s.log.Warnw("Failed to write verified subscription", "userID", userID, "provider", answer.Provider, "error", err)
		return nil, false
	}
	if revoked {
		s.metrics.IncMutation("verification", "skipped")
		s.log.Infow("Provider still reports a cancelled subscription as active, keeping store state",
			"userID", userID, "provider", answer.Provider, "externalSubscriptionID", answer.ExternalSubscriptionID)
		return res.Subscription, false
	}
	if !res.Changed {
		s.metrics.IncMutation("verification", "noop")
		return res.Subscription, true
	}

	s.metrics.IncMutation("verification", "updated")
	s.log.Infow("Subscription repaired from provider answer", "userID", userID, "provider", answer.Provider)
	s.effects.AfterChange(ctx, Change{
		UserID:   userID,
		Email:    email,
		Kind:     domain.EventRenewed,
		Provider: answer.Provider,
		Before:   res.Before,
		After:    res.Subscription,
		Repair:   true,
	})
	return res.Subscription, true
}
