// Package providers содержит общие контракты клиентов платежных систем.
package providers

import (
	"context"
	"strings"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
)

// LookupRequest данные, по которым провайдер ищет подписку пользователя
type LookupRequest struct {
	UserID string
	Email  string
	// ExternalSubscriptionID из текущей строки хранилища, если она создана этим провайдером
	ExternalSubscriptionID string
}

// Verifier опрашивает живое API провайдера.
// nil, nil означает, что у провайдера нет подписки для пользователя.
type Verifier interface {
	Provider() domain.Provider
	Verify(ctx context.Context, req LookupRequest) (*domain.ProviderAnswer, error)
}

// PlanResolver сопоставляет идентификаторы планов провайдеров с PlanType
type PlanResolver struct {
	plans    map[string]domain.PlanType
	fallback domain.PlanType
}

// NewPlanResolver строит сопоставление из конфигурации; ключи сравниваются без учета регистра
func NewPlanResolver(raw map[string]string, fallback string) *PlanResolver {
	plans := make(map[string]domain.PlanType, len(raw))
	for k, v := range raw {
		if p := domain.ParsePlanType(v); p != "" {
			plans[strings.ToLower(k)] = p
		}
	}
	return &PlanResolver{plans: plans, fallback: domain.ParsePlanType(fallback)}
}

// Resolve возвращает первый распознанный план из кандидатов: имя плана или ID из конфигурации.
func (r *PlanResolver) Resolve(candidates ...string) domain.PlanType {
	for _, c := range candidates {
		if c == "" {
			continue
		}
		if p := domain.ParsePlanType(c); p != "" {
			return p
		}
		if p, ok := r.plans[strings.ToLower(c)]; ok {
			return p
		}
	}
	return r.fallback
}
