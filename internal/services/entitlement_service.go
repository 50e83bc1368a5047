package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/entitlement"
)

// LatestReader чтение авторитетной строки пользователя
type LatestReader interface {
	GetLatestByUserID(ctx context.Context, userID string) (*domain.Subscription, error)
}

// EntitlementService отвечает на вопрос "пускать ли пользователя" по данным хранилища
type EntitlementService struct {
	subs LatestReader
	now  func() time.Time
}

// NewEntitlementService создает EntitlementService
func NewEntitlementService(subs LatestReader) *EntitlementService {
	return &EntitlementService{subs: subs, now: time.Now}
}

// Current возвращает решение о доступе для principal
func (s *EntitlementService) Current(ctx context.Context, principal domain.Principal) (domain.Entitlement, error) {
	ent, _, err := s.Resolve(ctx, principal)
	return ent, err
}

// Resolve возвращает решение вместе со строкой, на которой оно основано
func (s *EntitlementService) Resolve(ctx context.Context, principal domain.Principal) (domain.Entitlement, *domain.Subscription, error) {
	row, err := s.subs.GetLatestByUserID(ctx, principal.UserID)
	if err != nil {
		return domain.NoEntitlement(), nil, fmt.Errorf("services: failed to read subscription: %w", err)
	}
	return entitlement.Evaluate(&principal, row, s.now()), row, nil
}
