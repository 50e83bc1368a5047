package repository

import (
	"context"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
)

// ApplyFunc вычисляет новое состояние по текущей последней строке пользователя.
// current равен nil, если строк нет. Возврат nil означает "ничего не менять".
// Функция получает копию и может изменять ее.
type ApplyFunc func(current *domain.Subscription) *domain.Subscription

// Mutation атомарное изменение строки подписки одного пользователя
type Mutation struct {
	UserID string
	// Provider и EventID задают ключ дедупликации; пустой EventID отключает ее
	Provider domain.Provider
	EventID  string
	Kind     domain.EventKind
	Apply    ApplyFunc
}

// MutationResult результат применения Mutation
type MutationResult struct {
	Before       *domain.Subscription
	Subscription *domain.Subscription
	Inserted     bool
	Changed      bool
	// Duplicate событие уже было обработано ранее
	Duplicate bool
}

// SubscriptionRepository определяет методы для работы с хранилищем подписок.
type SubscriptionRepository interface {
	// GetLatestByUserID возвращает последнюю по created_at строку пользователя или nil.
	GetLatestByUserID(ctx context.Context, userID string) (*domain.Subscription, error)

	// GetByExternalID возвращает последнюю строку с данным external_subscription_id или nil.
	GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)

	// Mutate выполняет upsert по user_id атомарно для пользователя:
	// обновляет последнюю строку, если она есть, иначе вставляет новую.
	Mutate(ctx context.Context, m Mutation) (*MutationResult, error)
}
