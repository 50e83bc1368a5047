package repository

import (
	"context"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// CachedSubscriptionRepository реализует SubscriptionRepository с кешированием
// текущей строки пользователя. Ошибки кеша не прерывают работу.
type CachedSubscriptionRepository struct {
	repo  SubscriptionRepository
	cache SubscriptionCache
	log   *logger.Logger
}

// NewCachedSubscriptionRepository создает новый репозиторий с кешированием
func NewCachedSubscriptionRepository(repo SubscriptionRepository, cache SubscriptionCache, log *logger.Logger) SubscriptionRepository {
	return &CachedSubscriptionRepository{
		repo:  repo,
		cache: cache,
		log:   log,
	}
}

// GetLatestByUserID получает строку сначала из кеша, потом из БД
func (r *CachedSubscriptionRepository) GetLatestByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	cached, err := r.cache.GetLatest(ctx, userID)
	if err != nil {
		r.log.Warnw("Error getting subscription from cache", "error", err, "userID", userID)
	}
	if cached != nil {
		return cached, nil
	}

	sub, err := r.repo.GetLatestByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sub != nil {
		if err := r.cache.SetLatest(ctx, sub); err != nil {
			r.log.Warnw("Failed to cache subscription after fetching", "error", err, "userID", userID)
		}
	}
	return sub, nil
}

// GetByExternalID не кешируется: вызывается только при сопоставлении вебхуков
func (r *CachedSubscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	return r.repo.GetByExternalID(ctx, externalID)
}

// Mutate применяет изменение в БД и сбрасывает кеш пользователя
func (r *CachedSubscriptionRepository) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	result, err := r.repo.Mutate(ctx, m)
	if err != nil {
		return nil, err
	}

	if result.Changed {
		if err := r.cache.Invalidate(ctx, m.UserID); err != nil {
			r.log.Warnw("Failed to invalidate subscription cache", "error", err, "userID", m.UserID)
		}
	}
	return result, nil
}
