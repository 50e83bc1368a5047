package repository

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// InMemorySubscriptionRepository реализация репозитория подписок в памяти.
// Хранит историю строк по пользователю; используется в тестах и локальном запуске без БД.
type InMemorySubscriptionRepository struct {
	rows   map[string][]*domain.Subscription
	events map[string]struct{}
	mutex  sync.RWMutex
	log    *logger.Logger
	now    func() time.Time
}

// NewInMemorySubscriptionRepository создает новый репозиторий подписок в памяти
func NewInMemorySubscriptionRepository(log *logger.Logger) *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		rows:   make(map[string][]*domain.Subscription),
		events: make(map[string]struct{}),
		log:    log,
		now:    time.Now,
	}
}

// WithClock подменяет источник времени
func (r *InMemorySubscriptionRepository) WithClock(now func() time.Time) *InMemorySubscriptionRepository {
	r.now = now
	return r
}

// Seed добавляет строку как есть (для тестов и фикстур)
func (r *InMemorySubscriptionRepository) Seed(sub *domain.Subscription) {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	c := sub.Clone()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	r.rows[c.UserID] = append(r.rows[c.UserID], c)
}

// Count возвращает число строк пользователя
func (r *InMemorySubscriptionRepository) Count(userID string) int {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.rows[userID])
}

// GetLatestByUserID возвращает последнюю строку пользователя
func (r *InMemorySubscriptionRepository) GetLatestByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return r.latestLocked(userID).Clone(), nil
}

// GetByExternalID ищет последнюю строку с данным внешним ID
func (r *InMemorySubscriptionRepository) GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	var found *domain.Subscription
	for _, list := range r.rows {
		for _, s := range list {
			if s.ExternalSubscriptionID != externalID {
				continue
			}
			if found == nil || s.CreatedAt.After(found.CreatedAt) {
				found = s
			}
		}
	}
	return found.Clone(), nil
}

// Mutate применяет изменение под общей блокировкой хранилища
func (r *InMemorySubscriptionRepository) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if m.UserID == "" || m.Apply == nil {
		return nil, fmt.Errorf("repository: %w: mutation requires user ID and apply func", ErrInvalidData)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	result := &MutationResult{}
	if m.EventID != "" {
		key := string(m.Provider) + ":" + m.EventID
		if _, seen := r.events[key]; seen {
			result.Duplicate = true
			return result, nil
		}
		r.events[key] = struct{}{}
	}

	current := r.latestLocked(m.UserID)
	result.Before = current.Clone()

	next := m.Apply(current.Clone())
	if next == nil {
		result.Subscription = current.Clone()
		return result, nil
	}

	now := r.now().UTC()
	next.UserID = m.UserID
	next.UpdatedAt = now
	if current == nil {
		if next.ID == uuid.Nil {
			next.ID = uuid.New()
		}
		next.CreatedAt = now
		r.rows[m.UserID] = append(r.rows[m.UserID], next.Clone())
		result.Inserted = true
	} else {
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		*current = *next.Clone()
	}

	result.Changed = true
	result.Subscription = next
	return result, nil
}

func (r *InMemorySubscriptionRepository) latestLocked(userID string) *domain.Subscription {
	var latest *domain.Subscription
	for _, s := range r.rows[userID] {
		if latest == nil || !s.CreatedAt.Before(latest.CreatedAt) {
			latest = s
		}
	}
	return latest
}
