package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// PgxPool подмножество pgxpool.Pool, нужное хранилищу (удобно подменять pgxmock в тестах)
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const subscriptionColumns = `id, user_id, plan_type, status, current_period_start, current_period_end,
       cancelled_at, external_subscription_id, provider, created_at, updated_at`

const (
	lockUserQuery = `SELECT pg_advisory_xact_lock(hashtext($1))`

	recordEventQuery = `
        INSERT INTO processed_webhook_events (provider, event_id, user_id, kind)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (provider, event_id) DO NOTHING`

	latestByUserQuery = `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT 1`

	latestByExternalQuery = `
        SELECT ` + subscriptionColumns + `
        FROM subscriptions
        WHERE external_subscription_id = $1
        ORDER BY created_at DESC
        LIMIT 1`

	insertSubscriptionQuery = `
        INSERT INTO subscriptions (
            id, user_id, plan_type, status, current_period_start, current_period_end,
            cancelled_at, external_subscription_id, provider, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	updateSubscriptionQuery = `
        UPDATE subscriptions SET
            plan_type = $2,
            status = $3,
            current_period_start = $4,
            current_period_end = $5,
            cancelled_at = $6,
            external_subscription_id = $7,
            provider = $8,
            updated_at = $9
        WHERE id = $1`
)

// postgresSubscriptionRepo реализует SubscriptionRepository для PostgreSQL.
type postgresSubscriptionRepo struct {
	db  PgxPool
	log *logger.Logger
	now func() time.Time
}

// NewPostgresSubscriptionRepository создает новый экземпляр репозитория для PostgreSQL.
func NewPostgresSubscriptionRepository(db PgxPool, log *logger.Logger) SubscriptionRepository {
	return &postgresSubscriptionRepo{
		db:  db,
		log: log,
		now: time.Now,
	}
}

// GetLatestByUserID возвращает текущую (последнюю) строку пользователя.
func (r *postgresSubscriptionRepo) GetLatestByUserID(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, latestByUserQuery, userID))
	if err != nil {
		r.log.Errorw("Failed to get latest subscription by user ID", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get subscription by user ID: %w", err)
	}
	return sub, nil
}

// GetByExternalID возвращает строку по идентификатору подписки у провайдера.
func (r *postgresSubscriptionRepo) GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, latestByExternalQuery, externalID))
	if err != nil {
		r.log.Errorw("Failed to get subscription by external ID", "error", err, "externalID", externalID)
		return nil, fmt.Errorf("repository: failed to get subscription by external ID: %w", err)
	}
	return sub, nil
}

// Mutate выполняет upsert в одной транзакции под advisory-блокировкой пользователя.
// Конкурентные вебхуки одного пользователя сериализуются и не плодят дубликаты строк.
func (r *postgresSubscriptionRepo) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if m.UserID == "" || m.Apply == nil {
		return nil, fmt.Errorf("repository: %w: mutation requires user ID and apply func", ErrInvalidData)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Errorw("Failed to begin transaction", "error", err, "userID", m.UserID)
		return nil, fmt.Errorf("repository: failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				r.log.Warnw("Failed to rollback transaction", "error", rbErr, "userID", m.UserID)
			}
		}
	}()

	if _, err := tx.Exec(ctx, lockUserQuery, m.UserID); err != nil {
		r.log.Errorw("Failed to acquire user lock", "error", err, "userID", m.UserID)
		return nil, fmt.Errorf("repository: failed to lock user: %w", err)
	}

	result := &MutationResult{}

	if m.EventID != "" {
		tag, err := tx.Exec(ctx, recordEventQuery, string(m.Provider), m.EventID, m.UserID, string(m.Kind))
		if err != nil {
			r.log.Errorw("Failed to record webhook event", "error", err, "provider", m.Provider, "eventID", m.EventID)
			return nil, fmt.Errorf("repository: failed to record event: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if err := tx.Commit(ctx); err != nil {
				return nil, fmt.Errorf("repository: failed to commit transaction: %w", err)
			}
			committed = true
			r.log.Infow("Webhook event already processed", "provider", m.Provider, "eventID", m.EventID)
			result.Duplicate = true
			return result, nil
		}
	}

	current, err := scanSubscription(tx.QueryRow(ctx, latestByUserQuery+" FOR UPDATE", m.UserID))
	if err != nil {
		r.log.Errorw("Failed to read current subscription", "error", err, "userID", m.UserID)
		return nil, fmt.Errorf("repository: failed to read subscription: %w", err)
	}
	result.Before = current.Clone()

	next := m.Apply(current.Clone())
	if next != nil {
		now := r.now().UTC()
		next.UserID = m.UserID
		next.UpdatedAt = now

		if current == nil {
			if next.ID == uuid.Nil {
				next.ID = uuid.New()
			}
			next.CreatedAt = now
			if _, err := tx.Exec(ctx, insertSubscriptionQuery, insertArgs(next)...); err != nil {
				r.log.Errorw("Failed to insert subscription", "error", err, "userID", m.UserID)
				return nil, fmt.Errorf("repository: failed to insert subscription: %w", err)
			}
			result.Inserted = true
		} else {
			next.ID = current.ID
			next.CreatedAt = current.CreatedAt
			tag, err := tx.Exec(ctx, updateSubscriptionQuery, updateArgs(next)...)
			if err != nil {
				r.log.Errorw("Failed to update subscription", "error", err, "userID", m.UserID, "subscriptionID", current.ID)
				return nil, fmt.Errorf("repository: failed to update subscription: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return nil, fmt.Errorf("repository: subscription %s: %w", current.ID, ErrNotFound)
			}
		}
		result.Changed = true
		result.Subscription = next
	} else {
		result.Subscription = current
	}

	if err := tx.Commit(ctx); err != nil {
		r.log.Errorw("Failed to commit transaction", "error", err, "userID", m.UserID)
		return nil, fmt.Errorf("repository: failed to commit transaction: %w", err)
	}
	committed = true

	r.log.Debugw("Subscription mutation applied",
		"userID", m.UserID, "kind", m.Kind, "inserted", result.Inserted, "changed", result.Changed)
	return result, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		id         string
		sub        domain.Subscription
		planType   *string
		externalID *string
		provider   *string
		status     string
	)
	err := row.Scan(
		&id, &sub.UserID, &planType, &status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelledAt,
		&externalID, &provider, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%w: bad subscription id %q", ErrInvalidData, id)
	}
	sub.ID = parsed
	sub.Status = domain.SubscriptionStatus(status)
	if planType != nil {
		sub.PlanType = domain.PlanType(*planType)
	}
	if externalID != nil {
		sub.ExternalSubscriptionID = *externalID
	}
	if provider != nil {
		sub.Provider = domain.Provider(*provider)
	}
	return &sub, nil
}

func insertArgs(s *domain.Subscription) []any {
	return []any{
		s.ID.String(), s.UserID, nullString(string(s.PlanType)), string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelledAt,
		nullString(s.ExternalSubscriptionID), nullString(string(s.Provider)),
		s.CreatedAt, s.UpdatedAt,
	}
}

func updateArgs(s *domain.Subscription) []any {
	return []any{
		s.ID.String(), nullString(string(s.PlanType)), string(s.Status),
		s.CurrentPeriodStart, s.CurrentPeriodEnd, s.CancelledAt,
		nullString(s.ExternalSubscriptionID), nullString(string(s.Provider)),
		s.UpdatedAt,
	}
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
