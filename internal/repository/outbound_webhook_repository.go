package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// OutboundWebhookRepository реестр пользовательских вебхуков
type OutboundWebhookRepository interface {
	Create(ctx context.Context, hook *models.OutboundWebhook) error
	ListByUser(ctx context.Context, userID string) ([]models.OutboundWebhook, error)
	ListActiveForEvent(ctx context.Context, userID, eventType string) ([]models.OutboundWebhook, error)
	Delete(ctx context.Context, userID string, id uuid.UUID) error
}

type outboundWebhookRepository struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewOutboundWebhookRepository создает реестр поверх sqlx
func NewOutboundWebhookRepository(db *sqlx.DB, log *logger.Logger) OutboundWebhookRepository {
	return &outboundWebhookRepository{db: db, log: log}
}

func (r *outboundWebhookRepository) Create(ctx context.Context, hook *models.OutboundWebhook) error {
	if hook.ID == uuid.Nil {
		hook.ID = uuid.New()
	}
	if hook.CreatedAt.IsZero() {
		hook.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO user_webhooks (id, user_id, url, event_type, secret, active, created_at)
        VALUES (:id, :user_id, :url, :event_type, :secret, :active, :created_at)`

	if _, err := r.db.NamedExecContext(ctx, query, hook); err != nil {
		r.log.Errorw("Failed to create outbound webhook", "error", err, "userID", hook.UserID)
		return fmt.Errorf("repository: failed to create outbound webhook: %w", err)
	}
	return nil
}

func (r *outboundWebhookRepository) ListByUser(ctx context.Context, userID string) ([]models.OutboundWebhook, error) {
	hooks := []models.OutboundWebhook{}
	query := `
        SELECT id, user_id, url, event_type, secret, active, created_at
        FROM user_webhooks
        WHERE user_id = $1
        ORDER BY created_at DESC`

	if err := r.db.SelectContext(ctx, &hooks, query, userID); err != nil {
		r.log.Errorw("Failed to list outbound webhooks", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to list outbound webhooks: %w", err)
	}
	return hooks, nil
}

func (r *outboundWebhookRepository) ListActiveForEvent(ctx context.Context, userID, eventType string) ([]models.OutboundWebhook, error) {
	hooks := []models.OutboundWebhook{}
	query := `
        SELECT id, user_id, url, event_type, secret, active, created_at
        FROM user_webhooks
        WHERE user_id = $1 AND event_type = $2 AND active = TRUE`

	if err := r.db.SelectContext(ctx, &hooks, query, userID, eventType); err != nil {
		r.log.Errorw("Failed to list outbound webhooks for event", "error", err, "userID", userID, "event", eventType)
		return nil, fmt.Errorf("repository: failed to list outbound webhooks: %w", err)
	}
	return hooks, nil
}

func (r *outboundWebhookRepository) Delete(ctx context.Context, userID string, id uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM user_webhooks WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		r.log.Errorw("Failed to delete outbound webhook", "error", err, "userID", userID, "webhookID", id)
		return fmt.Errorf("repository: failed to delete outbound webhook: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("repository: failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
