package repository

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

func newSQLMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlx.NewDb(db, "pgx"), mock
}

func TestProfileRepository_FindByEmail(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewProfileRepository(db, logger.NewNop())
	created := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM profiles").
		WithArgs("Jane@Example.com").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "is_admin", "created_at"}).
			AddRow("user-7", "jane@example.com", false, created))

	p, err := repo.FindByEmail(context.Background(), "  Jane@Example.com ")
	require.NoError(t, err)
	assert.Equal(t, "user-7", p.ID)
	assert.False(t, p.IsAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileRepository_FindByEmailNotFound(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewProfileRepository(db, logger.NewNop())

	mock.ExpectQuery("FROM profiles").
		WithArgs("ghost@example.com").
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = repo.FindByEmail(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestProfileRepository_GetByID(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewProfileRepository(db, logger.NewNop())

	mock.ExpectQuery("WHERE id = \\$1").
		WithArgs("admin-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "is_admin", "created_at"}).
			AddRow("admin-1", "ops@example.com", true, time.Now()))

	p, err := repo.GetByID(context.Background(), "admin-1")
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundWebhookRepository_CreateAndList(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewOutboundWebhookRepository(db, logger.NewNop())

	hook := &models.OutboundWebhook{
		UserID:    "user-1",
		URL:       "https://hooks.example.com/pk",
		EventType: models.EventSubscriptionActivated,
		Secret:    "s3cret",
		Active:    true,
	}

	mock.ExpectExec("INSERT INTO user_webhooks").
		WithArgs(sqlmock.AnyArg(), "user-1", hook.URL, hook.EventType, "s3cret", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Create(context.Background(), hook))
	assert.NotEqual(t, uuid.Nil, hook.ID)
	assert.False(t, hook.CreatedAt.IsZero())

	mock.ExpectQuery("FROM user_webhooks").
		WithArgs("user-1", models.EventSubscriptionActivated).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "url", "event_type", "secret", "active", "created_at"}).
			AddRow(hook.ID.String(), "user-1", hook.URL, hook.EventType, "s3cret", true, hook.CreatedAt))

	hooks, err := repo.ListActiveForEvent(context.Background(), "user-1", models.EventSubscriptionActivated)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.Equal(t, hook.ID, hooks[0].ID)
	assert.True(t, hooks[0].HasSecret())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboundWebhookRepository_DeleteMissing(t *testing.T) {
	db, mock := newSQLMock(t)
	repo := NewOutboundWebhookRepository(db, logger.NewNop())
	id := uuid.New()

	mock.ExpectExec("DELETE FROM user_webhooks").
		WithArgs(id.String(), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "user-1", id)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
