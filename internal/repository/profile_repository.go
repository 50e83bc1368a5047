package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// ProfileRepository справочник профилей пользователей
type ProfileRepository interface {
	// GetByID возвращает профиль по ID или ErrNotFound
	GetByID(ctx context.Context, userID string) (*models.Profile, error)
	// FindByEmail ищет профиль по email без учета регистра или возвращает ErrNotFound
	FindByEmail(ctx context.Context, email string) (*models.Profile, error)
}

type profileRepository struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewProfileRepository создает репозиторий профилей поверх sqlx
func NewProfileRepository(db *sqlx.DB, log *logger.Logger) ProfileRepository {
	return &profileRepository{db: db, log: log}
}

func (r *profileRepository) GetByID(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	query := `SELECT id, email, is_admin, created_at FROM profiles WHERE id = $1`

	if err := r.db.GetContext(ctx, &p, query, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to get profile by ID", "error", err, "userID", userID)
		return nil, fmt.Errorf("repository: failed to get profile: %w", err)
	}
	return &p, nil
}

func (r *profileRepository) FindByEmail(ctx context.Context, email string) (*models.Profile, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return nil, ErrNotFound
	}

	var p models.Profile
	query := `
        SELECT id, email, is_admin, created_at
        FROM profiles
        WHERE lower(email) = lower($1)
        ORDER BY created_at ASC
        LIMIT 1`

	if err := r.db.GetContext(ctx, &p, query, email); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.log.Errorw("Failed to find profile by email", "error", err)
		return nil, fmt.Errorf("repository: failed to find profile by email: %w", err)
	}
	return &p, nil
}
