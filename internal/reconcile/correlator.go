package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// ExternalIDLookup поиск строки по идентификатору подписки у провайдера
type ExternalIDLookup interface {
	GetByExternalID(ctx context.Context, externalID string) (*domain.Subscription, error)
}

// EmailLookup поиск профиля по email
type EmailLookup interface {
	FindByEmail(ctx context.Context, email string) (*models.Profile, error)
}

// Source ключ, по которому событие сопоставлено с пользователем
type Source string

const (
	SourceMetadata   Source = "metadata"
	SourceExternalID Source = "external_id"
	SourceEmail      Source = "email"
)

// Correlator определяет пользователя события
type Correlator struct {
	subs     ExternalIDLookup
	profiles EmailLookup
	log      *logger.Logger
}

// NewCorrelator создает Correlator; profiles может быть nil
func NewCorrelator(subs ExternalIDLookup, profiles EmailLookup, log *logger.Logger) *Correlator {
	return &Correlator{subs: subs, profiles: profiles, log: log}
}

// Correlate: user_id из метаданных, затем строка по external_subscription_id, затем профиль по email.
// Возвращает ErrCorrelationFailed, если ни один ключ не сработал.
func (c *Correlator) Correlate(ctx context.Context, ev *domain.ProviderEvent) (string, Source, error) {
	p := ev.Payload
	if p.UserID != "" {
		return p.UserID, SourceMetadata, nil
	}

	if p.ExternalSubscriptionID != "" {
		row, err := c.subs.GetByExternalID(ctx, p.ExternalSubscriptionID)
		if err != nil {
			return "", "", fmt.Errorf("reconcile: lookup by external id: %w", err)
		}
		if row != nil {
			return row.UserID, SourceExternalID, nil
		}
	}

	if p.Email != "" && c.profiles != nil {
		profile, err := c.profiles.FindByEmail(ctx, p.Email)
		switch {
		case err == nil:
			return profile.ID, SourceEmail, nil
		case !errors.Is(err, repository.ErrNotFound):
			return "", "", fmt.Errorf("reconcile: lookup by email: %w", err)
		}
	}

	c.log.Errorw("Event could not be correlated with a user",
		"provider", ev.Provider, "eventID", ev.EventID, "eventType", ev.EventType,
		"hasExternalID", p.ExternalSubscriptionID != "", "hasEmail", p.Email != "")
	return "", "", domain.ErrCorrelationFailed
}
