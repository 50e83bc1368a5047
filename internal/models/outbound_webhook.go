package models

import (
	"time"

	"github.com/google/uuid"
)

// События, на которые пользователь может подписать свой URL
const (
	EventSubscriptionActivated   = "subscription.activated"
	EventSubscriptionRenewed     = "subscription.renewed"
	EventSubscriptionCancelled   = "subscription.cancelled"
	EventSubscriptionInvalidated = "subscription.invalidated"
	EventPaymentCompleted        = "payment.completed"
)

// OutboundEventTypes допустимые типы событий
var OutboundEventTypes = []string{
	EventSubscriptionActivated,
	EventSubscriptionRenewed,
	EventSubscriptionCancelled,
	EventSubscriptionInvalidated,
	EventPaymentCompleted,
}

// OutboundWebhook пользовательский callback URL (таблица user_webhooks)
type OutboundWebhook struct {
	ID        uuid.UUID `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	URL       string    `db:"url" json:"url"`
	EventType string    `db:"event_type" json:"event_type"`
	Secret    string    `db:"secret" json:"-"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// HasSecret сообщает, нужно ли подписывать доставку
func (w *OutboundWebhook) HasSecret() bool {
	return w.Secret != ""
}
