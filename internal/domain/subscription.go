package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStatus статус подписки в хранилище
type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "active"
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled"
	SubscriptionStatusPending   SubscriptionStatus = "pending"
	SubscriptionStatusNone      SubscriptionStatus = "none"
)

// PlanType тарифный план
type PlanType string

const (
	PlanFreelance  PlanType = "freelance"
	PlanAgency     PlanType = "agency"
	PlanEnterprise PlanType = "enterprise"
	PlanDealCloser PlanType = "dealcloser"
)

// Valid сообщает, входит ли план в закрытый набор
func (p PlanType) Valid() bool {
	switch p {
	case PlanFreelance, PlanAgency, PlanEnterprise, PlanDealCloser:
		return true
	}
	return false
}

// ParsePlanType нормализует строку в PlanType; пустая строка, если план неизвестен
func ParsePlanType(s string) PlanType {
	p := PlanType(strings.ToLower(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return ""
}

// Provider платежная система, создавшая запись
type Provider string

const (
	ProviderPayPal Provider = "paypal"
	ProviderWhop   Provider = "whop"
	ProviderStripe Provider = "stripe"
)

// Subscription строка таблицы subscriptions.
// Для пользователя может существовать несколько строк; авторитетной считается последняя по created_at.
type Subscription struct {
	ID                     uuid.UUID          `json:"id"`
	UserID                 string             `json:"user_id"`
	PlanType               PlanType           `json:"plan_type,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelledAt            *time.Time         `json:"cancelled_at,omitempty"`
	ExternalSubscriptionID string             `json:"external_subscription_id,omitempty"`
	Provider               Provider           `json:"provider,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// Clone возвращает глубокую копию строки
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CancelledAt = cloneTime(s.CancelledAt)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr возвращает указатель на копию t
func TimePtr(t time.Time) *time.Time {
	return &t
}
