package domain

// EntitlementStatus нормализованный статус доступа
type EntitlementStatus string

const (
	EntitlementActive EntitlementStatus = "active"
	EntitlementNone   EntitlementStatus = "none"
)

// Entitlement каноническое решение о доступе пользователя.
// PlanType и CurrentPeriodEnd равны nil, если доступа нет.
type Entitlement struct {
	HasActiveSubscription bool              `json:"hasActiveSubscription"`
	Status                EntitlementStatus `json:"status"`
	PlanType              *string           `json:"planType"`
	CurrentPeriodEnd      *string           `json:"currentPeriodEnd"`
}

// NoEntitlement {false, 'none', null, null}
func NoEntitlement() Entitlement {
	return Entitlement{Status: EntitlementNone}
}

// Principal аутентифицированный пользователь
type Principal struct {
	UserID  string `json:"userId"`
	Email   string `json:"email,omitempty"`
	IsAdmin bool   `json:"isAdmin"`
}
