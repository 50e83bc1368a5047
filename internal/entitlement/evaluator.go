// Package entitlement сводит строку хранилища подписок к единому решению о доступе.
package entitlement

import (
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
)

// IsActive: status == active, current_period_end задан и строго больше now.
// cancelled_at в решении не участвует.
func IsActive(row *domain.Subscription, now time.Time) bool {
	if row == nil {
		return false
	}
	if row.Status != domain.SubscriptionStatusActive {
		return false
	}
	if row.CurrentPeriodEnd == nil || row.CurrentPeriodEnd.IsZero() {
		return false
	}
	return row.CurrentPeriodEnd.After(now)
}

// Evaluate возвращает каноническое решение для строки (или ее отсутствия).
// Администратор получает доступ до применения правила.
func Evaluate(principal *domain.Principal, row *domain.Subscription, now time.Time) domain.Entitlement {
	if principal != nil && principal.IsAdmin {
		return adminEntitlement(row, now)
	}
	if !IsActive(row, now) {
		return domain.NoEntitlement()
	}
	return activeEntitlement(row)
}

// IsAnswerActive применяет то же правило к ответу живого API провайдера,
// дополнительно требуя явный флаг активности.
func IsAnswerActive(answer *domain.ProviderAnswer, now time.Time) bool {
	if answer == nil || !answer.ActiveFlag {
		return false
	}
	return IsActive(&domain.Subscription{
		Status:           answer.Status,
		CurrentPeriodEnd: answer.CurrentPeriodEnd,
	}, now)
}

// FormatPeriodEnd форматирует конец периода для ответов API
func FormatPeriodEnd(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(time.RFC3339)
	return &s
}

func activeEntitlement(row *domain.Subscription) domain.Entitlement {
	ent := domain.Entitlement{
		HasActiveSubscription: true,
		Status:                domain.EntitlementActive,
		CurrentPeriodEnd:      FormatPeriodEnd(row.CurrentPeriodEnd),
	}
	if row.PlanType != "" {
		plan := string(row.PlanType)
		ent.PlanType = &plan
	}
	return ent
}

// adminEntitlement показывает реальный план, только если строка сама по себе активна
func adminEntitlement(row *domain.Subscription, now time.Time) domain.Entitlement {
	if IsActive(row, now) {
		return activeEntitlement(row)
	}
	return domain.Entitlement{
		HasActiveSubscription: true,
		Status:                domain.EntitlementActive,
	}
}
