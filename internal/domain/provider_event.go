package domain

import "time"

// EventKind тег нормализованного события провайдера
type EventKind string

const (
	// EventActivated подписка стала действительной
	EventActivated EventKind = "activated"
	// EventRenewed продление периода
	EventRenewed EventKind = "renewed"
	// EventInvalidated провайдер сообщил о немедленной недействительности
	EventInvalidated EventKind = "invalidated"
	// EventCancelled отмена в конце периода
	EventCancelled EventKind = "cancelled"
	// EventPaymentCompleted разовый платеж (захват заказа PayPal)
	EventPaymentCompleted EventKind = "payment_completed"
	// EventIgnored тип события, который сервис не обрабатывает
	EventIgnored EventKind = "ignored"
)

// ProviderEvent событие вебхука, нормализованное на границе приема.
// Логика мутации хранилища работает только с этим типом и не знает о форматах провайдеров.
type ProviderEvent struct {
	Provider   Provider     `json:"provider"`
	EventID    string       `json:"event_id"`
	EventType  string       `json:"event_type"`
	Kind       EventKind    `json:"kind"`
	Payload    EventPayload `json:"payload"`
	ReceivedAt time.Time    `json:"received_at"`
}

// EventPayload поля, извлеченные из события провайдера
type EventPayload struct {
	// UserID внутренний идентификатор пользователя из metadata/custom_id
	UserID                 string     `json:"user_id,omitempty"`
	Email                  string     `json:"email,omitempty"`
	ExternalSubscriptionID string     `json:"external_subscription_id,omitempty"`
	PlanType               PlanType   `json:"plan_type,omitempty"`
	PeriodStart            *time.Time `json:"period_start,omitempty"`
	PeriodEnd              *time.Time `json:"period_end,omitempty"`
}

// ProviderAnswer ответ живого API провайдера при верификации
type ProviderAnswer struct {
	Provider               Provider
	Status                 SubscriptionStatus
	// ActiveFlag явный флаг активности провайдера (например, valid у Whop)
	ActiveFlag             bool
	PlanType               PlanType
	CurrentPeriodEnd       *time.Time
	ExternalSubscriptionID string
}
