package domain

import (
	"errors"
	"fmt"
)

// Application errors
var (
	// ErrNotFound запись не найдена
	ErrNotFound = errors.New("record not found")

	// ErrExternalServiceUnavailable внешний сервис недоступен
	ErrExternalServiceUnavailable = errors.New("external service unavailable")

	// ErrWebhookValidationFailed не удалось проверить подпись или секрет вебхука
	ErrWebhookValidationFailed = errors.New("webhook validation failed")

	// ErrMalformedEvent тело вебхука не разбирается
	ErrMalformedEvent = errors.New("malformed webhook event")

	// ErrCorrelationFailed событие не удалось сопоставить с пользователем
	ErrCorrelationFailed = errors.New("event correlation failed")

	// ErrUnknownProvider провайдер не зарегистрирован
	ErrUnknownProvider = errors.New("unknown payment provider")

	// ErrPaymentNotCompleted захват платежа вернул статус, отличный от COMPLETED
	ErrPaymentNotCompleted = errors.New("payment not completed")

	// ErrOrderOwnershipMismatch заказ создан для другого пользователя
	ErrOrderOwnershipMismatch = errors.New("order belongs to another user")
)

// ExternalServiceError представляет ошибку внешнего сервиса.
// Message безопасно показывать в логах; учетные данные туда не попадают.
type ExternalServiceError struct {
	Service     string
	Code        string
	Message     string
	StatusCode  int
	OriginalErr error
}

// Error реализует интерфейс error
func (e *ExternalServiceError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("%s service error [%s]: %s: %v", e.Service, e.Code, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("%s service error [%s]: %s", e.Service, e.Code, e.Message)
}

// Unwrap возвращает оригинальную ошибку
func (e *ExternalServiceError) Unwrap() error {
	return e.OriginalErr
}

// Is сопоставляет ошибку с ErrExternalServiceUnavailable
func (e *ExternalServiceError) Is(target error) bool {
	return target == ErrExternalServiceUnavailable
}

// NewExternalServiceError создает новую ошибку внешнего сервиса
func NewExternalServiceError(service, code, message string, statusCode int, err error) *ExternalServiceError {
	return &ExternalServiceError{
		Service:     service,
		Code:        code,
		Message:     message,
		StatusCode:  statusCode,
		OriginalErr: err,
	}
}
