package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/internal/providers/paypal"
)

var paypalKinds = map[string]domain.EventKind{
	"PAYMENT.CAPTURE.COMPLETED":      domain.EventPaymentCompleted,
	"BILLING.SUBSCRIPTION.ACTIVATED": domain.EventActivated,
	"PAYMENT.SALE.COMPLETED":         domain.EventRenewed,
	"BILLING.SUBSCRIPTION.CANCELLED": domain.EventCancelled,
	"BILLING.SUBSCRIPTION.EXPIRED":   domain.EventInvalidated,
	"BILLING.SUBSCRIPTION.SUSPENDED": domain.EventInvalidated,
	"PAYMENT.CAPTURE.REFUNDED":       domain.EventInvalidated,
}

type paypalEnvelope struct {
	ID        string         `json:"id"`
	EventType string         `json:"event_type"`
	Resource  paypalResource `json:"resource"`
}

type paypalResource struct {
	ID                 string `json:"id"`
	CustomID           string `json:"custom_id"`
	Custom             string `json:"custom"`
	PlanID             string `json:"plan_id"`
	BillingAgreementID string `json:"billing_agreement_id"`
	StartTime          string `json:"start_time"`
	Subscriber         struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	Payer struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

// PayPalParser разбирает конверт {id, event_type, resource}
type PayPalParser struct {
	plans *providers.PlanResolver
}

// NewPayPalParser создает парсер PayPal
func NewPayPalParser(plans *providers.PlanResolver) *PayPalParser {
	return &PayPalParser{plans: plans}
}

// Provider возвращает имя провайдера
func (p *PayPalParser) Provider() domain.Provider {
	return domain.ProviderPayPal
}

// Parse нормализует событие PayPal
func (p *PayPalParser) Parse(body []byte, _ http.Header) (*domain.ProviderEvent, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", domain.ErrMalformedEvent)
	}

	event := &domain.ProviderEvent{EventID: env.ID, EventType: env.EventType, Kind: domain.EventIgnored}
	kind, ok := paypalKinds[env.EventType]
	if !ok {
		return event, nil
	}
	event.Kind = kind

	res := env.Resource
	custom := res.CustomID
	if custom == "" {
		custom = res.Custom
	}
	userID, plan := paypal.SplitCustomID(custom)
	if env.EventType == "PAYMENT.CAPTURE.COMPLETED" && res.ID != "" {
		// тот же ключ пишет захват заказа из приложения
		event.EventID = paypal.CaptureEventID(res.ID)
	}

	payload := domain.EventPayload{
		UserID:      userID,
		Email:       res.Subscriber.EmailAddress,
		PeriodStart: parseRFC3339(res.StartTime),
		PeriodEnd:   parseRFC3339(res.BillingInfo.NextBillingTime),
	}
	if payload.Email == "" {
		payload.Email = res.Payer.EmailAddress
	}

	switch {
	case res.BillingAgreementID != "":
		// продление: resource это sale, подписка в billing_agreement_id
		payload.ExternalSubscriptionID = res.BillingAgreementID
	case strings.HasPrefix(env.EventType, "PAYMENT.CAPTURE."):
		// захват и возврат заказа не связаны с подпиской провайдера
	default:
		payload.ExternalSubscriptionID = res.ID
	}
	payload.PlanType = p.plans.Resolve(plan, res.PlanID)

	event.Payload = payload
	return event, nil
}
