package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
)

// StripeSignatureHeader заголовок подписи Stripe
const StripeSignatureHeader = "Stripe-Signature"

// StripeParser проверяет подпись Stripe-Signature и разбирает события подписок и счетов
type StripeParser struct {
	signingSecret string
	plans         *providers.PlanResolver
}

// NewStripeParser создает парсер Stripe. Пустой signingSecret отключает проверку подписи.
func NewStripeParser(signingSecret string, plans *providers.PlanResolver) *StripeParser {
	return &StripeParser{signingSecret: signingSecret, plans: plans}
}

// Provider возвращает имя провайдера
func (p *StripeParser) Provider() domain.Provider {
	return domain.ProviderStripe
}

// Parse нормализует событие Stripe
func (p *StripeParser) Parse(body []byte, header http.Header) (*domain.ProviderEvent, error) {
	var event stripe.Event
	if p.signingSecret != "" {
		var err error
		event, err = webhook.ConstructEventWithOptions(body, header.Get(StripeSignatureHeader), p.signingSecret,
			webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
		if err != nil {
			if json.Valid(body) {
				return nil, fmt.Errorf("%w: %v", domain.ErrWebhookValidationFailed, err)
			}
			return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
		}
	} else if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if event.Type == "" || event.Data == nil {
		return nil, fmt.Errorf("%w: missing type or data", domain.ErrMalformedEvent)
	}

	out := &domain.ProviderEvent{EventID: event.ID, EventType: string(event.Type), Kind: domain.EventIgnored}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription object: %v", domain.ErrMalformedEvent, err)
		}
		out.Kind = subscriptionKind(event.Type, &sub)
		if out.Kind != domain.EventIgnored {
			out.Payload = p.subscriptionPayload(&sub)
		}

	case "invoice.payment_succeeded":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("%w: invoice object: %v", domain.ErrMalformedEvent, err)
		}
		if inv.Subscription == nil || inv.Subscription.ID == "" {
			// разовый счет вне подписки
			return out, nil
		}
		out.Kind = domain.EventRenewed
		out.Payload = p.invoicePayload(&inv)
	}
	return out, nil
}

func subscriptionKind(eventType stripe.EventType, sub *stripe.Subscription) domain.EventKind {
	if eventType == "customer.subscription.deleted" {
		return domain.EventInvalidated
	}
	if eventType == "customer.subscription.updated" && sub.CancelAtPeriodEnd {
		return domain.EventCancelled
	}
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		return domain.EventActivated
	}
	return domain.EventIgnored
}

func (p *StripeParser) subscriptionPayload(sub *stripe.Subscription) domain.EventPayload {
	payload := domain.EventPayload{
		UserID:                 sub.Metadata["user_id"],
		ExternalSubscriptionID: sub.ID,
		PeriodStart:            unixPtr(sub.CurrentPeriodStart),
		PeriodEnd:              unixPtr(sub.CurrentPeriodEnd),
	}
	if sub.Customer != nil {
		payload.Email = sub.Customer.Email
		if payload.UserID == "" {
			payload.UserID = sub.Customer.Metadata["user_id"]
		}
	}

	candidates := []string{sub.Metadata["plan_type"]}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price != nil {
				candidates = append(candidates, item.Price.Metadata["plan_type"], item.Price.LookupKey, item.Price.ID)
			}
		}
	}
	payload.PlanType = p.plans.Resolve(candidates...)
	return payload
}

func (p *StripeParser) invoicePayload(inv *stripe.Invoice) domain.EventPayload {
	payload := domain.EventPayload{
		Email:                  inv.CustomerEmail,
		ExternalSubscriptionID: inv.Subscription.ID,
		UserID:                 inv.Subscription.Metadata["user_id"],
	}
	if payload.UserID == "" && inv.SubscriptionDetails != nil {
		payload.UserID = inv.SubscriptionDetails.Metadata["user_id"]
	}

	var candidates []string
	if inv.SubscriptionDetails != nil {
		candidates = append(candidates, inv.SubscriptionDetails.Metadata["plan_type"])
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			if line.Period != nil && payload.PeriodEnd == nil {
				payload.PeriodStart = unixPtr(line.Period.Start)
				payload.PeriodEnd = unixPtr(line.Period.End)
			}
			if line.Price != nil {
				candidates = append(candidates, line.Price.LookupKey, line.Price.ID)
			}
		}
	}
	payload.PlanType = p.plans.Resolve(candidates...)
	return payload
}
