package paypal

import (
	"context"
	"errors"
	"net/http"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
)

// Verifier проверяет подписку PayPal Billing по внешнему ID из хранилища.
// PayPal не ищет подписки по email, поэтому без ID ответ пустой.
type Verifier struct {
	client *Client
	plans  *providers.PlanResolver
}

// NewVerifier создает верификатор PayPal
func NewVerifier(client *Client, plans *providers.PlanResolver) *Verifier {
	return &Verifier{client: client, plans: plans}
}

// Provider возвращает имя провайдера
func (v *Verifier) Provider() domain.Provider {
	return domain.ProviderPayPal
}

// Verify запрашивает подписку и приводит ее к ProviderAnswer
func (v *Verifier) Verify(ctx context.Context, req providers.LookupRequest) (*domain.ProviderAnswer, error) {
	if req.ExternalSubscriptionID == "" || !v.client.Configured() {
		return nil, nil
	}

	sub, err := v.client.GetSubscription(ctx, req.ExternalSubscriptionID)
	if err != nil {
		var ext *domain.ExternalServiceError
		if errors.As(err, &ext) && ext.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		return nil, err
	}
	return answerFromSubscription(sub, v.plans), nil
}

func answerFromSubscription(sub *Subscription, plans *providers.PlanResolver) *domain.ProviderAnswer {
	answer := &domain.ProviderAnswer{
		Provider:               domain.ProviderPayPal,
		Status:                 domain.SubscriptionStatusCancelled,
		PlanType:               plans.Resolve(sub.PlanID),
		CurrentPeriodEnd:       sub.NextBillingTime,
		ExternalSubscriptionID: sub.ID,
	}
	switch sub.Status {
	case "ACTIVE":
		answer.Status = domain.SubscriptionStatusActive
		answer.ActiveFlag = true
	case "APPROVAL_PENDING", "APPROVED":
		answer.Status = domain.SubscriptionStatusPending
	}
	return answer
}
