package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const (
	// Ключ метаданных для связи Stripe Customer с нашим UserID
	metadataUserIDKey = "user_id"
	// Ключ метаданных подписки с явным тарифом
	metadataPlanKey = "plan_type"
)

// Verifier ищет подписки пользователя в Stripe
type Verifier struct {
	client *client.API
	plans  *providers.PlanResolver
	log    *logger.Logger
	ready  bool
}

// NewVerifier создает верификатор Stripe. backends можно передать nil.
func NewVerifier(apiKey string, backends *stripe.Backends, plans *providers.PlanResolver, log *logger.Logger) *Verifier {
	sc := &client.API{}
	sc.Init(apiKey, backends)
	return &Verifier{client: sc, plans: plans, log: log, ready: apiKey != ""}
}

// Provider возвращает имя провайдера
func (v *Verifier) Provider() domain.Provider {
	return domain.ProviderStripe
}

// Verify находит клиента по user_id в метаданных или email и возвращает лучшую из его подписок
func (v *Verifier) Verify(ctx context.Context, req providers.LookupRequest) (*domain.ProviderAnswer, error) {
	if !v.ready || (req.UserID == "" && req.Email == "") {
		return nil, nil
	}

	customerIDs, err := v.findCustomers(ctx, req)
	if err != nil {
		return nil, err
	}

	var best *domain.ProviderAnswer
	for _, customerID := range customerIDs {
		params := &stripe.SubscriptionListParams{
			Customer: stripe.String(customerID),
			Status:   stripe.String("all"),
		}
		params.Context = ctx
		params.Limit = stripe.Int64(10)

		iter := v.client.Subscriptions.List(params)
		for iter.Next() {
			answer := answerFromSubscription(iter.Subscription(), v.plans)
			if best == nil || (answer.ActiveFlag && !best.ActiveFlag) {
				best = answer
			}
		}
		if err := iter.Err(); err != nil {
			logStripeError(v.log, "ListSubscriptions", err)
			return nil, wrapStripeError(err)
		}
	}
	return best, nil
}

func (v *Verifier) findCustomers(ctx context.Context, req providers.LookupRequest) ([]string, error) {
	var clauses []string
	if req.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("metadata['%s']:'%s'", metadataUserIDKey, escapeQuery(req.UserID)))
	}
	if req.Email != "" {
		clauses = append(clauses, fmt.Sprintf("email:'%s'", escapeQuery(req.Email)))
	}

	searchParams := &stripe.CustomerSearchParams{
		SearchParams: stripe.SearchParams{
			Query:   strings.Join(clauses, " OR "),
			Limit:   stripe.Int64(5),
			Context: ctx,
		},
	}

	var ids []string
	customers := v.client.Customers.Search(searchParams)
	for customers.Next() {
		ids = append(ids, customers.Customer().ID)
	}
	if err := customers.Err(); err != nil {
		logStripeError(v.log, "SearchCustomers", err)
		return nil, wrapStripeError(err)
	}
	v.log.Debugw("Stripe customers found", "count", len(ids), "userID", req.UserID)
	return ids, nil
}

// answerFromSubscription приводит подписку Stripe к ProviderAnswer
func answerFromSubscription(sub *stripe.Subscription, plans *providers.PlanResolver) *domain.ProviderAnswer {
	answer := &domain.ProviderAnswer{
		Provider:               domain.ProviderStripe,
		ExternalSubscriptionID: sub.ID,
		PlanType:               plans.Resolve(planCandidates(sub)...),
	}
	if sub.CurrentPeriodEnd > 0 {
		end := time.Unix(sub.CurrentPeriodEnd, 0).UTC()
		answer.CurrentPeriodEnd = &end
	}

	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		answer.Status = domain.SubscriptionStatusActive
		answer.ActiveFlag = true
	case stripe.SubscriptionStatusIncomplete:
		answer.Status = domain.SubscriptionStatusPending
	default:
		answer.Status = domain.SubscriptionStatusCancelled
	}
	// отмена в конце периода приходит вебхуком как cancelled, ответ должен совпадать
	if sub.CancelAtPeriodEnd {
		answer.Status = domain.SubscriptionStatusCancelled
		answer.ActiveFlag = false
	}
	return answer
}

func planCandidates(sub *stripe.Subscription) []string {
	candidates := []string{sub.Metadata[metadataPlanKey]}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item.Price == nil {
				continue
			}
			candidates = append(candidates, item.Price.Metadata[metadataPlanKey], item.Price.LookupKey, item.Price.ID)
		}
	}
	return candidates
}

func escapeQuery(s string) string {
	return strings.ReplaceAll(s, "'", `\'`)
}

func wrapStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return domain.NewExternalServiceError("stripe", string(stripeErr.Code), stripeErr.Msg, stripeErr.HTTPStatusCode, err)
	}
	return domain.NewExternalServiceError("stripe", "request_failed", "request to Stripe failed", 0, err)
}

// logStripeError логирует детали ошибки Stripe.
func logStripeError(log *logger.Logger, operation string, err error) {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		log.Errorw("Stripe API error",
			"operation", operation,
			"type", string(stripeErr.Type),
			"code", string(stripeErr.Code),
			"message", stripeErr.Msg,
			"request_id", stripeErr.RequestID,
			"status_code", stripeErr.HTTPStatusCode,
		)
		return
	}
	log.Errorw("Non-Stripe error during Stripe operation", "operation", operation, "error", err)
}
