package services

import (
	"context"
	"fmt"
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/metrics"
	"github.com/Dhoini/proposalkraft-billing/internal/providers/paypal"
	"github.com/Dhoini/proposalkraft-billing/internal/reconcile"
	"github.com/Dhoini/proposalkraft-billing/internal/repository"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// OrderCapturer захват заказа PayPal
type OrderCapturer interface {
	CaptureOrder(ctx context.Context, orderID string) (*paypal.Capture, error)
}

// CaptureRequest тело запроса захвата
type CaptureRequest struct {
	OrderID  string `json:"orderId" validate:"required,max=64"`
	PlanType string `json:"planType" validate:"omitempty,oneof=freelance agency enterprise dealcloser"`
}

// CaptureResult ответ захвата
type CaptureResult struct {
	OrderID   string `json:"orderId"`
	CaptureID string `json:"captureId,omitempty"`
	Status    string `json:"status"`
	// Recorded false, если платеж прошел, а запись в хранилище не удалась
	Recorded bool `json:"recorded"`
}

// CaptureService проводит разовый платеж PayPal и открывает 30-дневный период
type CaptureService struct {
	paypal  OrderCapturer
	subs    repository.SubscriptionRepository
	rules   reconcile.Rules
	effects *Effects
	metrics metrics.BillingMetrics
	log     *logger.Logger
	now     func() time.Time
}

// NewCaptureService создает CaptureService
func NewCaptureService(pp OrderCapturer, subs repository.SubscriptionRepository, rules reconcile.Rules,
	effects *Effects, m metrics.BillingMetrics, log *logger.Logger) *CaptureService {
	if m == nil {
		m = metrics.Nop{}
	}
	return &CaptureService{
		paypal:  pp,
		subs:    subs,
		rules:   rules,
		effects: effects,
		metrics: m,
		log:     log.Named("capture"),
		now:     time.Now,
	}
}

// Capture захватывает заказ. Сбой записи в хранилище после успешного платежа
// только логируется: пользователь уже заплатил.
func (s *CaptureService) Capture(ctx context.Context, principal domain.Principal, req CaptureRequest) (*CaptureResult, error) {
	capture, err := s.paypal.CaptureOrder(ctx, req.OrderID)
	if err != nil {
		s.log.Errorw("PayPal capture failed", "orderID", req.OrderID, "userID", principal.UserID, "error", err)
		return nil, fmt.Errorf("services: capture order: %w", err)
	}

	result := &CaptureResult{OrderID: capture.OrderID, CaptureID: capture.CaptureID, Status: capture.Status}
	if !capture.Completed() {
		s.log.Warnw("PayPal order not completed", "orderID", req.OrderID, "status", capture.Status)
		return result, domain.ErrPaymentNotCompleted
	}

	owner, orderPlan := capture.Owner()
	if owner != "" && owner != principal.UserID {
		s.log.Warnw("PayPal order belongs to another user",
			"orderID", capture.OrderID, "captureID", capture.CaptureID, "userID", principal.UserID, "owner", owner)
		return result, domain.ErrOrderOwnershipMismatch
	}
	// тариф из заказа важнее тарифа, присланного клиентом
	plan := domain.ParsePlanType(orderPlan)
	if plan == "" {
		plan = domain.ParsePlanType(req.PlanType)
	} else if req.PlanType != "" && domain.ParsePlanType(req.PlanType) != plan {
		s.log.Warnw("Requested plan differs from the order plan, using the order plan",
			"orderID", capture.OrderID, "requested", req.PlanType, "order", orderPlan)
	}

	// вебхук PAYMENT.CAPTURE.COMPLETED того же платежа дедуплицируется по этому ключу
	eventID := paypal.CaptureEventID(firstNonEmpty(capture.CaptureID, capture.OrderID))
	ev := &domain.ProviderEvent{
		Provider:  domain.ProviderPayPal,
		EventID:   eventID,
		EventType: "CHECKOUT.ORDER.CAPTURE",
		Kind:      domain.EventPaymentCompleted,
		Payload: domain.EventPayload{
			UserID:   principal.UserID,
			Email:    principal.Email,
			PlanType: plan,
		},
		ReceivedAt: s.now(),
	}

	res, err := s.subs.Mutate(ctx, repository.Mutation{
		UserID:   principal.UserID,
		Provider: ev.Provider,
		EventID:  ev.EventID,
		Kind:     ev.Kind,
		Apply:    s.rules.ApplyFunc(ev, s.now()),
	})
	if err != nil {
		s.metrics.IncMutation(string(ev.Kind), "failed")
		s.log.Errorw("Payment captured but subscription write failed",
			"orderID", capture.OrderID, "captureID", capture.CaptureID, "userID", principal.UserID, "error", err)
		return result, nil
	}

	result.Recorded = true
	if res.Changed {
		s.metrics.IncMutation(string(ev.Kind), "updated")
		s.log.Infow("Subscription activated from PayPal capture", "orderID", capture.OrderID, "userID", principal.UserID)
		s.effects.AfterChange(ctx, Change{
			UserID:   principal.UserID,
			Email:    firstNonEmpty(principal.Email, capture.PayerEmail),
			Kind:     ev.Kind,
			Provider: ev.Provider,
			EventID:  ev.EventID,
			Before:   res.Before,
			After:    res.Subscription,
		})
	}
	return result, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
