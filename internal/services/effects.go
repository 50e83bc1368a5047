// Package services связывает разбор событий, правила и хранилище подписок в операции сервиса.
package services

import (
	"context"
	"sync"
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/entitlement"
	"github.com/Dhoini/proposalkraft-billing/internal/kafka"
	"github.com/Dhoini/proposalkraft-billing/internal/models"
	"github.com/Dhoini/proposalkraft-billing/internal/notify"
	"github.com/Dhoini/proposalkraft-billing/internal/outbound"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// backgroundTimeout ограничивает фоновые задачи одного изменения
const backgroundTimeout = 3 * time.Minute

// OutboundDispatcher рассылка пользовательских вебхуков
type OutboundDispatcher interface {
	Dispatch(ctx context.Context, userID, eventType string, data any) error
}

// ChangeNotifier оповещает живые сессии пользователя
type ChangeNotifier interface {
	NotifyChanged(ctx context.Context, userID string)
}

// ProfileReader чтение профиля для адреса письма
type ProfileReader interface {
	GetByID(ctx context.Context, userID string) (*models.Profile, error)
}

// Change изменение строки подписки, после которого запускаются фоновые задачи
type Change struct {
	UserID   string
	Email    string
	Kind     domain.EventKind
	Provider domain.Provider
	EventID  string
	Before   *domain.Subscription
	After    *domain.Subscription
	// Repair запись из пути верификации: без пользовательских вебхуков и писем
	Repair bool
}

// SubscriptionView данные подписки в исходящих событиях
type SubscriptionView struct {
	UserID           string                    `json:"userId"`
	Status           domain.SubscriptionStatus `json:"status"`
	PlanType         domain.PlanType           `json:"planType,omitempty"`
	CurrentPeriodEnd *time.Time                `json:"currentPeriodEnd,omitempty"`
	Provider         domain.Provider           `json:"provider,omitempty"`
	Kind             domain.EventKind          `json:"kind"`
}

// Effects фоновые побочные эффекты изменения подписки.
// Ни одна задача не блокирует и не проваливает основной запрос; ошибки только логируются.
type Effects struct {
	producer kafka.Producer
	outbound OutboundDispatcher
	mailer   notify.Mailer
	notifier ChangeNotifier
	profiles ProfileReader
	log      *logger.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewEffects создает набор фоновых задач. Любая зависимость может быть nil.
func NewEffects(producer kafka.Producer, dispatcher OutboundDispatcher, mailer notify.Mailer,
	notifier ChangeNotifier, profiles ProfileReader, log *logger.Logger) *Effects {
	if producer == nil {
		log.Warnw("Kafka producer is nil, event publishing will be skipped.")
	}
	return &Effects{
		producer: producer,
		outbound: dispatcher,
		mailer:   mailer,
		notifier: notifier,
		profiles: profiles,
		log:      log.Named("effects"),
		now:      time.Now,
	}
}

// AfterChange запускает фоновые задачи. ctx запроса используется только как родитель для значений.
func (e *Effects) AfterChange(ctx context.Context, ch Change) {
	if e == nil || ch.After == nil {
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)

	var tasks sync.WaitGroup
	e.spawn(&tasks, func() { e.notifySessions(bg, ch) })
	e.spawn(&tasks, func() { e.publish(bg, ch) })
	if !ch.Repair {
		e.spawn(&tasks, func() { e.dispatch(bg, ch) })
		if ch.Kind == domain.EventActivated || ch.Kind == domain.EventPaymentCompleted {
			e.spawn(&tasks, func() { e.sendConfirmation(bg, ch) })
		}
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		tasks.Wait()
		cancel()
	}()
}

// Wait ждет завершения всех запущенных задач
func (e *Effects) Wait() {
	if e == nil {
		return
	}
	e.wg.Wait()
}

func (e *Effects) spawn(tasks *sync.WaitGroup, fn func()) {
	tasks.Add(1)
	go func() {
		defer tasks.Done()
		fn()
	}()
}

func (e *Effects) notifySessions(ctx context.Context, ch Change) {
	if e.notifier != nil {
		e.notifier.NotifyChanged(ctx, ch.UserID)
	}
}

func (e *Effects) publish(ctx context.Context, ch Change) {
	if e.producer == nil {
		return
	}
	event := kafka.SubscriptionChanged{
		UserID:                ch.UserID,
		Kind:                  ch.Kind,
		Provider:              ch.Provider,
		EventID:               ch.EventID,
		Status:                ch.After.Status,
		PlanType:              ch.After.PlanType,
		CurrentPeriodEnd:      ch.After.CurrentPeriodEnd,
		HasActiveSubscription: entitlement.IsActive(ch.After, e.now()),
		OccurredAt:            e.now().UTC(),
	}
	if err := e.producer.PublishSubscriptionChanged(ctx, event); err != nil {
		e.log.Errorw("Failed to publish subscription change", "userID", ch.UserID, "kind", ch.Kind, "error", err)
	}
}

func (e *Effects) dispatch(ctx context.Context, ch Change) {
	eventType := outbound.EventTypeFor(ch.Kind)
	if e.outbound == nil || eventType == "" {
		return
	}
	view := SubscriptionView{
		UserID:           ch.UserID,
		Status:           ch.After.Status,
		PlanType:         ch.After.PlanType,
		CurrentPeriodEnd: ch.After.CurrentPeriodEnd,
		Provider:         ch.Provider,
		Kind:             ch.Kind,
	}
	if err := e.outbound.Dispatch(ctx, ch.UserID, eventType, view); err != nil {
		e.log.Errorw("Failed to dispatch outbound webhooks", "userID", ch.UserID, "event", eventType, "error", err)
	}
}

func (e *Effects) sendConfirmation(ctx context.Context, ch Change) {
	if e.mailer == nil {
		return
	}
	email := ch.Email
	if email == "" && e.profiles != nil {
		profile, err := e.profiles.GetByID(ctx, ch.UserID)
		if err != nil {
			e.log.Warnw("No profile email for confirmation", "userID", ch.UserID, "error", err)
			return
		}
		email = profile.Email
	}
	err := e.mailer.SendConfirmation(ctx, notify.Confirmation{
		To:        email,
		Kind:      ch.Kind,
		PlanType:  ch.After.PlanType,
		PeriodEnd: ch.After.CurrentPeriodEnd,
	})
	if err != nil {
		e.log.Errorw("Failed to send confirmation", "userID", ch.UserID, "error", err)
	}
}
