package ingest

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
)

var whopKinds = map[string]domain.EventKind{
	"membership.went_valid":                   domain.EventActivated,
	"membership.renewed":                      domain.EventRenewed,
	"payment.succeeded":                       domain.EventRenewed,
	"membership.went_invalid":                 domain.EventInvalidated,
	"membership.cancel_at_period_end_changed": domain.EventCancelled,
}

type whopEnvelope struct {
	ID     string   `json:"id"`
	Action string   `json:"action"`
	Data   whopData `json:"data"`
}

type whopData struct {
	ID                 string            `json:"id"`
	Membership         json.RawMessage   `json:"membership"`
	MembershipID       string            `json:"membership_id"`
	Email              string            `json:"email"`
	UserEmail          string            `json:"user_email"`
	Plan               string            `json:"plan"`
	Product            string            `json:"product"`
	RenewalPeriodStart int64             `json:"renewal_period_start"`
	RenewalPeriodEnd   int64             `json:"renewal_period_end"`
	CancelAtPeriodEnd  *bool             `json:"cancel_at_period_end"`
	Metadata           map[string]string `json:"metadata"`
}

// WhopParser разбирает конверт {action, data}
type WhopParser struct {
	plans *providers.PlanResolver
}

// NewWhopParser создает парсер Whop
func NewWhopParser(plans *providers.PlanResolver) *WhopParser {
	return &WhopParser{plans: plans}
}

// Provider возвращает имя провайдера
func (p *WhopParser) Provider() domain.Provider {
	return domain.ProviderWhop
}

// Parse нормализует событие Whop
func (p *WhopParser) Parse(body []byte, _ http.Header) (*domain.ProviderEvent, error) {
	var env whopEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedEvent, err)
	}
	if env.Action == "" {
		return nil, fmt.Errorf("%w: missing action", domain.ErrMalformedEvent)
	}

	event := &domain.ProviderEvent{EventID: env.ID, EventType: env.Action, Kind: domain.EventIgnored}
	kind, ok := whopKinds[env.Action]
	if !ok {
		return event, nil
	}
	// снятие флага отмены не является отменой
	if kind == domain.EventCancelled && env.Data.CancelAtPeriodEnd != nil && !*env.Data.CancelAtPeriodEnd {
		return event, nil
	}
	event.Kind = kind

	d := env.Data
	membershipID := d.ID
	if env.Action == "payment.succeeded" {
		membershipID = firstNonEmpty(rawID(d.Membership), d.MembershipID)
	}

	event.Payload = domain.EventPayload{
		UserID:                 d.Metadata["user_id"],
		Email:                  firstNonEmpty(d.Email, d.UserEmail),
		ExternalSubscriptionID: membershipID,
		PlanType:               p.plans.Resolve(d.Metadata["plan_type"], d.Plan, d.Product),
		PeriodStart:            unixPtr(d.RenewalPeriodStart),
		PeriodEnd:              unixPtr(d.RenewalPeriodEnd),
	}
	return event, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// rawID извлекает ID из строки или объекта {"id": ...}
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return id
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.ID
	}
	return ""
}
