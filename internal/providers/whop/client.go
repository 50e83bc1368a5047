package whop

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/internal/providers"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const serviceName = "whop"

// Config параметры API Whop
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Membership членство Whop
type Membership struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Valid             bool              `json:"valid"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Plan              string            `json:"plan"`
	Product           string            `json:"product"`
	Email             string            `json:"email"`
	RenewalPeriodEnd  int64             `json:"renewal_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// PeriodEnd конец оплаченного периода, если Whop его вернул
func (m *Membership) PeriodEnd() *time.Time {
	if m.RenewalPeriodEnd <= 0 {
		return nil
	}
	t := time.Unix(m.RenewalPeriodEnd, 0).UTC()
	return &t
}

// Client клиент API Whop v2
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

// NewClient создает клиента Whop
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

// Configured сообщает, задан ли API-ключ
func (c *Client) Configured() bool {
	return c.cfg.APIKey != ""
}

// ListMembershipsByEmail возвращает членства покупателя с данным email
func (c *Client) ListMembershipsByEmail(ctx context.Context, email string) ([]Membership, error) {
	endpoint := c.cfg.BaseURL + "/api/v2/memberships?" + url.Values{"email": {email}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("whop: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, domain.NewExternalServiceError(serviceName, "request_failed", "request to Whop failed", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warnw("Whop API returned non-OK status", "status", resp.StatusCode)
		return nil, domain.NewExternalServiceError(serviceName, http.StatusText(resp.StatusCode), "Whop API returned an error", resp.StatusCode, nil)
	}

	var body struct {
		Data []Membership `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, domain.NewExternalServiceError(serviceName, "decode_failed", "unexpected Whop response", resp.StatusCode, err)
	}
	return body.Data, nil
}

// Verifier ищет действующее членство по email
type Verifier struct {
	client *Client
	plans  *providers.PlanResolver
}

// NewVerifier создает верификатор Whop
func NewVerifier(client *Client, plans *providers.PlanResolver) *Verifier {
	return &Verifier{client: client, plans: plans}
}

// Provider возвращает имя провайдера
func (v *Verifier) Provider() domain.Provider {
	return domain.ProviderWhop
}

// Verify выбирает лучшее членство: действующее с самым поздним концом периода
func (v *Verifier) Verify(ctx context.Context, req providers.LookupRequest) (*domain.ProviderAnswer, error) {
	if req.Email == "" || !v.client.Configured() {
		return nil, nil
	}

	memberships, err := v.client.ListMembershipsByEmail(ctx, req.Email)
	if err != nil {
		return nil, err
	}

	var best *domain.ProviderAnswer
	for i := range memberships {
		answer := v.answerFromMembership(&memberships[i])
		if best == nil || better(answer, best) {
			best = answer
		}
	}
	return best, nil
}

func (v *Verifier) answerFromMembership(m *Membership) *domain.ProviderAnswer {
	answer := &domain.ProviderAnswer{
		Provider:               domain.ProviderWhop,
		ActiveFlag:             m.Valid,
		PlanType:               v.plans.Resolve(m.Metadata["plan_type"], m.Plan, m.Product),
		CurrentPeriodEnd:       m.PeriodEnd(),
		ExternalSubscriptionID: m.ID,
	}
	switch m.Status {
	case "active", "trialing", "completed":
		answer.Status = domain.SubscriptionStatusActive
	case "drafted", "pending":
		answer.Status = domain.SubscriptionStatusPending
	default:
		answer.Status = domain.SubscriptionStatusCancelled
	}
	// вебхук membership.cancel_at_period_end_changed уже отменил подписку
	if m.CancelAtPeriodEnd {
		answer.Status = domain.SubscriptionStatusCancelled
		answer.ActiveFlag = false
	}
	return answer
}

func better(a, b *domain.ProviderAnswer) bool {
	if a.ActiveFlag != b.ActiveFlag {
		return a.ActiveFlag
	}
	if a.CurrentPeriodEnd == nil {
		return false
	}
	return b.CurrentPeriodEnd == nil || a.CurrentPeriodEnd.After(*b.CurrentPeriodEnd)
}
