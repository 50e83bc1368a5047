package paypal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

const serviceName = "paypal"

// Config параметры REST API PayPal
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client клиент REST API PayPal (OAuth client credentials)
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewClient создает клиента PayPal
func NewClient(cfg Config, log *logger.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  log,
	}
}

// Configured сообщает, заданы ли учетные данные
func (c *Client) Configured() bool {
	return c.cfg.ClientID != "" && c.cfg.ClientSecret != ""
}

// Capture результат захвата заказа
type Capture struct {
	OrderID    string
	Status     string
	CaptureID  string
	PayerEmail string
	// CustomID внутренний user_id, переданный при создании заказа
	CustomID string
}

// Completed сообщает, что платеж прошел
func (c *Capture) Completed() bool {
	return c.Status == "COMPLETED"
}

// Owner пользователь и тариф из custom_id заказа
func (c *Capture) Owner() (userID, plan string) {
	return SplitCustomID(c.CustomID)
}

// SplitCustomID разбирает custom_id вида "userID" или "userID:plan"
func SplitCustomID(s string) (userID, plan string) {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, ':'); i > 0 {
		return s[:i], s[i+1:]
	}
	return s, ""
}

// CaptureEventID ключ дедупликации захвата. Общий для ответа CaptureOrder
// и вебхука PAYMENT.CAPTURE.COMPLETED с тем же resource.id.
func CaptureEventID(captureID string) string {
	return "capture:" + captureID
}

// Subscription подписка PayPal Billing
type Subscription struct {
	ID              string
	Status          string
	PlanID          string
	CustomID        string
	SubscriberEmail string
	NextBillingTime *time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Payer  struct {
		EmailAddress string `json:"email_address"`
	} `json:"payer"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id"`
		Payments struct {
			Captures []struct {
				ID       string `json:"id"`
				Status   string `json:"status"`
				CustomID string `json:"custom_id"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type subscriptionResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PlanID     string `json:"plan_id"`
	CustomID   string `json:"custom_id"`
	Subscriber struct {
		EmailAddress string `json:"email_address"`
	} `json:"subscriber"`
	BillingInfo struct {
		NextBillingTime string `json:"next_billing_time"`
	} `json:"billing_info"`
}

// CaptureOrder захватывает одобренный покупателем заказ
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	var resp orderResponse
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	if err := c.do(ctx, http.MethodPost, path, strings.NewReader("{}"), &resp); err != nil {
		return nil, err
	}

	capture := &Capture{
		OrderID:    resp.ID,
		Status:     resp.Status,
		PayerEmail: resp.Payer.EmailAddress,
	}
	for _, pu := range resp.PurchaseUnits {
		if capture.CustomID == "" {
			capture.CustomID = pu.CustomID
		}
		for _, cp := range pu.Payments.Captures {
			if capture.CaptureID == "" {
				capture.CaptureID = cp.ID
			}
			if capture.CustomID == "" {
				capture.CustomID = cp.CustomID
			}
		}
	}

	c.log.Infow("PayPal order captured", "orderID", capture.OrderID, "status", capture.Status)
	return capture, nil
}

// GetSubscription возвращает подписку Billing по ID
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var resp subscriptionResponse
	if err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), nil, &resp); err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:              resp.ID,
		Status:          resp.Status,
		PlanID:          resp.PlanID,
		CustomID:        resp.CustomID,
		SubscriberEmail: resp.Subscriber.EmailAddress,
	}
	if t, err := time.Parse(time.RFC3339, resp.BillingInfo.NextBillingTime); err == nil {
		sub.NextBillingTime = &t
	}
	return sub, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("paypal: failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewExternalServiceError(serviceName, "request_failed", "request to PayPal failed", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		c.resetToken()
	}
	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewExternalServiceError(serviceName, "decode_failed", "unexpected PayPal response", resp.StatusCode, err)
	}
	return nil
}

// accessToken возвращает кешированный токен или получает новый с повторами
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}
	if !c.Configured() {
		return "", domain.NewExternalServiceError(serviceName, "not_configured", "PayPal credentials are not configured", 0, nil)
	}

	var tr tokenResponse
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/oauth2/token",
			strings.NewReader(url.Values{"grant_type": {"client_credentials"}}.Encode()))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 500 {
			return statusError(resp)
		}
		if resp.StatusCode >= 300 {
			return backoff.Permanent(statusError(resp))
		}
		return json.NewDecoder(resp.Body).Decode(&tr)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		c.log.Errorw("Failed to obtain PayPal access token", "error", err)
		var ext *domain.ExternalServiceError
		if errors.As(err, &ext) {
			return "", ext
		}
		return "", domain.NewExternalServiceError(serviceName, "auth_failed", "PayPal authentication failed", 0, err)
	}

	c.token = tr.AccessToken
	// обновляем токен за минуту до истечения
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - time.Minute)
	return c.token, nil
}

func (c *Client) resetToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

func statusError(resp *http.Response) error {
	var payload struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&payload)

	code := payload.Name
	if code == "" {
		code = payload.Error
	}
	if code == "" {
		code = http.StatusText(resp.StatusCode)
	}
	return domain.NewExternalServiceError(serviceName, code, "PayPal API returned an error", resp.StatusCode, nil)
}
