// Package ingest разбирает вебхуки платежных систем в domain.ProviderEvent.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
)

// MaxBodyBytes предельный размер тела вебхука
const MaxBodyBytes = 64 << 10

// SharedSecretHeader заголовок с общим секретом вебхука
const SharedSecretHeader = "X-Webhook-Secret"

// Parser приводит тело вебхука провайдера к нормализованному событию.
// Неизвестные типы событий возвращаются с Kind == EventIgnored, а не ошибкой.
type Parser interface {
	Provider() domain.Provider
	Parse(body []byte, header http.Header) (*domain.ProviderEvent, error)
}

// Registry набор парсеров по провайдерам с опциональными общими секретами
type Registry struct {
	mu      sync.RWMutex
	parsers map[domain.Provider]Parser
	secrets map[domain.Provider]string
	now     func() time.Time
}

// NewRegistry создает пустой реестр
func NewRegistry() *Registry {
	return &Registry{
		parsers: make(map[domain.Provider]Parser),
		secrets: make(map[domain.Provider]string),
		now:     time.Now,
	}
}

// Register добавляет парсер; secret проверяется по заголовку X-Webhook-Secret, если не пуст
func (r *Registry) Register(p Parser, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.parsers[p.Provider()] = p
	if secret != "" {
		r.secrets[p.Provider()] = secret
	}
}

// Providers возвращает зарегистрированных провайдеров
func (r *Registry) Providers() []domain.Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Provider, 0, len(r.parsers))
	for p := range r.parsers {
		out = append(out, p)
	}
	return out
}

// Parse проверяет секрет и разбирает тело вебхука провайдера
func (r *Registry) Parse(provider domain.Provider, body []byte, header http.Header) (*domain.ProviderEvent, error) {
	r.mu.RLock()
	p, ok := r.parsers[provider]
	secret := r.secrets[provider]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownProvider, provider)
	}
	if secret != "" && !hmac.Equal([]byte(header.Get(SharedSecretHeader)), []byte(secret)) {
		return nil, fmt.Errorf("%w: shared secret mismatch", domain.ErrWebhookValidationFailed)
	}

	event, err := p.Parse(body, header)
	if err != nil {
		return nil, err
	}
	event.Provider = provider
	if event.EventID == "" {
		event.EventID = bodyDigest(body)
	}
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = r.now().UTC()
	}
	return event, nil
}

// bodyDigest стабильный идентификатор для событий без собственного ID
func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:16])
}

func parseRFC3339(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
