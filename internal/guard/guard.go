// Package guard решает, пускать ли пользователя к защищенному ресурсу.
package guard

import (
	"context"
	"net/url"
	"strings"

	"github.com/Dhoini/proposalkraft-billing/internal/session"
)

// State состояние защитника маршрута
type State string

const (
	StateResolving       State = "RESOLVING"
	StateAuthorized      State = "AUTHORIZED"
	StateRedirectAuth    State = "REDIRECT_AUTH"
	StateRedirectBilling State = "REDIRECT_BILLING"
)

// Decision результат проверки для запрошенного адреса
type Decision struct {
	State State `json:"state"`
	// Location адрес перенаправления для REDIRECT_*; пусто для остальных состояний
	Location string `json:"location,omitempty"`
	Version  uint64 `json:"version"`
}

// Paths адреса перенаправления
type Paths struct {
	SignIn  string
	Pricing string
}

// Guard чистая функция решения поверх снимка сессии
type Guard struct {
	paths Paths
}

// New создает Guard
func New(paths Paths) *Guard {
	if paths.SignIn == "" {
		paths.SignIn = "/auth"
	}
	if paths.Pricing == "" {
		paths.Pricing = "/pricing"
	}
	return &Guard{paths: paths}
}

// Decide вычисляет решение по снимку. Пока идет загрузка, перенаправлений нет.
func (g *Guard) Decide(s session.Snapshot, location string) Decision {
	d := Decision{Version: s.Version}
	switch {
	case s.Loading():
		d.State = StateResolving
	case s.Principal == nil:
		d.State = StateRedirectAuth
		d.Location = g.signInURL(location)
	case !s.Entitlement.HasActiveSubscription:
		d.State = StateRedirectBilling
		d.Location = g.paths.Pricing
	default:
		d.State = StateAuthorized
	}
	return d
}

func (g *Guard) signInURL(location string) string {
	if location == "" {
		return g.paths.SignIn
	}
	sep := "?"
	if strings.Contains(g.paths.SignIn, "?") {
		sep = "&"
	}
	return g.paths.SignIn + sep + url.Values{"redirect": {location}}.Encode()
}

// Subscriber источник снимков сессии
type Subscriber interface {
	Subscribe() (<-chan session.Snapshot, func())
}

// Watch пересчитывает решение при каждом изменении снимка и отправляет его,
// если состояние или адрес изменились. Канал закрывается при отмене ctx или закрытии источника.
func (g *Guard) Watch(ctx context.Context, src Subscriber, location string) <-chan Decision {
	out := make(chan Decision, 1)
	snapshots, unsubscribe := src.Subscribe()

	go func() {
		defer close(out)
		defer unsubscribe()

		var last *Decision
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-snapshots:
				if !ok {
					return
				}
				d := g.Decide(s, location)
				if last != nil && last.State == d.State && last.Location == d.Location {
					continue
				}
				last = &d
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
