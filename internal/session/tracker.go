// Package session хранит неизменяемый снимок {principal, entitlement} и рассылает его подписчикам.
package session

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

// ErrClosed трекер закрыт
var ErrClosed = errors.New("session: tracker closed")

// EntitlementSource вычисляет текущее решение о доступе для пользователя
type EntitlementSource interface {
	Current(ctx context.Context, principal domain.Principal) (domain.Entitlement, error)
}

// Snapshot неизменяемое состояние сессии. Копируется по значению.
type Snapshot struct {
	Principal          *domain.Principal
	Entitlement        domain.Entitlement
	AuthLoading        bool
	EntitlementLoading bool
	// Err ошибка последней загрузки, если решение еще ни разу не было получено
	Err     error
	Version uint64
	At      time.Time
}

// Loading true, пока не известны principal или entitlement
func (s Snapshot) Loading() bool {
	return s.AuthLoading || s.EntitlementLoading
}

func (s Snapshot) clone() Snapshot {
	if s.Principal != nil {
		p := *s.Principal
		s.Principal = &p
	}
	return s
}

// loadTimeout ограничивает общую загрузку, к которой могут присоединиться несколько запросов
const loadTimeout = 10 * time.Second

// Tracker держит текущий снимок одной сессии
type Tracker struct {
	source EntitlementSource
	log    *logger.Logger
	now    func() time.Time

	loads singleflight.Group

	mu      sync.Mutex
	snap    Snapshot
	loaded  bool
	subs    map[uint64]chan Snapshot
	nextSub uint64
	// gen меняется при смене пользователя и при Close; загрузки прошлого поколения отменяются
	gen     uint64
	genCtx  context.Context
	genStop context.CancelFunc
	// epoch растет в Reload; applied номер эпохи последней примененной загрузки
	epoch   uint64
	applied uint64
	closed  bool
}

// NewTracker создает трекер в состоянии "идет загрузка"
func NewTracker(source EntitlementSource, log *logger.Logger) *Tracker {
	t := &Tracker{
		source: source,
		log:    log,
		now:    time.Now,
		subs:   make(map[uint64]chan Snapshot),
	}
	t.genCtx, t.genStop = context.WithCancel(context.Background())
	t.snap = Snapshot{
		Entitlement:        domain.NoEntitlement(),
		AuthLoading:        true,
		EntitlementLoading: true,
		At:                 t.now(),
	}
	return t
}

// Snapshot возвращает копию текущего снимка
func (t *Tracker) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snap.clone()
}

// SetPrincipal фиксирует результат аутентификации. nil означает анонимного пользователя.
func (t *Tracker) SetPrincipal(p *domain.Principal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	next := t.snap
	next.AuthLoading = false
	if p == nil {
		t.nextGenLocked()
		t.loaded = false
		next.Principal = nil
		next.Entitlement = domain.NoEntitlement()
		next.EntitlementLoading = false
		next.Err = nil
	} else {
		pc := *p
		if !t.snap.AuthLoading && t.snap.Principal != nil && *t.snap.Principal == pc {
			return
		}
		if next.Principal == nil || next.Principal.UserID != pc.UserID {
			t.nextGenLocked()
			t.loaded = false
			next.Entitlement = domain.NoEntitlement()
			next.EntitlementLoading = true
			next.Err = nil
		}
		next.Principal = &pc
	}
	t.publishLocked(next)
}

// Refresh перечитывает entitlement и публикует новый снимок. Одновременные вызовы
// присоединяются к одной загрузке. Отмена ctx прерывает только ожидание вызывающего.
func (t *Tracker) Refresh(ctx context.Context) error {
	return t.refresh(ctx, false)
}

// Reload как Refresh, но не присоединяется к загрузке, начатой до вызова.
// Используется после записи в хранилище.
func (t *Tracker) Reload(ctx context.Context) error {
	return t.refresh(ctx, true)
}

func (t *Tracker) refresh(ctx context.Context, fresh bool) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.snap.Principal == nil {
		t.mu.Unlock()
		return nil
	}
	if fresh {
		t.epoch++
	}
	gen, epoch := t.gen, t.epoch
	genCtx := t.genCtx
	principal := *t.snap.Principal
	t.mu.Unlock()

	key := strconv.FormatUint(gen, 10) + ":" + strconv.FormatUint(epoch, 10)
	ch := t.loads.DoChan(key, func() (any, error) {
		return nil, t.load(genCtx, gen, epoch, principal)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) load(genCtx context.Context, gen, epoch uint64, principal domain.Principal) error {
	lctx, cancel := context.WithTimeout(genCtx, loadTimeout)
	defer cancel()
	ent, err := t.source.Current(lctx, principal)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if gen != t.gen {
		// пользователь сменился, пока шла загрузка
		return context.Canceled
	}
	if epoch < t.applied {
		// уже применен результат более поздней загрузки
		return err
	}

	next := t.snap
	if err != nil {
		t.log.Warnw("Failed to refresh entitlement", "userID", principal.UserID, "error", err)
		if t.loaded {
			return err
		}
		next.Err = err
		t.publishLocked(next)
		return err
	}

	t.applied = epoch
	t.loaded = true
	next.Entitlement = ent
	next.EntitlementLoading = false
	next.Err = nil
	t.publishLocked(next)
	return nil
}

// Subscribe возвращает канал снимков, начиная с текущего. Медленный подписчик получает
// только последний снимок. Функция отписки закрывает канал.
func (t *Tracker) Subscribe() (<-chan Snapshot, func()) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if t.closed {
		close(ch)
		return ch, func() {}
	}
	ch <- t.snap.clone()

	id := t.nextSub
	t.nextSub++
	t.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			if c, ok := t.subs[id]; ok {
				delete(t.subs, id)
				close(c)
			}
		})
	}
}

// Close отменяет загрузку и закрывает все каналы подписчиков
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	t.genStop()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

// nextGenLocked отменяет загрузки текущего поколения
func (t *Tracker) nextGenLocked() {
	t.genStop()
	t.gen++
	t.genCtx, t.genStop = context.WithCancel(context.Background())
}

func (t *Tracker) publishLocked(next Snapshot) {
	next.Version = t.snap.Version + 1
	next.At = t.now()
	t.snap = next

	for _, ch := range t.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next.clone()
	}
}
