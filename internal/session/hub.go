package session

import (
	"context"
	"sync"

	"github.com/Dhoini/proposalkraft-billing/internal/domain"
	"github.com/Dhoini/proposalkraft-billing/pkg/logger"
)

type hubEntry struct {
	tracker *Tracker
	refs    int
}

// Hub разделяет трекеры между запросами и потоками одного пользователя.
// Трекер живет, пока на него есть ссылки.
type Hub struct {
	source EntitlementSource
	log    *logger.Logger

	mu       sync.Mutex
	trackers map[string]*hubEntry
}

// NewHub создает Hub
func NewHub(source EntitlementSource, log *logger.Logger) *Hub {
	return &Hub{source: source, log: log, trackers: make(map[string]*hubEntry)}
}

// Acquire возвращает трекер пользователя и функцию освобождения
func (h *Hub) Acquire(principal domain.Principal) (*Tracker, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry, ok := h.trackers[principal.UserID]
	if !ok {
		entry = &hubEntry{tracker: NewTracker(h.source, h.log)}
		h.trackers[principal.UserID] = entry
	}
	entry.refs++
	entry.tracker.SetPrincipal(&principal)

	var once sync.Once
	return entry.tracker, func() {
		once.Do(func() { h.release(principal.UserID, entry) })
	}
}

func (h *Hub) release(userID string, entry *hubEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	entry.refs--
	if entry.refs > 0 {
		return
	}
	if cur, ok := h.trackers[userID]; ok && cur == entry {
		delete(h.trackers, userID)
	}
	entry.tracker.Close()
}

// Active число пользователей с живыми трекерами
func (h *Hub) Active() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.trackers)
}

// NotifyChanged перечитывает entitlement пользователя, если у него есть живой трекер
func (h *Hub) NotifyChanged(ctx context.Context, userID string) {
	h.mu.Lock()
	entry, ok := h.trackers[userID]
	h.mu.Unlock()
	if !ok {
		return
	}
	if err := entry.tracker.Reload(ctx); err != nil && ctx.Err() == nil {
		h.log.Debugw("Session refresh after change did not complete", "userID", userID, "error", err)
	}
}

// Close закрывает все трекеры
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, entry := range h.trackers {
		entry.tracker.Close()
		delete(h.trackers, id)
	}
}
