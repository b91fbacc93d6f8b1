package session

import (
	"context"
	"sync"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/sync/errgroup"
)

// Event names a session lifecycle transition hooks can observe.
type Event string

const (
	// EventFetch fires when a session is read through the session API.
	EventFetch Event = "fetch"
	// EventClear fires when a session is terminated.
	EventClear Event = "clear"
	// EventRefresh fires when a session is renewed.
	EventRefresh Event = "refresh"
)

// Hook observes a session transition. Hooks are observational, not
// transactional participants: a hook error is logged but never aborts the
// primary operation or the other hooks.
type Hook func(ctx context.Context, s *UserSession) error

// Hooks is a typed list of subscribed callbacks per lifecycle event,
// invoked as a parallel fan-out with no ordering guarantee. Registration
// and dispatch are concurrently safe.
type Hooks struct {
	mu          sync.RWMutex
	subscribers map[Event][]Hook
}

// NewHooks creates an empty Hooks registry.
func NewHooks() *Hooks {
	return &Hooks{subscribers: map[Event][]Hook{}}
}

// OnFetch subscribes fn to session reads.
func (h *Hooks) OnFetch(fn Hook) { h.subscribe(EventFetch, fn) }

// OnClear subscribes fn to session terminations.
func (h *Hooks) OnClear(fn Hook) { h.subscribe(EventClear, fn) }

// OnRefresh subscribes fn to session renewals.
func (h *Hooks) OnRefresh(fn Hook) { h.subscribe(EventRefresh, fn) }

func (h *Hooks) subscribe(event Event, fn Hook) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[event] = append(h.subscribers[event], fn)
}

// Dispatch runs every subscriber for the event in parallel and waits for
// all of them to finish before returning. Each subscriber's failure is
// logged and isolated from the others.
func (h *Hooks) Dispatch(ctx context.Context, event Event, s *UserSession, logger hclog.Logger) {
	h.mu.RLock()
	subscribers := make([]Hook, len(h.subscribers[event]))
	copy(subscribers, h.subscribers[event])
	h.mu.RUnlock()
	if len(subscribers) == 0 {
		return
	}

	var g errgroup.Group
	for _, fn := range subscribers {
		fn := fn
		g.Go(func() error {
			if err := fn(ctx, s); err != nil {
				if logger != nil {
					logger.Warn("session hook failed", "event", string(event), "error", err)
				}
			}
			// hook failures never propagate
			return nil
		})
	}
	_ = g.Wait()
}
