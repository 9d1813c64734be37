// Package bus provides in-process publish/dispatch of run events to live
// subscribers. Three implementations share one subscription contract: a
// synchronous bus for directly-invoked runs, an asynchronous bus for
// long-lived services (see async.go), and a null bus that discards
// everything when no observation is required.
package bus

import (
	"log/slog"
	"sync"

	"github.com/lirancohen/scribe/event"
)

// Handler receives a published event. A non-nil error is logged by the bus;
// it does not stop dispatch to other handlers.
type Handler func(e event.Event) error

// Bus is the subscription and publish contract shared by all bus variants.
type Bus interface {
	// Subscribe registers a handler and returns its subscription ID.
	Subscribe(h Handler, opts ...SubscribeOption) int

	// Unsubscribe removes a subscription. Unknown IDs are ignored.
	Unsubscribe(id int)

	// Publish delivers an event to matching subscribers. The synchronous
	// bus dispatches inline before returning; the asynchronous bus
	// enqueues and returns immediately.
	Publish(e event.Event)
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithTypes restricts a subscription to the given event types.
// Without it, the handler receives every event.
func WithTypes(types ...event.Type) SubscribeOption {
	return func(s *subscription) {
		s.types = make(map[event.Type]struct{}, len(types))
		for _, t := range types {
			s.types[t] = struct{}{}
		}
	}
}

// Async marks the handler to run concurrently with other async handlers on
// the asynchronous bus. The synchronous bus runs every handler inline, so
// the marker only affects scheduling there, never delivery.
func Async() SubscribeOption {
	return func(s *subscription) {
		s.async = true
	}
}

type subscription struct {
	id      int
	handler Handler
	types   map[event.Type]struct{} // nil = all types
	async   bool
}

// matches reports whether the subscription wants events of this type.
func (s *subscription) matches(t event.Type) bool {
	if s.types == nil {
		return true
	}
	_, ok := s.types[t]
	return ok
}

// registry holds subscriptions in registration order.
// Safe for concurrent use.
type registry struct {
	mu     sync.RWMutex
	nextID int
	subs   []*subscription
}

func (r *registry) subscribe(h Handler, opts ...SubscribeOption) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	sub := &subscription{id: r.nextID, handler: h}
	for _, opt := range opts {
		opt(sub)
	}
	r.subs = append(r.subs, sub)
	return sub.id
}

func (r *registry) unsubscribe(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}

// snapshot returns the current subscriptions in registration order.
func (r *registry) snapshot() []*subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*subscription, len(r.subs))
	copy(out, r.subs)
	return out
}

// SyncBus dispatches events immediately on the publishing goroutine:
// Publish calls every matching handler in registration order before
// returning. Used when a run executes directly in the calling thread.
type SyncBus struct {
	registry
	logger *slog.Logger
}

// NewSync creates a synchronous bus. A nil logger defaults to slog.Default.
func NewSync(logger *slog.Logger) *SyncBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncBus{logger: logger}
}

// Subscribe registers a handler.
func (b *SyncBus) Subscribe(h Handler, opts ...SubscribeOption) int {
	return b.subscribe(h, opts...)
}

// Unsubscribe removes a subscription.
func (b *SyncBus) Unsubscribe(id int) {
	b.unsubscribe(id)
}

// Publish calls every matching handler in registration order.
func (b *SyncBus) Publish(e event.Event) {
	for _, sub := range b.snapshot() {
		if !sub.matches(e.Type) {
			continue
		}
		if err := sub.handler(e); err != nil {
			b.logger.Error("event handler failed",
				"event_type", e.Type, "event_id", e.ID, "error", err)
		}
	}
}

// NullBus discards every published event. Subscriptions are accepted and
// never invoked.
type NullBus struct {
	registry
}

// NewNull creates a bus that discards everything.
func NewNull() *NullBus {
	return &NullBus{}
}

// Subscribe registers a handler that will never be called.
func (b *NullBus) Subscribe(h Handler, opts ...SubscribeOption) int {
	return b.subscribe(h, opts...)
}

// Unsubscribe removes a subscription.
func (b *NullBus) Unsubscribe(id int) {
	b.unsubscribe(id)
}

// Publish discards the event.
func (b *NullBus) Publish(event.Event) {}

var (
	_ Bus = (*SyncBus)(nil)
	_ Bus = (*NullBus)(nil)
)
