package bus

import (
	"log/slog"

	"github.com/lirancohen/scribe/event"
	"golang.org/x/sync/errgroup"
)

// DefaultQueueSize is the default capacity of the async bus queue.
const DefaultQueueSize = 256

// AsyncBus decouples publishers from the handling goroutine. Publish
// enqueues; a single dispatch loop pulls one event at a time in strict FIFO
// order. For each event the loop invokes all synchronous handlers in
// registration order, then runs all Async-marked handlers concurrently with
// each other, and does not advance to the next queued event until every
// handler for the current one has finished.
type AsyncBus struct {
	registry
	logger *slog.Logger
	queue  chan queueItem
	done   chan struct{}
}

// queueItem carries one event through the queue. stop is the shutdown
// sentinel: the dispatch loop exits when it dequeues one.
type queueItem struct {
	event event.Event
	stop  bool
}

// AsyncConfig configures an AsyncBus.
type AsyncConfig struct {
	// QueueSize is the queue capacity. Publish blocks when the queue is
	// full. Zero means DefaultQueueSize.
	QueueSize int

	// Logger receives handler errors. Nil means slog.Default.
	Logger *slog.Logger
}

// NewAsync creates an asynchronous bus and starts its dispatch loop.
// Call Stop to shut the loop down gracefully.
func NewAsync(cfg AsyncConfig) *AsyncBus {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &AsyncBus{
		logger: logger,
		queue:  make(chan queueItem, size),
		done:   make(chan struct{}),
	}
	go b.dispatchLoop()
	return b
}

// Subscribe registers a handler.
func (b *AsyncBus) Subscribe(h Handler, opts ...SubscribeOption) int {
	return b.subscribe(h, opts...)
}

// Unsubscribe removes a subscription.
func (b *AsyncBus) Unsubscribe(id int) {
	b.unsubscribe(id)
}

// Publish enqueues the event and returns without waiting for handlers.
// Blocks if the queue is full. Publish after Stop panics on the closed
// queue; the owner of the bus controls both ends of that lifecycle.
func (b *AsyncBus) Publish(e event.Event) {
	b.queue <- queueItem{event: e}
}

// Stop enqueues the shutdown sentinel, blocks until the dispatch loop
// has finished every event published before the sentinel, then closes
// the queue. Stop must be called at most once.
func (b *AsyncBus) Stop() {
	b.queue <- queueItem{stop: true}
	<-b.done
	close(b.queue)
}

// dispatchLoop is the single consumer of the queue.
func (b *AsyncBus) dispatchLoop() {
	defer close(b.done)
	for item := range b.queue {
		if item.stop {
			return
		}
		b.dispatch(item.event)
	}
}

// dispatch delivers one event to all matching handlers: synchronous
// handlers in registration order, then async handlers concurrently.
// Returns only after every handler has finished.
func (b *AsyncBus) dispatch(e event.Event) {
	subs := b.snapshot()

	for _, sub := range subs {
		if sub.async || !sub.matches(e.Type) {
			continue
		}
		if err := sub.handler(e); err != nil {
			b.logger.Error("event handler failed",
				"event_type", e.Type, "event_id", e.ID, "error", err)
		}
	}

	var g errgroup.Group
	for _, sub := range subs {
		if !sub.async || !sub.matches(e.Type) {
			continue
		}
		handler := sub.handler
		g.Go(func() error {
			return handler(e)
		})
	}
	if err := g.Wait(); err != nil {
		b.logger.Error("async event handler failed",
			"event_type", e.Type, "event_id", e.ID, "error", err)
	}
}

var _ Bus = (*AsyncBus)(nil)
