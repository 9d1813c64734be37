// Package memory provides an in-memory implementation of journal.Store.
// This implementation is suitable for testing and development.
package memory

import (
	"context"
	"sync"

	"github.com/lirancohen/scribe/event"
	"github.com/lirancohen/scribe/journal"
)

type runKey struct {
	workflowID string
	runID      string
}

// Store is a thread-safe in-memory implementation of journal.Store.
// The zero value is ready for use.
type Store struct {
	mu     sync.RWMutex
	events map[runKey][]event.Event // append order per run
	ids    map[string]struct{}      // set of all event IDs for duplicate detection
}

// New creates a new in-memory event store.
func New() *Store {
	return &Store{
		events: make(map[runKey][]event.Event),
		ids:    make(map[string]struct{}),
	}
}

// Append adds a single event to the store.
// Returns journal.ErrDuplicateEvent if an event with the same ID exists.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Initialize maps if nil (supports zero value)
	if s.events == nil {
		s.events = make(map[runKey][]event.Event)
	}
	if s.ids == nil {
		s.ids = make(map[string]struct{})
	}

	if _, exists := s.ids[e.ID]; exists {
		return journal.ErrDuplicateEvent
	}

	key := runKey{workflowID: e.WorkflowID, runID: e.RunID}
	s.events[key] = append(s.events[key], e)
	s.ids[e.ID] = struct{}{}
	return nil
}

// Load retrieves all events for a run in append order.
// Returns an empty slice if the run has no events.
func (s *Store) Load(ctx context.Context, workflowID, runID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored := s.events[runKey{workflowID: workflowID, runID: runID}]
	out := make([]event.Event, len(stored))
	copy(out, stored)
	return out, nil
}

// ListRuns returns every run with at least one event.
func (s *Store) ListRuns(ctx context.Context) ([]journal.RunRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	refs := make([]journal.RunRef, 0, len(s.events))
	for key := range s.events {
		refs = append(refs, journal.RunRef{WorkflowID: key.workflowID, RunID: key.runID})
	}
	return refs, nil
}
