package journal

import (
	"context"
	"errors"

	"github.com/lirancohen/scribe/event"
)

// ErrDuplicateEvent indicates an event with the same ID already exists.
var ErrDuplicateEvent = errors.New("duplicate event ID")

// Store is the multi-run event store interface used by service deployments
// that keep journals somewhere other than per-run files (see the memory and
// pgstore subpackages). Implementations must be safe for concurrent use and
// must make appends durable before returning, matching the file journal's
// contract.
type Store interface {
	// Append adds a single event for (event.WorkflowID, event.RunID).
	// Returns ErrDuplicateEvent if an event with the same ID exists.
	Append(ctx context.Context, e event.Event) error

	// Load retrieves all events for a run in append order.
	// Returns an empty slice if the run has no events.
	Load(ctx context.Context, workflowID, runID string) ([]event.Event, error)

	// ListRuns returns the (workflowID, runID) pairs with at least one
	// event, in no particular order. Used by index rebuilds and
	// reconciliation scans over store-backed deployments.
	ListRuns(ctx context.Context) ([]RunRef, error)
}

// RunRef identifies one run held by a Store.
type RunRef struct {
	WorkflowID string
	RunID      string
}
