// Package approval matches asynchronous external decisions to in-process
// waiters. A step that needs a human or out-of-process decision registers a
// single-assignment promise under its (workflow, run, step) key and blocks
// on it; a network layer later delivers the decision into Resolve or
// Cancel, possibly from a different goroutine handling a different request.
package approval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Key identifies one approval wait point.
type Key struct {
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`
	StepName   string `json:"step_name"`
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s", k.WorkflowID, k.RunID, k.StepName)
}

// Error represents approval wait failures.
type Error struct {
	Key    Key
	Reason string // "timeout", "cancelled", "duplicate request"
}

func (e *Error) Error() string {
	if e.Key == (Key{}) {
		return fmt.Sprintf("approval %s", e.Reason)
	}
	return fmt.Sprintf("approval %s %s", e.Key, e.Reason)
}

// Is implements error matching: sentinel values with an empty Key match any
// Error with the same reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Key == (Key{}) {
		return e.Reason == t.Reason
	}
	return e.Key == t.Key && e.Reason == t.Reason
}

// Sentinel errors for matching with errors.Is.
var (
	// ErrTimeout indicates the approval wait timed out.
	ErrTimeout = &Error{Reason: "timeout"}

	// ErrCancelled indicates the approval was cancelled.
	ErrCancelled = &Error{Reason: "cancelled"}

	// ErrDuplicateRequest indicates a promise already exists for the key.
	ErrDuplicateRequest = &Error{Reason: "duplicate request"}
)

// Promise is a single-assignment slot completed exactly once by Resolve or
// Cancel. Waiters block on Wait.
type Promise struct {
	key      Key
	done     chan struct{}
	decision json.RawMessage
	err      error
}

// Key returns the key the promise is registered under.
func (p *Promise) Key() Key {
	return p.key
}

// Wait blocks until the promise is completed or ctx is done. A caller-
// supplied deadline on ctx bounds the wait; expiry returns ctx.Err()
// without disturbing the pending promise, so a later decision can still
// land (use Coordinator.Cancel to withdraw it).
func (p *Promise) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.decision, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// complete assigns the promise exactly once. Later calls are ignored by the
// Coordinator's removal of the key before completion.
func (p *Promise) complete(decision json.RawMessage, err error) {
	p.decision = decision
	p.err = err
	close(p.done)
}

// Coordinator is the registry of pending approval promises. Safe for
// concurrent use from multiple goroutines; at most one promise may exist
// per key at any time.
type Coordinator struct {
	mu      sync.Mutex
	pending map[Key]*Promise
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{pending: make(map[Key]*Promise)}
}

// Request creates and returns a new promise for the key. Fails with
// ErrDuplicateRequest if one is already pending; the first promise is left
// undisturbed.
func (c *Coordinator) Request(workflowID, runID, stepName string) (*Promise, error) {
	key := Key{WorkflowID: workflowID, RunID: runID, StepName: stepName}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending == nil {
		c.pending = make(map[Key]*Promise)
	}
	if _, exists := c.pending[key]; exists {
		return nil, &Error{Key: key, Reason: "duplicate request"}
	}
	p := &Promise{key: key, done: make(chan struct{})}
	c.pending[key] = p
	return p, nil
}

// Resolve completes the matching promise with the decision and removes it
// from the pending set. Returns whether anything was resolved.
func (c *Coordinator) Resolve(workflowID, runID, stepName string, decision json.RawMessage) bool {
	p := c.take(Key{WorkflowID: workflowID, RunID: runID, StepName: stepName})
	if p == nil {
		return false
	}
	p.complete(decision, nil)
	return true
}

// Cancel completes the matching promise with a cancellation or timeout
// error instead of a decision and removes it from the pending set. A
// reason of "timeout" yields an error matching ErrTimeout; any other
// reason matches ErrCancelled. Returns whether anything was cancelled.
func (c *Coordinator) Cancel(workflowID, runID, stepName, reason string) bool {
	key := Key{WorkflowID: workflowID, RunID: runID, StepName: stepName}
	p := c.take(key)
	if p == nil {
		return false
	}
	if reason == "timeout" {
		p.complete(nil, &Error{Key: key, Reason: "timeout"})
	} else {
		p.complete(nil, &Error{Key: key, Reason: "cancelled"})
	}
	return true
}

// IsPending reports whether a promise is registered under the key.
func (c *Coordinator) IsPending(workflowID, runID, stepName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[Key{WorkflowID: workflowID, RunID: runID, StepName: stepName}]
	return ok
}

// ListPending returns every pending key, sorted for stable output. Used
// for diagnostics and by a network layer to know what awaits delivery.
func (c *Coordinator) ListPending() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, len(c.pending))
	for k := range c.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// take removes and returns the promise for key, or nil if none is pending.
func (c *Coordinator) take(key Key) *Promise {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return p
}
