// Package run provides the live, in-memory aggregate for one in-flight
// workflow execution. A run Context emits an event for everything that
// happens to it; the journal subscriber on the bus makes those events
// durable, and the aggregate itself is only a cache of "the events so far",
// never a second source of truth.
package run

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lirancohen/scribe/approval"
	"github.com/lirancohen/scribe/bus"
	"github.com/lirancohen/scribe/event"
	"github.com/lirancohen/scribe/manifest"
)

// Context owns the live aggregate for one run: identity, parameters, the
// ordered step results and artifacts so far, and the start timestamp. It is
// owned exclusively by the execution that created it and is destroyed with
// that execution's scope.
type Context struct {
	workflowID   string
	workflowName string
	runID        string
	parameters   json.RawMessage
	environment  map[string]string
	startedAt    time.Time

	mu            sync.Mutex
	steps         []manifest.StepResult
	artifacts     []manifest.Artifact
	finalized     bool
	scopeReleased bool
	status        manifest.Status
	runErr        *string

	bus         bus.Bus
	approvals   *approval.Coordinator
	snapshotDir string
}

// Option configures a run Context.
type Option func(*Context)

// WithWorkflowName sets the human-readable workflow name.
func WithWorkflowName(name string) Option {
	return func(c *Context) { c.workflowName = name }
}

// WithParameters sets the run's input parameters.
func WithParameters(params json.RawMessage) Option {
	return func(c *Context) { c.parameters = params }
}

// WithEnvironment sets the run's environment metadata.
func WithEnvironment(env map[string]string) Option {
	return func(c *Context) { c.environment = env }
}

// WithBus sets the event bus the run publishes to. A journal-backed
// subscriber on this bus is what makes the run durable.
// Defaults to the null bus.
func WithBus(b bus.Bus) Option {
	return func(c *Context) { c.bus = b }
}

// WithApprovals sets the coordinator RequestApproval registers promises
// with. Without it, RequestApproval fails.
func WithApprovals(ac *approval.Coordinator) Option {
	return func(c *Context) { c.approvals = ac }
}

// WithSnapshotDir enables the finalize fast path: on Finalize the run
// writes its own Manifest snapshot into this directory. Crash recovery
// never depends on the snapshot; it only spares the common non-crash case
// a journal reduction.
func WithSnapshotDir(dir string) Option {
	return func(c *Context) { c.snapshotDir = dir }
}

// New creates a run Context and emits the workflow.started event.
func New(workflowID, runID string, opts ...Option) (*Context, error) {
	c := &Context{
		workflowID: workflowID,
		runID:      runID,
		startedAt:  time.Now().UTC(),
		status:     manifest.StatusRunning,
		bus:        bus.NewNull(),
	}
	for _, opt := range opts {
		opt(c)
	}
	err := c.emit(event.TypeWorkflowStarted, "", event.WorkflowStartedData{
		WorkflowName: c.workflowName,
		Parameters:   c.parameters,
		Environment:  c.environment,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// WorkflowID returns the workflow identity.
func (c *Context) WorkflowID() string { return c.workflowID }

// RunID returns the run identity.
func (c *Context) RunID() string { return c.runID }

// StartedAt returns the run's start timestamp.
func (c *Context) StartedAt() time.Time { return c.startedAt }

// StartStep records a step beginning its attempt and emits step.started.
func (c *Context) StartStep(name string) error {
	c.mu.Lock()
	step := c.upsertStepLocked(name)
	step.Status = manifest.StepRunning
	step.Attempts++
	attempt := step.Attempts
	ts := time.Now().UTC()
	step.StartedAt = &ts
	c.mu.Unlock()

	return c.emit(event.TypeStepStarted, name, event.StepStartedData{Attempt: attempt})
}

// AddStepResult records a finished step and emits step.completed or
// step.failed. A nil stepErr records success.
func (c *Context) AddStepResult(name string, output json.RawMessage, stepErr error) error {
	c.mu.Lock()
	step := c.upsertStepLocked(name)
	ts := time.Now().UTC()
	step.CompletedAt = &ts
	var duration time.Duration
	if step.StartedAt != nil {
		duration = ts.Sub(*step.StartedAt)
		ms := duration.Milliseconds()
		step.DurationMs = &ms
	}
	attempt := step.Attempts
	if stepErr != nil {
		step.Status = manifest.StepFailed
		msg := stepErr.Error()
		step.Error = &msg
	} else {
		step.Status = manifest.StepSuccess
		step.Output = output
	}
	c.mu.Unlock()

	if stepErr != nil {
		return c.emit(event.TypeStepFailed, name, event.StepFailedData{
			Error:   stepErr.Error(),
			Attempt: attempt,
		})
	}
	return c.emit(event.TypeStepCompleted, name, event.StepCompletedData{
		Duration: duration,
		Output:   output,
	})
}

// SkipStep records a step that will not execute and emits step.skipped.
func (c *Context) SkipStep(name, reason string) error {
	c.mu.Lock()
	step := c.upsertStepLocked(name)
	step.Status = manifest.StepSkipped
	if reason != "" {
		r := reason
		step.Error = &r
	}
	c.mu.Unlock()

	return c.emit(event.TypeStepSkipped, name, event.StepSkippedData{Reason: reason})
}

// RetryStep records another attempt of a failed step and emits step.retried.
func (c *Context) RetryStep(name string, lastErr error) error {
	c.mu.Lock()
	step := c.upsertStepLocked(name)
	step.Status = manifest.StepRunning
	step.Attempts++
	attempt := step.Attempts
	c.mu.Unlock()

	data := event.StepRetriedData{Attempt: attempt}
	if lastErr != nil {
		data.Error = lastErr.Error()
	}
	return c.emit(event.TypeStepRetried, name, data)
}

// AddArtifact records a produced artifact and emits artifact.created.
func (c *Context) AddArtifact(name, path string, size int64) error {
	ts := time.Now().UTC()
	c.mu.Lock()
	c.artifacts = append(c.artifacts, manifest.Artifact{
		Name:      name,
		Path:      path,
		SizeBytes: size,
		CreatedAt: ts,
	})
	c.mu.Unlock()

	return c.emit(event.TypeArtifactCreated, "", event.ArtifactCreatedData{
		Name: name, Path: path, Size: size,
	})
}

// RecordCacheHit records a step satisfied from cache and emits cache.hit.
func (c *Context) RecordCacheHit(step, key string) error {
	c.mu.Lock()
	s := c.upsertStepLocked(step)
	if s.Status == "" || s.Status == manifest.StepRunning {
		s.Status = manifest.StepSuccess
	}
	s.Cached = true
	c.mu.Unlock()

	return c.emit(event.TypeCacheHit, step, event.CacheHitData{Key: key})
}

// RecordCacheMiss emits cache.miss; a normal step execution follows.
func (c *Context) RecordCacheMiss(step, key string) error {
	return c.emit(event.TypeCacheMiss, step, event.CacheMissData{Key: key})
}

// RequestApproval registers a single-assignment promise for the step's
// decision and emits approval.requested. The caller blocks on the returned
// promise's Wait; the decision is delivered out-of-process through the
// coordinator's Resolve or Cancel.
func (c *Context) RequestApproval(step string, timeoutAt time.Time) (*approval.Promise, error) {
	if c.approvals == nil {
		return nil, fmt.Errorf("run %s has no approval coordinator", c.runID)
	}
	p, err := c.approvals.Request(c.workflowID, c.runID, step)
	if err != nil {
		return nil, err
	}
	if err := c.emit(event.TypeApprovalRequested, step, event.ApprovalRequestedData{TimeoutAt: timeoutAt}); err != nil {
		return nil, err
	}
	return p, nil
}

// RecordApproval records the outcome of an approval wait. A nil waitErr
// emits approval.received with the decision; any error emits
// approval.timeout carrying the failure reason.
func (c *Context) RecordApproval(step string, decision json.RawMessage, waitErr error) error {
	if waitErr != nil {
		return c.emit(event.TypeApprovalTimeout, step, event.ApprovalTimeoutData{Reason: waitErr.Error()})
	}
	return c.emit(event.TypeApprovalReceived, step, event.ApprovalReceivedData{Decision: decision})
}

// Finalize emits the terminal event for status and, if a snapshot dir is
// configured, writes the run's Manifest as a fast-path snapshot. Finalizing
// twice is an error: terminal states are sticky.
func (c *Context) Finalize(status manifest.Status, runErr error) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finalize with non-terminal status %q", status)
	}

	c.mu.Lock()
	if c.finalized {
		c.mu.Unlock()
		return fmt.Errorf("run %s already finalized", c.runID)
	}
	c.finalized = true
	c.status = status
	if runErr != nil {
		msg := runErr.Error()
		c.runErr = &msg
	}
	c.mu.Unlock()

	var err error
	switch status {
	case manifest.StatusSuccess:
		err = c.emit(event.TypeWorkflowCompleted, "", event.WorkflowCompletedData{})
	case manifest.StatusFailed:
		data := event.WorkflowFailedData{}
		if runErr != nil {
			data.Error = runErr.Error()
		}
		err = c.emit(event.TypeWorkflowFailed, "", data)
	case manifest.StatusCancelled:
		data := event.WorkflowCancelledData{}
		if runErr != nil {
			data.Reason = runErr.Error()
		}
		err = c.emit(event.TypeWorkflowCancelled, "", data)
	case manifest.StatusCrashed:
		data := event.WorkflowCrashedData{}
		if runErr != nil {
			data.Reason = runErr.Error()
		}
		err = c.emit(event.TypeWorkflowCrashed, "", data)
	}
	if err != nil {
		return err
	}

	if c.snapshotDir != "" {
		if err := manifest.WriteFile(c.snapshotDir, c.Manifest()); err != nil {
			return fmt.Errorf("write snapshot: %w", err)
		}
	}
	return nil
}

// Finalized reports whether the run has reached a terminal status.
func (c *Context) Finalized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

// Manifest builds a snapshot of the aggregate's current state. This mirrors
// what reducing the run's journal would produce for the same history.
func (c *Context) Manifest() manifest.Manifest {
	c.mu.Lock()
	defer c.mu.Unlock()

	started := c.startedAt
	m := manifest.Manifest{
		WorkflowID:   c.workflowID,
		WorkflowName: c.workflowName,
		RunID:        c.runID,
		Status:       c.status,
		Parameters:   c.parameters,
		Environment:  c.environment,
		StartedAt:    &started,
		Steps:        append([]manifest.StepResult(nil), c.steps...),
		Artifacts:    append([]manifest.Artifact(nil), c.artifacts...),
		Error:        c.runErr,
	}
	if c.finalized {
		ts := time.Now().UTC()
		m.CompletedAt = &ts
		ms := ts.Sub(started).Milliseconds()
		m.DurationMs = &ms
	}
	return m
}

// upsertStepLocked returns the step entry for name, appending one in
// encounter order if needed. Caller must hold c.mu.
func (c *Context) upsertStepLocked(name string) *manifest.StepResult {
	for i := range c.steps {
		if c.steps[i].Name == name {
			return &c.steps[i]
		}
	}
	c.steps = append(c.steps, manifest.StepResult{Name: name})
	return &c.steps[len(c.steps)-1]
}

// emit publishes an event carrying the run's identity.
func (c *Context) emit(typ event.Type, step string, payload any) error {
	e, err := event.New(typ, c.workflowID, c.runID, payload)
	if err != nil {
		return fmt.Errorf("emit %s: %w", typ, err)
	}
	e.StepName = step
	c.bus.Publish(e)
	return nil
}
