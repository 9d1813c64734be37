// Package event provides the event types for Scribe's durable execution
// ledger. Every fact about a workflow run is recorded as an immutable Event;
// the ordered sequence of events for a run is the single source of truth
// from which the run's state can always be rebuilt.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Type classifies events in the run execution lifecycle.
type Type string

const (
	// Workflow lifecycle events
	TypeWorkflowTriggered Type = "workflow.triggered"
	TypeWorkflowStarted   Type = "workflow.started"
	TypeWorkflowCompleted Type = "workflow.completed"
	TypeWorkflowFailed    Type = "workflow.failed"
	TypeWorkflowCancelled Type = "workflow.cancelled"

	// TypeWorkflowCrashed is the synthetic terminal appended by the
	// reconciler when a run went stale without reaching a terminal event.
	TypeWorkflowCrashed Type = "workflow.crashed"

	// Step lifecycle events
	TypeStepStarted   Type = "step.started"
	TypeStepCompleted Type = "step.completed"
	TypeStepFailed    Type = "step.failed"
	TypeStepSkipped   Type = "step.skipped"
	TypeStepRetried   Type = "step.retried"

	// Artifact events
	TypeArtifactCreated Type = "artifact.created"

	// Cache events
	TypeCacheHit  Type = "cache.hit"
	TypeCacheMiss Type = "cache.miss"

	// Approval events
	TypeApprovalRequested Type = "approval.requested"
	TypeApprovalReceived  Type = "approval.received"
	TypeApprovalTimeout   Type = "approval.timeout"
)

// Types returns every known event type. Consumers that switch over
// event types can range over this in tests to prove exhaustiveness.
func Types() []Type {
	return []Type{
		TypeWorkflowTriggered,
		TypeWorkflowStarted,
		TypeWorkflowCompleted,
		TypeWorkflowFailed,
		TypeWorkflowCancelled,
		TypeWorkflowCrashed,
		TypeStepStarted,
		TypeStepCompleted,
		TypeStepFailed,
		TypeStepSkipped,
		TypeStepRetried,
		TypeArtifactCreated,
		TypeCacheHit,
		TypeCacheMiss,
		TypeApprovalRequested,
		TypeApprovalReceived,
		TypeApprovalTimeout,
	}
}

// Event represents a single fact in a run's execution history.
// Events are never mutated after creation; the journal records them in
// causal order and all derived state is computed by folding over them.
type Event struct {
	// ID is the unique identifier for this event (UUID).
	ID string `json:"id"`

	// WorkflowID identifies the workflow definition this event belongs to.
	WorkflowID string `json:"workflow_id"`

	// RunID identifies the run this event belongs to. Empty only for
	// pre-registration events (workflow.triggered before a run exists).
	RunID string `json:"run_id,omitempty"`

	// Type classifies the event (e.g., "step.completed").
	Type Type `json:"type"`

	// StepName identifies the step this event relates to.
	// Empty for workflow-level events.
	StepName string `json:"step_name,omitempty"`

	// Data contains the type-specific event payload.
	Data json.RawMessage `json:"data,omitempty"`

	// Timestamp records when the event was created (UTC).
	Timestamp time.Time `json:"timestamp"`

	// Metadata holds additional context like trace IDs and correlation IDs.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// New creates an event of the given type with a fresh ID and UTC timestamp.
// The payload is marshaled into Data; a nil payload leaves Data empty.
func New(typ Type, workflowID, runID string, payload any) (Event, error) {
	e := Event{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		RunID:      runID,
		Type:       typ,
		Timestamp:  time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, err
		}
		e.Data = data
	}
	return e, nil
}

// IsTerminal reports whether the event type ends a run.
func (t Type) IsTerminal() bool {
	switch t {
	case TypeWorkflowCompleted, TypeWorkflowFailed, TypeWorkflowCancelled, TypeWorkflowCrashed:
		return true
	}
	return false
}
