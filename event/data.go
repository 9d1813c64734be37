package event

import (
	"encoding/json"
	"time"
)

// WorkflowTriggeredData is the payload for workflow.triggered events.
// Triggered events may precede run registration, so RunID on the
// enclosing Event may be empty.
type WorkflowTriggeredData struct {
	WorkflowName string `json:"workflow_name"`
	Trigger      string `json:"trigger"` // "manual", "schedule", "api", ...
}

// WorkflowStartedData is the payload for workflow.started events.
type WorkflowStartedData struct {
	WorkflowName string            `json:"workflow_name"`
	Parameters   json.RawMessage   `json:"parameters,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
}

// WorkflowCompletedData is the payload for workflow.completed events.
type WorkflowCompletedData struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// WorkflowFailedData is the payload for workflow.failed events.
type WorkflowFailedData struct {
	Error string `json:"error"`
}

// WorkflowCancelledData is the payload for workflow.cancelled events.
type WorkflowCancelledData struct {
	Reason string `json:"reason"`
}

// WorkflowCrashedData is the payload for the reconciler's synthetic
// workflow.crashed events.
type WorkflowCrashedData struct {
	Reason string `json:"reason"`

	// StaleFor is how long the journal had been idle when the run
	// was reconciled.
	StaleFor time.Duration `json:"stale_for_ns"`
}

// StepStartedData is the payload for step.started events.
type StepStartedData struct {
	Attempt int `json:"attempt,omitempty"`
}

// StepCompletedData is the payload for step.completed events.
type StepCompletedData struct {
	Duration time.Duration   `json:"duration_ns"`
	Output   json.RawMessage `json:"output,omitempty"`
}

// StepFailedData is the payload for step.failed events.
type StepFailedData struct {
	Error   string `json:"error"`
	Attempt int    `json:"attempt,omitempty"`
}

// StepSkippedData is the payload for step.skipped events.
type StepSkippedData struct {
	Reason string `json:"reason,omitempty"`
}

// StepRetriedData is the payload for step.retried events.
type StepRetriedData struct {
	Attempt int    `json:"attempt"`
	Error   string `json:"error,omitempty"`
}

// ArtifactCreatedData is the payload for artifact.created events.
type ArtifactCreatedData struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size_bytes,omitempty"`
}

// CacheHitData is the payload for cache.hit events. The step named on the
// enclosing Event was satisfied from cache instead of executing.
type CacheHitData struct {
	Key string `json:"key,omitempty"`
}

// CacheMissData is the payload for cache.miss events.
type CacheMissData struct {
	Key string `json:"key,omitempty"`
}

// ApprovalRequestedData is the payload for approval.requested events.
type ApprovalRequestedData struct {
	TimeoutAt time.Time `json:"timeout_at,omitzero"`
}

// ApprovalReceivedData is the payload for approval.received events.
type ApprovalReceivedData struct {
	Decision json.RawMessage `json:"decision,omitempty"`
}

// ApprovalTimeoutData is the payload for approval.timeout events.
type ApprovalTimeoutData struct {
	Reason string `json:"reason,omitempty"`
}
