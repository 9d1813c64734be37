// Package manifest provides the derived, point-in-time state of a workflow
// run. A Manifest is always computable from a run's journal alone, so it
// stays usable after the originating process is gone. Reduce is the pure
// fold that builds it; file.go holds the fast-path snapshot read/write used
// by run finalization.
package manifest

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a workflow run.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusSuccess   Status = "SUCCESS"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusCrashed   Status = "CRASHED"
)

// IsTerminal reports whether the status is final. Terminal statuses are
// sticky: once a run reaches one, no further transition is valid.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled, StatusCrashed:
		return true
	}
	return false
}

// StepStatus represents the outcome of one step within a run.
type StepStatus string

const (
	StepRunning StepStatus = "RUNNING"
	StepSuccess StepStatus = "SUCCESS"
	StepFailed  StepStatus = "FAILED"
	StepSkipped StepStatus = "SKIPPED"
)

// StepResult records one step's outcome within a run.
type StepResult struct {
	Name        string          `json:"name"`
	Status      StepStatus      `json:"status"`
	Attempts    int             `json:"attempts,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	DurationMs  *int64          `json:"duration_ms,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`

	// Cached marks a step satisfied from cache instead of executing.
	Cached bool `json:"cached,omitempty"`
}

// Artifact records one artifact produced by a run.
type Artifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	SizeBytes int64     `json:"size_bytes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Provenance records how a run came to exist.
type Provenance struct {
	Trigger     string    `json:"trigger,omitempty"` // "manual", "schedule", "api", ...
	TriggeredAt time.Time `json:"triggered_at,omitzero"`
}

// Manifest is the derived snapshot of one run: workflow and run metadata,
// ordered step results, ordered artifacts, and the top-level error if any.
// A Manifest built from a partial journal has a non-terminal Status.
type Manifest struct {
	WorkflowID   string            `json:"workflow_id"`
	WorkflowName string            `json:"workflow_name,omitempty"`
	RunID        string            `json:"run_id"`
	Status       Status            `json:"status"`
	Parameters   json.RawMessage   `json:"parameters,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
	Steps        []StepResult      `json:"steps,omitempty"`
	Artifacts    []Artifact        `json:"artifacts,omitempty"`
	Provenance   *Provenance       `json:"provenance,omitempty"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        *string           `json:"error,omitempty"`

	// WaitingApproval names the step blocked on an approval decision,
	// if the run is currently waiting for one.
	WaitingApproval *string `json:"waiting_approval,omitempty"`
}

// Step returns the step result with the given name.
// Returns nil if the step has not been recorded.
func (m *Manifest) Step(name string) *StepResult {
	for i := range m.Steps {
		if m.Steps[i].Name == name {
			return &m.Steps[i]
		}
	}
	return nil
}
