package manifest

import (
	"encoding/json"
	"time"

	"github.com/lirancohen/scribe/event"
)

// Reduce folds a run's events, in journal order, into a Manifest. It is
// pure: no I/O, no side effects, deterministic for a given input, which is
// what lets the index builder and the reconciler re-run it repeatedly
// without any coordination.
//
// The first terminal workflow event fixes the final status; later events
// never advance it, so applying the same trailing events again cannot
// change the result. Event types this package does not recognize are
// ignored for forward compatibility. An incomplete sequence yields a
// non-terminal Manifest rather than an error.
func Reduce(events []event.Event) Manifest {
	m := Manifest{Status: StatusPending}

	var waitingApproval string

	for _, e := range events {
		if m.WorkflowID == "" {
			m.WorkflowID = e.WorkflowID
		}
		if m.RunID == "" {
			m.RunID = e.RunID
		}

		switch e.Type {
		case event.TypeWorkflowTriggered:
			var data event.WorkflowTriggeredData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				if m.WorkflowName == "" {
					m.WorkflowName = data.WorkflowName
				}
				m.Provenance = &Provenance{Trigger: data.Trigger, TriggeredAt: e.Timestamp}
			}

		case event.TypeWorkflowStarted:
			var data event.WorkflowStartedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				m.WorkflowName = data.WorkflowName
				m.Parameters = data.Parameters
				m.Environment = data.Environment
			}
			ts := e.Timestamp
			m.StartedAt = &ts
			if !m.Status.IsTerminal() {
				m.Status = StatusRunning
			}

		case event.TypeWorkflowCompleted:
			if m.Status.IsTerminal() {
				continue
			}
			var data event.WorkflowCompletedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				m.Output = data.Output
			}
			m.finish(StatusSuccess, e.Timestamp, nil)

		case event.TypeWorkflowFailed:
			if m.Status.IsTerminal() {
				continue
			}
			var data event.WorkflowFailedData
			var errMsg *string
			if err := json.Unmarshal(e.Data, &data); err == nil && data.Error != "" {
				errMsg = &data.Error
			}
			m.finish(StatusFailed, e.Timestamp, errMsg)

		case event.TypeWorkflowCancelled:
			if m.Status.IsTerminal() {
				continue
			}
			var data event.WorkflowCancelledData
			var errMsg *string
			if err := json.Unmarshal(e.Data, &data); err == nil && data.Reason != "" {
				errMsg = &data.Reason
			}
			m.finish(StatusCancelled, e.Timestamp, errMsg)

		case event.TypeWorkflowCrashed:
			if m.Status.IsTerminal() {
				continue
			}
			var data event.WorkflowCrashedData
			var errMsg *string
			if err := json.Unmarshal(e.Data, &data); err == nil && data.Reason != "" {
				errMsg = &data.Reason
			}
			m.finish(StatusCrashed, e.Timestamp, errMsg)

		case event.TypeStepStarted:
			var data event.StepStartedData
			_ = json.Unmarshal(e.Data, &data)
			if data.Attempt == 0 {
				data.Attempt = 1
			}
			step := m.upsertStep(e.StepName)
			step.Status = StepRunning
			step.Attempts = data.Attempt
			ts := e.Timestamp
			step.StartedAt = &ts

		case event.TypeStepCompleted:
			var data event.StepCompletedData
			_ = json.Unmarshal(e.Data, &data)
			step := m.upsertStep(e.StepName)
			step.Status = StepSuccess
			step.Output = data.Output
			ts := e.Timestamp
			step.CompletedAt = &ts
			step.DurationMs = calcDuration(step.StartedAt, &ts)

		case event.TypeStepFailed:
			var data event.StepFailedData
			_ = json.Unmarshal(e.Data, &data)
			step := m.upsertStep(e.StepName)
			step.Status = StepFailed
			if data.Attempt > step.Attempts {
				step.Attempts = data.Attempt
			}
			if data.Error != "" {
				step.Error = &data.Error
			}
			ts := e.Timestamp
			step.CompletedAt = &ts
			step.DurationMs = calcDuration(step.StartedAt, &ts)

		case event.TypeStepSkipped:
			var data event.StepSkippedData
			_ = json.Unmarshal(e.Data, &data)
			step := m.upsertStep(e.StepName)
			step.Status = StepSkipped
			if data.Reason != "" {
				step.Error = &data.Reason
			}

		case event.TypeStepRetried:
			var data event.StepRetriedData
			_ = json.Unmarshal(e.Data, &data)
			step := m.upsertStep(e.StepName)
			step.Status = StepRunning
			if data.Attempt > step.Attempts {
				step.Attempts = data.Attempt
			}

		case event.TypeArtifactCreated:
			var data event.ArtifactCreatedData
			if err := json.Unmarshal(e.Data, &data); err == nil {
				m.Artifacts = append(m.Artifacts, Artifact{
					Name:      data.Name,
					Path:      data.Path,
					SizeBytes: data.Size,
					CreatedAt: e.Timestamp,
				})
			}

		case event.TypeCacheHit:
			// A cache hit satisfies the step without executing it.
			step := m.upsertStep(e.StepName)
			if step.Status == "" || step.Status == StepRunning {
				step.Status = StepSuccess
			}
			step.Cached = true

		case event.TypeCacheMiss:
			// Recorded for observability; a normal step execution follows.

		case event.TypeApprovalRequested:
			waitingApproval = e.StepName

		case event.TypeApprovalReceived, event.TypeApprovalTimeout:
			waitingApproval = ""

		default:
			// Unknown event type, likely written by a newer version.
			// Skipped so old readers stay forward compatible.
		}
	}

	if waitingApproval != "" && !m.Status.IsTerminal() {
		m.WaitingApproval = &waitingApproval
	}

	return m
}

// finish fixes the terminal status and completion timing.
func (m *Manifest) finish(status Status, at time.Time, errMsg *string) {
	m.Status = status
	ts := at
	m.CompletedAt = &ts
	m.DurationMs = calcDuration(m.StartedAt, &ts)
	if errMsg != nil {
		m.Error = errMsg
	}
}

// upsertStep returns the step result for name, appending a new entry in
// encounter order if the step has not been seen yet.
func (m *Manifest) upsertStep(name string) *StepResult {
	for i := range m.Steps {
		if m.Steps[i].Name == name {
			return &m.Steps[i]
		}
	}
	m.Steps = append(m.Steps, StepResult{Name: name})
	return &m.Steps[len(m.Steps)-1]
}

func calcDuration(start, end *time.Time) *int64 {
	if start == nil || end == nil {
		return nil
	}
	ms := end.Sub(*start).Milliseconds()
	return &ms
}
