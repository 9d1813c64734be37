package manifest

import (
	"encoding/json"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/lirancohen/scribe/event"
)

func mustEvent(t *testing.T, typ event.Type, step string, payload any) event.Event {
	t.Helper()
	e, err := event.New(typ, "wf-deploy", "run-1", payload)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	e.StepName = step
	return e
}

func startedEvent(t *testing.T) event.Event {
	t.Helper()
	return mustEvent(t, event.TypeWorkflowStarted, "", event.WorkflowStartedData{
		WorkflowName: "deploy",
		Parameters:   json.RawMessage(`{"env":"prod"}`),
	})
}

func TestReduceEmpty(t *testing.T) {
	m := Reduce(nil)
	if m.Status != StatusPending {
		t.Errorf("Status = %q, want PENDING", m.Status)
	}
}

func TestReduceSuccessfulRun(t *testing.T) {
	events := []event.Event{
		mustEvent(t, event.TypeWorkflowTriggered, "", event.WorkflowTriggeredData{
			WorkflowName: "deploy", Trigger: "schedule",
		}),
		startedEvent(t),
		mustEvent(t, event.TypeStepStarted, "fetch", event.StepStartedData{Attempt: 1}),
		mustEvent(t, event.TypeStepCompleted, "fetch", event.StepCompletedData{
			Output: json.RawMessage(`{"rows":10}`),
		}),
		mustEvent(t, event.TypeArtifactCreated, "", event.ArtifactCreatedData{
			Name: "report", Path: "out/report.csv", Size: 1024,
		}),
		mustEvent(t, event.TypeWorkflowCompleted, "", event.WorkflowCompletedData{}),
	}

	m := Reduce(events)

	if m.Status != StatusSuccess {
		t.Errorf("Status = %q, want SUCCESS", m.Status)
	}
	if m.WorkflowID != "wf-deploy" || m.RunID != "run-1" {
		t.Errorf("identity = (%q, %q), want (wf-deploy, run-1)", m.WorkflowID, m.RunID)
	}
	if m.WorkflowName != "deploy" {
		t.Errorf("WorkflowName = %q, want deploy", m.WorkflowName)
	}
	if m.Provenance == nil || m.Provenance.Trigger != "schedule" {
		t.Errorf("Provenance = %+v, want schedule trigger", m.Provenance)
	}
	if m.StartedAt == nil || m.CompletedAt == nil || m.DurationMs == nil {
		t.Error("timing fields missing on completed run")
	}
	if len(m.Steps) != 1 {
		t.Fatalf("got %d steps, want 1", len(m.Steps))
	}
	step := m.Steps[0]
	if step.Name != "fetch" || step.Status != StepSuccess {
		t.Errorf("step = %s:%s, want fetch:SUCCESS", step.Name, step.Status)
	}
	if string(step.Output) != `{"rows":10}` {
		t.Errorf("step output = %s", step.Output)
	}
	if len(m.Artifacts) != 1 || m.Artifacts[0].Name != "report" {
		t.Errorf("artifacts = %+v", m.Artifacts)
	}
}

func TestReduceIdempotent(t *testing.T) {
	events := []event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeStepStarted, "fetch", nil),
		mustEvent(t, event.TypeStepCompleted, "fetch", event.StepCompletedData{}),
		mustEvent(t, event.TypeWorkflowCompleted, "", event.WorkflowCompletedData{}),
	}

	first := Reduce(events)
	second := Reduce(events)
	if !reflect.DeepEqual(first, second) {
		t.Error("Reduce is not deterministic for identical input")
	}

	// Re-applying the trailing terminal event must not change the result.
	again := Reduce(append(append([]event.Event{}, events...), events[len(events)-1]))
	if !reflect.DeepEqual(first, again) {
		t.Error("repeated terminal event changed the reduction")
	}
}

func TestReduceTerminalStatusSticky(t *testing.T) {
	tests := []struct {
		name     string
		terminal event.Event
		later    event.Event
		want     Status
	}{
		{
			name:     "failed then completed",
			terminal: mustEvent(t, event.TypeWorkflowFailed, "", event.WorkflowFailedData{Error: "boom"}),
			later:    mustEvent(t, event.TypeWorkflowCompleted, "", event.WorkflowCompletedData{}),
			want:     StatusFailed,
		},
		{
			name:     "completed then crashed",
			terminal: mustEvent(t, event.TypeWorkflowCompleted, "", event.WorkflowCompletedData{}),
			later:    mustEvent(t, event.TypeWorkflowCrashed, "", event.WorkflowCrashedData{Reason: "stale"}),
			want:     StatusSuccess,
		},
		{
			name:     "cancelled then failed",
			terminal: mustEvent(t, event.TypeWorkflowCancelled, "", event.WorkflowCancelledData{Reason: "operator"}),
			later:    mustEvent(t, event.TypeWorkflowFailed, "", event.WorkflowFailedData{Error: "boom"}),
			want:     StatusCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Reduce([]event.Event{startedEvent(t), tt.terminal, tt.later})
			if m.Status != tt.want {
				t.Errorf("Status = %q, want %q", m.Status, tt.want)
			}
		})
	}
}

func TestReducePartialJournalNonTerminal(t *testing.T) {
	m := Reduce([]event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeStepStarted, "fetch", nil),
	})
	if m.Status != StatusRunning {
		t.Errorf("Status = %q, want RUNNING", m.Status)
	}
	if m.CompletedAt != nil {
		t.Error("CompletedAt set on in-flight run")
	}
	if step := m.Step("fetch"); step == nil || step.Status != StepRunning {
		t.Errorf("step fetch = %+v, want RUNNING", step)
	}
}

func TestReduceStepRetry(t *testing.T) {
	m := Reduce([]event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeStepStarted, "fetch", event.StepStartedData{Attempt: 1}),
		mustEvent(t, event.TypeStepFailed, "fetch", event.StepFailedData{Error: "timeout", Attempt: 1}),
		mustEvent(t, event.TypeStepRetried, "fetch", event.StepRetriedData{Attempt: 2}),
		mustEvent(t, event.TypeStepCompleted, "fetch", event.StepCompletedData{}),
	})

	if len(m.Steps) != 1 {
		t.Fatalf("got %d steps, want 1 (retries update, not append)", len(m.Steps))
	}
	step := m.Steps[0]
	if step.Status != StepSuccess {
		t.Errorf("step status = %q, want SUCCESS", step.Status)
	}
	if step.Attempts != 2 {
		t.Errorf("step attempts = %d, want 2", step.Attempts)
	}
}

func TestReduceSkippedAndCachedSteps(t *testing.T) {
	m := Reduce([]event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeStepSkipped, "lint", event.StepSkippedData{Reason: "no sources changed"}),
		mustEvent(t, event.TypeCacheMiss, "fetch", event.CacheMissData{Key: "fetch-v1"}),
		mustEvent(t, event.TypeStepStarted, "fetch", nil),
		mustEvent(t, event.TypeStepCompleted, "fetch", event.StepCompletedData{}),
		mustEvent(t, event.TypeCacheHit, "build", event.CacheHitData{Key: "build-v1"}),
	})

	if step := m.Step("lint"); step == nil || step.Status != StepSkipped {
		t.Errorf("lint = %+v, want SKIPPED", step)
	}
	if step := m.Step("fetch"); step == nil || step.Status != StepSuccess || step.Cached {
		t.Errorf("fetch = %+v, want uncached SUCCESS", step)
	}
	if step := m.Step("build"); step == nil || step.Status != StepSuccess || !step.Cached {
		t.Errorf("build = %+v, want cached SUCCESS", step)
	}
}

func TestReduceApprovalWait(t *testing.T) {
	waiting := []event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeStepStarted, "promote", nil),
		mustEvent(t, event.TypeApprovalRequested, "promote", event.ApprovalRequestedData{}),
	}

	m := Reduce(waiting)
	if m.WaitingApproval == nil || *m.WaitingApproval != "promote" {
		t.Errorf("WaitingApproval = %v, want promote", m.WaitingApproval)
	}

	resolved := append(append([]event.Event{}, waiting...),
		mustEvent(t, event.TypeApprovalReceived, "promote", event.ApprovalReceivedData{}),
	)
	m = Reduce(resolved)
	if m.WaitingApproval != nil {
		t.Errorf("WaitingApproval = %v after approval received, want nil", *m.WaitingApproval)
	}
}

func TestReduceUnknownEventTypeIgnored(t *testing.T) {
	unknown := mustEvent(t, event.Type("workflow.hibernated"), "", nil)
	m := Reduce([]event.Event{startedEvent(t), unknown})
	if m.Status != StatusRunning {
		t.Errorf("Status = %q, want RUNNING (unknown types ignored)", m.Status)
	}
}

func TestReduceCrashedRun(t *testing.T) {
	m := Reduce([]event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeStepStarted, "fetch", nil),
		mustEvent(t, event.TypeWorkflowCrashed, "", event.WorkflowCrashedData{
			Reason:   "no progress past staleness threshold",
			StaleFor: 2 * time.Hour,
		}),
	})
	if m.Status != StatusCrashed {
		t.Errorf("Status = %q, want CRASHED", m.Status)
	}
	if m.Error == nil || *m.Error == "" {
		t.Error("crashed run should carry the reconciler's reason")
	}
}

func TestManifestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	m := Reduce([]event.Event{
		startedEvent(t),
		mustEvent(t, event.TypeWorkflowCompleted, "", event.WorkflowCompletedData{}),
	})

	if err := WriteFile(dir, m); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := ReadFile(dir)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got.Status != m.Status || got.RunID != m.RunID {
		t.Errorf("ReadFile() = %+v, want %+v", got, m)
	}
}

func TestReadFileMissing(t *testing.T) {
	_, err := ReadFile(t.TempDir())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ReadFile() error = %v, want ErrNotFound", err)
	}
}
