package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/lirancohen/scribe/event"
	"github.com/lirancohen/scribe/journal"
)

func mustEvent(t *testing.T, typ event.Type, workflowID, runID string) event.Event {
	t.Helper()
	e, err := event.New(typ, workflowID, runID, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return e
}

func TestAppendAndLoad(t *testing.T) {
	ctx := context.Background()
	s := New()

	events := []event.Event{
		mustEvent(t, event.TypeWorkflowStarted, "wf-a", "run-1"),
		mustEvent(t, event.TypeStepStarted, "wf-a", "run-1"),
		mustEvent(t, event.TypeWorkflowStarted, "wf-b", "run-2"),
	}
	for _, e := range events {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := s.Load(ctx, "wf-a", "run-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Load() returned %d events, want 2", len(got))
	}
	if got[0].ID != events[0].ID || got[1].ID != events[1].ID {
		t.Error("Load() events out of append order")
	}

	empty, err := s.Load(ctx, "wf-a", "run-absent")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("Load() for unknown run returned %d events, want 0", len(empty))
	}
}

func TestAppendDuplicateID(t *testing.T) {
	ctx := context.Background()
	s := New()

	e := mustEvent(t, event.TypeWorkflowStarted, "wf-a", "run-1")
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Append(ctx, e); !errors.Is(err, journal.ErrDuplicateEvent) {
		t.Errorf("Append() duplicate error = %v, want ErrDuplicateEvent", err)
	}
}

func TestZeroValueUsable(t *testing.T) {
	ctx := context.Background()
	var s Store

	if err := s.Append(ctx, mustEvent(t, event.TypeWorkflowStarted, "wf-a", "run-1")); err != nil {
		t.Fatalf("Append() on zero value error = %v", err)
	}
	got, err := s.Load(ctx, "wf-a", "run-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Load() returned %d events, want 1", len(got))
	}
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	s := New()

	for _, e := range []event.Event{
		mustEvent(t, event.TypeWorkflowStarted, "wf-a", "run-1"),
		mustEvent(t, event.TypeStepStarted, "wf-a", "run-1"),
		mustEvent(t, event.TypeWorkflowStarted, "wf-b", "run-2"),
	} {
		if err := s.Append(ctx, e); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	refs, err := s.ListRuns(ctx)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("ListRuns() returned %d refs, want 2", len(refs))
	}
	seen := make(map[journal.RunRef]bool)
	for _, ref := range refs {
		seen[ref] = true
	}
	if !seen[(journal.RunRef{WorkflowID: "wf-a", RunID: "run-1"})] ||
		!seen[(journal.RunRef{WorkflowID: "wf-b", RunID: "run-2"})] {
		t.Errorf("ListRuns() = %v, missing expected runs", refs)
	}
}
