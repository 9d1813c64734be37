package reconcile

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lirancohen/scribe/event"
	"github.com/lirancohen/scribe/journal"
	"github.com/lirancohen/scribe/journal/memory"
	"github.com/lirancohen/scribe/manifest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// writeRun creates a run journal under root and returns its directory.
func writeRun(t *testing.T, root, workflowID, runID string, types []event.Type) string {
	t.Helper()
	j, err := journal.OpenRun(root, workflowID, runID, journal.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("OpenRun() error = %v", err)
	}
	defer j.Close()
	for _, typ := range types {
		e, err := event.New(typ, workflowID, runID, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		if err := j.WriteEvent(e); err != nil {
			t.Fatalf("WriteEvent() error = %v", err)
		}
	}
	return journal.RunDir(root, workflowID, runID)
}

// ageJournal backdates the journal's mtime so the run reads as stale.
func ageJournal(t *testing.T, runDir string, age time.Duration) {
	t.Helper()
	path := filepath.Join(runDir, journal.Filename)
	old := time.Now().Add(-age)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("Chtimes() error = %v", err)
	}
}

func TestReconcileStaleRun(t *testing.T) {
	root := t.TempDir()
	dir := writeRun(t, root, "wf-deploy", "run-1", []event.Type{
		event.TypeWorkflowStarted, event.TypeStepStarted,
	})
	ageJournal(t, dir, 2*time.Hour)

	opts := Options{Threshold: time.Hour, Logger: discardLogger()}
	res, err := ReconcileRun(dir, opts)
	if err != nil {
		t.Fatalf("ReconcileRun() error = %v", err)
	}
	if res == nil {
		t.Fatal("ReconcileRun() = nil, want a result for a stale run")
	}
	if res.WorkflowID != "wf-deploy" || res.RunID != "run-1" {
		t.Errorf("result identity = (%q, %q)", res.WorkflowID, res.RunID)
	}
	if res.PreviousStatus != manifest.StatusRunning {
		t.Errorf("PreviousStatus = %q, want RUNNING", res.PreviousStatus)
	}

	events, err := journal.ReadFile(filepath.Join(dir, journal.Filename), discardLogger())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	last := events[len(events)-1]
	if last.Type != event.TypeWorkflowCrashed {
		t.Fatalf("last event = %q, want workflow.crashed", last.Type)
	}

	m := manifest.Reduce(events)
	if m.Status != manifest.StatusCrashed {
		t.Errorf("reduced status = %q, want CRASHED", m.Status)
	}
}

func TestReconcileIdempotent(t *testing.T) {
	root := t.TempDir()
	dir := writeRun(t, root, "wf-deploy", "run-1", []event.Type{event.TypeWorkflowStarted})
	ageJournal(t, dir, 2*time.Hour)

	opts := Options{Threshold: time.Hour, Logger: discardLogger()}
	first, err := ReconcileRun(dir, opts)
	if err != nil {
		t.Fatalf("first ReconcileRun() error = %v", err)
	}
	if first == nil {
		t.Fatal("first ReconcileRun() = nil, want action")
	}

	// The run is now terminal, so the second call must be a no-op even
	// though the journal is still old enough to look stale.
	ageJournal(t, dir, 2*time.Hour)
	second, err := ReconcileRun(dir, opts)
	if err != nil {
		t.Fatalf("second ReconcileRun() error = %v", err)
	}
	if second != nil {
		t.Errorf("second ReconcileRun() = %+v, want nil", second)
	}

	events, err := journal.ReadFile(filepath.Join(dir, journal.Filename), discardLogger())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	crashed := 0
	for _, e := range events {
		if e.Type == event.TypeWorkflowCrashed {
			crashed++
		}
	}
	if crashed != 1 {
		t.Errorf("journal has %d crashed events, want exactly 1", crashed)
	}
}

func TestReconcileRespectsThreshold(t *testing.T) {
	root := t.TempDir()
	dir := writeRun(t, root, "wf-deploy", "run-1", []event.Type{event.TypeWorkflowStarted})

	// Freshly written journal: not stale.
	res, err := ReconcileRun(dir, Options{Threshold: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("ReconcileRun() error = %v", err)
	}
	if res != nil {
		t.Errorf("ReconcileRun() = %+v, want nil for a fresh journal", res)
	}
}

func TestReconcileTerminalRunNoOp(t *testing.T) {
	root := t.TempDir()
	dir := writeRun(t, root, "wf-deploy", "run-1", []event.Type{
		event.TypeWorkflowStarted, event.TypeWorkflowCompleted,
	})
	ageJournal(t, dir, 48*time.Hour)

	res, err := ReconcileRun(dir, Options{Threshold: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("ReconcileRun() error = %v", err)
	}
	if res != nil {
		t.Errorf("ReconcileRun() = %+v, want nil for a terminal run", res)
	}
}

func TestReconcileDryRun(t *testing.T) {
	root := t.TempDir()
	dir := writeRun(t, root, "wf-deploy", "run-1", []event.Type{event.TypeWorkflowStarted})
	ageJournal(t, dir, 2*time.Hour)

	res, err := ReconcileRun(dir, Options{Threshold: time.Hour, DryRun: true, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("ReconcileRun() error = %v", err)
	}
	if res == nil || !res.DryRun {
		t.Fatalf("ReconcileRun() = %+v, want dry-run result", res)
	}

	events, err := journal.ReadFile(filepath.Join(dir, journal.Filename), discardLogger())
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, e := range events {
		if e.Type == event.TypeWorkflowCrashed {
			t.Error("dry run appended a crashed event")
		}
	}
}

func TestScanCollectsOnlyActionedRuns(t *testing.T) {
	root := t.TempDir()

	stale := writeRun(t, root, "wf-a", "run-stale", []event.Type{event.TypeWorkflowStarted})
	ageJournal(t, stale, 2*time.Hour)
	writeRun(t, root, "wf-a", "run-fresh", []event.Type{event.TypeWorkflowStarted})
	done := writeRun(t, root, "wf-b", "run-done", []event.Type{
		event.TypeWorkflowStarted, event.TypeWorkflowCompleted,
	})
	ageJournal(t, done, 2*time.Hour)

	results, err := Scan(root, Options{Threshold: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Scan() returned %d results, want 1: %+v", len(results), results)
	}
	if results[0].RunID != "run-stale" {
		t.Errorf("Scan() acted on %q, want run-stale", results[0].RunID)
	}
}

func TestScanEmptyRoot(t *testing.T) {
	results, err := Scan(t.TempDir(), Options{Threshold: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Scan() = %+v, want empty", results)
	}
}

// seedStoreRun appends events for one run, backdated so the run reads
// as idle for the given duration.
func seedStoreRun(t *testing.T, s *memory.Store, workflowID, runID string, types []event.Type, idle time.Duration) {
	t.Helper()
	for _, typ := range types {
		e, err := event.New(typ, workflowID, runID, nil)
		if err != nil {
			t.Fatalf("New() error = %v", err)
		}
		e.Timestamp = time.Now().Add(-idle).UTC()
		if err := s.Append(context.Background(), e); err != nil {
			t.Fatalf("store Append() error = %v", err)
		}
	}
}

func TestReconcileStoreStaleRun(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedStoreRun(t, s, "wf-deploy", "run-1", []event.Type{
		event.TypeWorkflowStarted, event.TypeStepStarted,
	}, 2*time.Hour)

	opts := Options{Threshold: time.Hour, Logger: discardLogger()}
	res, err := ReconcileStoreRun(ctx, s, "wf-deploy", "run-1", opts)
	if err != nil {
		t.Fatalf("ReconcileStoreRun() error = %v", err)
	}
	if res == nil {
		t.Fatal("ReconcileStoreRun() = nil, want a result for a stale run")
	}
	if res.PreviousStatus != manifest.StatusRunning {
		t.Errorf("PreviousStatus = %q, want RUNNING", res.PreviousStatus)
	}

	events, err := s.Load(ctx, "wf-deploy", "run-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if last := events[len(events)-1]; last.Type != event.TypeWorkflowCrashed {
		t.Fatalf("last event = %q, want workflow.crashed", last.Type)
	}
	if m := manifest.Reduce(events); m.Status != manifest.StatusCrashed {
		t.Errorf("reduced status = %q, want CRASHED", m.Status)
	}

	// Terminal now, so a second pass must be a no-op.
	second, err := ReconcileStoreRun(ctx, s, "wf-deploy", "run-1", opts)
	if err != nil {
		t.Fatalf("second ReconcileStoreRun() error = %v", err)
	}
	if second != nil {
		t.Errorf("second ReconcileStoreRun() = %+v, want nil", second)
	}
}

func TestReconcileStoreDryRun(t *testing.T) {
	ctx := context.Background()
	s := memory.New()
	seedStoreRun(t, s, "wf-deploy", "run-1", []event.Type{event.TypeWorkflowStarted}, 2*time.Hour)

	res, err := ReconcileStoreRun(ctx, s, "wf-deploy", "run-1",
		Options{Threshold: time.Hour, DryRun: true, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("ReconcileStoreRun() error = %v", err)
	}
	if res == nil || !res.DryRun {
		t.Fatalf("ReconcileStoreRun() = %+v, want dry-run result", res)
	}

	events, err := s.Load(ctx, "wf-deploy", "run-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	for _, e := range events {
		if e.Type == event.TypeWorkflowCrashed {
			t.Error("dry run appended a crashed event")
		}
	}
}

func TestScanStoreCollectsOnlyActionedRuns(t *testing.T) {
	s := memory.New()
	seedStoreRun(t, s, "wf-a", "run-stale", []event.Type{event.TypeWorkflowStarted}, 2*time.Hour)
	seedStoreRun(t, s, "wf-a", "run-fresh", []event.Type{event.TypeWorkflowStarted}, 0)
	seedStoreRun(t, s, "wf-b", "run-done", []event.Type{
		event.TypeWorkflowStarted, event.TypeWorkflowCompleted,
	}, 2*time.Hour)

	results, err := ScanStore(context.Background(), s, Options{Threshold: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("ScanStore() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("ScanStore() returned %d results, want 1: %+v", len(results), results)
	}
	if results[0].RunID != "run-stale" {
		t.Errorf("ScanStore() acted on %q, want run-stale", results[0].RunID)
	}
}

func TestScanStoreEmpty(t *testing.T) {
	results, err := ScanStore(context.Background(), memory.New(),
		Options{Threshold: time.Hour, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("ScanStore() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("ScanStore() = %+v, want empty", results)
	}
}
