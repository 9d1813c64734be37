// Package reconcile detects runs stuck in a non-terminal state and heals
// them by appending a synthetic terminal event to their journal. It never
// mutates history: existing journal lines are untouched, and a run that
// already reached a terminal status is always left alone, which is what
// makes repeated reconciliation idempotent.
//
// Staleness is judged by the journal file's last-modification time, or by
// the newest event's timestamp for store-backed runs. Either is a proxy
// for activity, not a liveness signal: a live writer that stalls
// without progress is indistinguishable from a dead one, and nothing stops
// a reconciled run's original writer from appending afterwards. The
// reducer's first-terminal-wins rule keeps the outcome deterministic either
// way; callers wanting stronger guarantees should pair the threshold with
// their own heartbeat policy.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/lirancohen/scribe/event"
	"github.com/lirancohen/scribe/journal"
	"github.com/lirancohen/scribe/manifest"
)

// Result describes one run the reconciler acted on, or failed to examine.
type Result struct {
	// WorkflowID and RunID identify the run.
	WorkflowID string `json:"workflow_id"`
	RunID      string `json:"run_id"`

	// JournalPath is the journal file the result refers to.
	// Empty for store-backed runs, which have no file.
	JournalPath string `json:"journal_path,omitempty"`

	// PreviousStatus is the non-terminal status the run was stuck in.
	PreviousStatus manifest.Status `json:"previous_status,omitempty"`

	// IdleFor is how long the journal had been unmodified.
	IdleFor time.Duration `json:"idle_for_ns,omitempty"`

	// DryRun marks a result describing what would happen without writing.
	DryRun bool `json:"dry_run,omitempty"`

	// Err carries a per-run failure during a scan (journal unreadable).
	// Carried as data so one bad run never aborts the rest of the batch.
	Err error `json:"-"`
}

// Options configures reconciliation.
type Options struct {
	// Threshold is how long a non-terminal run's journal may stay
	// unmodified before the run is considered crashed. Required.
	Threshold time.Duration

	// DryRun reports what would be reconciled without appending anything.
	DryRun bool

	// Logger receives scan diagnostics. Nil means slog.Default.
	Logger *slog.Logger
}

func (o *Options) logger() *slog.Logger {
	if o.Logger == nil {
		return slog.Default()
	}
	return o.Logger
}

// ReconcileRun examines the run whose journal lives in runDir and, if the
// run is non-terminal and stale, appends one synthetic workflow.crashed
// event. Returns nil when no action is needed: the run is already terminal
// (reconciling a terminal run is defined to be a no-op) or was active more
// recently than the threshold.
func ReconcileRun(runDir string, opts Options) (*Result, error) {
	path := filepath.Join(runDir, journal.Filename)

	events, err := journal.ReadFile(path, opts.logger())
	if err != nil {
		return nil, fmt.Errorf("reconcile %s: %w", runDir, err)
	}

	m := manifest.Reduce(events)
	if m.Status.IsTerminal() {
		return nil, nil
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat journal %s: %w", path, err)
	}
	idle := time.Since(info.ModTime())
	if idle < opts.Threshold {
		return nil, nil
	}

	res := &Result{
		WorkflowID:     m.WorkflowID,
		RunID:          m.RunID,
		JournalPath:    path,
		PreviousStatus: m.Status,
		IdleFor:        idle,
		DryRun:         opts.DryRun,
	}
	if opts.DryRun {
		return res, nil
	}

	crashed, err := event.New(event.TypeWorkflowCrashed, m.WorkflowID, m.RunID, event.WorkflowCrashedData{
		Reason:   fmt.Sprintf("no journal activity for %s (threshold %s)", idle.Round(time.Second), opts.Threshold),
		StaleFor: idle,
	})
	if err != nil {
		return nil, fmt.Errorf("build crashed event: %w", err)
	}
	if err := journal.AppendEvent(path, crashed); err != nil {
		return nil, fmt.Errorf("append crashed event: %w", err)
	}

	opts.logger().Info("reconciled stale run",
		"workflow_id", m.WorkflowID, "run_id", m.RunID,
		"previous_status", m.Status, "idle_for", idle)
	return res, nil
}

// Scan walks every run directory under root and reconciles each one,
// collecting only the runs that needed action. Per-run errors are reported
// as Results with Err set; they never abort the scan.
func Scan(root string, opts Options) ([]Result, error) {
	var results []Result
	err := journal.WalkRuns(root, func(path string) error {
		res, err := ReconcileRun(filepath.Dir(path), opts)
		if err != nil {
			results = append(results, Result{JournalPath: path, Err: err})
			return nil
		}
		if res != nil {
			results = append(results, *res)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// ReconcileStoreRun examines one run held in a journal.Store. Staleness
// is judged by the timestamp of the run's newest event, since a store
// has no file to stat; that is a slightly stricter proxy than mtime,
// as the file variant also counts rewrites that append nothing. The
// synthetic crashed event goes through Store.Append, so it carries the
// same durability and duplicate-ID guarantees as any other append.
func ReconcileStoreRun(ctx context.Context, s journal.Store, workflowID, runID string, opts Options) (*Result, error) {
	events, err := s.Load(ctx, workflowID, runID)
	if err != nil {
		return nil, fmt.Errorf("load run %s/%s: %w", workflowID, runID, err)
	}
	if len(events) == 0 {
		return nil, nil
	}

	m := manifest.Reduce(events)
	if m.Status.IsTerminal() {
		return nil, nil
	}

	idle := time.Since(events[len(events)-1].Timestamp)
	if idle < opts.Threshold {
		return nil, nil
	}

	res := &Result{
		WorkflowID:     m.WorkflowID,
		RunID:          m.RunID,
		PreviousStatus: m.Status,
		IdleFor:        idle,
		DryRun:         opts.DryRun,
	}
	if opts.DryRun {
		return res, nil
	}

	crashed, err := event.New(event.TypeWorkflowCrashed, m.WorkflowID, m.RunID, event.WorkflowCrashedData{
		Reason:   fmt.Sprintf("no journal activity for %s (threshold %s)", idle.Round(time.Second), opts.Threshold),
		StaleFor: idle,
	})
	if err != nil {
		return nil, fmt.Errorf("build crashed event: %w", err)
	}
	if err := s.Append(ctx, crashed); err != nil {
		return nil, fmt.Errorf("append crashed event: %w", err)
	}

	opts.logger().Info("reconciled stale run",
		"workflow_id", m.WorkflowID, "run_id", m.RunID,
		"previous_status", m.Status, "idle_for", idle)
	return res, nil
}

// ScanStore reconciles every run the store lists. The store-backed
// counterpart of Scan, with the same collection and per-run error
// semantics.
func ScanStore(ctx context.Context, s journal.Store, opts Options) ([]Result, error) {
	refs, err := s.ListRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}

	var results []Result
	for _, ref := range refs {
		res, err := ReconcileStoreRun(ctx, s, ref.WorkflowID, ref.RunID, opts)
		if err != nil {
			results = append(results, Result{WorkflowID: ref.WorkflowID, RunID: ref.RunID, Err: err})
			continue
		}
		if res != nil {
			results = append(results, *res)
		}
	}
	return results, nil
}
