package river

import (
	"context"
	"fmt"
	"time"

	"github.com/lirancohen/scribe/reconcile"
	"github.com/riverqueue/river"
)

// reconcileWorker processes reconciliation scan jobs.
type reconcileWorker struct {
	river.WorkerDefaults[ReconcileJobArgs]
	maint *Maintenance
}

// Work scans the journal root for stale runs and marks them crashed.
// When runs were actually marked, an index rebuild is enqueued so the
// run index reflects the new statuses.
func (w *reconcileWorker) Work(ctx context.Context, job *river.Job[ReconcileJobArgs]) error {
	args := job.Args
	m := w.maint

	m.logger.Debug("reconcile scan",
		"root", args.Root,
		"threshold", args.Threshold,
		"dry_run", args.DryRun,
	)

	results, err := reconcile.Scan(args.Root, reconcile.Options{
		Threshold: args.Threshold,
		DryRun:    args.DryRun,
		Logger:    m.logger,
	})
	if err != nil {
		return fmt.Errorf("scan journals: %w", err)
	}

	crashed, failed := 0, 0
	for _, res := range results {
		if res.Err != nil {
			failed++
			m.logger.Warn("reconcile run failed",
				"workflow_id", res.WorkflowID,
				"run_id", res.RunID,
				"error", res.Err,
			)
			continue
		}
		crashed++
		m.logger.Info("stale run marked crashed",
			"workflow_id", res.WorkflowID,
			"run_id", res.RunID,
			"previous_status", res.PreviousStatus,
			"idle_for", res.IdleFor,
			"dry_run", res.DryRun,
		)
	}

	if crashed > 0 && !args.DryRun {
		rebuild := IndexRebuildJobArgs{Root: args.Root}
		if _, err := m.client.Insert(ctx, rebuild, riverInsertOpts(rebuild.InsertOpts())); err != nil {
			return fmt.Errorf("insert index rebuild job: %w", err)
		}
	}

	if failed > 0 {
		return fmt.Errorf("reconcile: %d of %d stale runs failed", failed, crashed+failed)
	}
	return nil
}

// NextRetry applies the configured backoff policy.
func (w *reconcileWorker) NextRetry(job *river.Job[ReconcileJobArgs]) time.Time {
	return time.Now().Add(w.maint.config.Retry.NextDelay(job.Attempt))
}

// indexRebuildWorker processes run-index rebuild jobs.
type indexRebuildWorker struct {
	river.WorkerDefaults[IndexRebuildJobArgs]
	maint *Maintenance
}

// Work rebuilds the run index from the journals under the job's root.
func (w *indexRebuildWorker) Work(ctx context.Context, job *river.Job[IndexRebuildJobArgs]) error {
	m := w.maint

	n, err := m.index.Rebuild(job.Args.Root)
	if err != nil {
		return fmt.Errorf("rebuild index: %w", err)
	}

	m.logger.Info("run index rebuilt", "root", job.Args.Root, "entries", n)
	return nil
}

// NextRetry applies the configured backoff policy.
func (w *indexRebuildWorker) NextRetry(job *river.Job[IndexRebuildJobArgs]) time.Time {
	return time.Now().Add(w.maint.config.Retry.NextDelay(job.Attempt))
}
