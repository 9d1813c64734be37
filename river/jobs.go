package river

import "time"

// Job kind constants for River job registration.
const (
	// JobKindReconcile is the kind for crash-reconciliation scan jobs.
	JobKindReconcile = "scribe.reconcile"

	// JobKindIndexRebuild is the kind for run-index rebuild jobs.
	JobKindIndexRebuild = "scribe.index_rebuild"
)

// ReconcileJobArgs contains arguments for a reconciliation scan.
// The job walks every run journal under Root and marks runs with no
// journal activity for longer than Threshold as crashed.
type ReconcileJobArgs struct {
	// Root is the journal root directory to scan.
	Root string `json:"root"`

	// Threshold is the idle duration after which a non-terminal run is
	// considered crashed.
	Threshold time.Duration `json:"threshold"`

	// DryRun reports stale runs without appending crash events.
	DryRun bool `json:"dry_run,omitempty"`
}

// Kind implements river.JobArgs.
func (ReconcileJobArgs) Kind() string {
	return JobKindReconcile
}

// InsertOpts implements river.JobArgsWithInsertOpts to provide default options.
// The returned options can be overridden when inserting the job.
func (ReconcileJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 5,
	}
}

// IndexRebuildJobArgs contains arguments for rebuilding the run index
// from the journals under Root.
type IndexRebuildJobArgs struct {
	// Root is the journal root directory to rebuild from.
	Root string `json:"root"`
}

// Kind implements river.JobArgs.
func (IndexRebuildJobArgs) Kind() string {
	return JobKindIndexRebuild
}

// InsertOpts implements river.JobArgsWithInsertOpts.
func (IndexRebuildJobArgs) InsertOpts() InsertOpts {
	return InsertOpts{
		MaxAttempts: 5,
	}
}

// InsertOpts mirrors River's InsertOpts for job configuration.
// This allows our job args to specify default insert options without
// importing River directly in this file.
type InsertOpts struct {
	// MaxAttempts is the maximum number of attempts for this job.
	// If not set, River's default (24) is used.
	MaxAttempts int

	// Priority is the job priority. Lower values are higher priority.
	// If not set, River's default (1) is used.
	Priority int

	// Queue is the queue to insert the job into.
	// If not set, River's default queue is used.
	Queue string
}
