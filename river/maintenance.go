// Package river runs scribe's background maintenance on a River job
// queue: periodic crash-reconciliation scans over the journal root and
// run-index rebuilds, with durable scheduling and retry backed by
// Postgres.
package river

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/scribe/index"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
)

// Common errors returned by the Maintenance runner.
var (
	// ErrNotStarted indicates an operation was attempted before Start.
	ErrNotStarted = errors.New("maintenance not started")

	// ErrAlreadyStarted indicates Start was called twice.
	ErrAlreadyStarted = errors.New("maintenance already started")
)

// Maintenance schedules and processes scribe's background jobs.
// Reconciliation scans run every ReconcileInterval and index rebuilds
// every RebuildInterval; both can also be enqueued on demand.
type Maintenance struct {
	pool   *pgxpool.Pool
	index  *index.Index
	config Config
	logger *slog.Logger

	client     *river.Client[pgx.Tx]
	started    bool
	processing bool
	mu         sync.Mutex
}

// New creates a Maintenance runner with the given configuration.
// Returns an error if required configuration is missing.
func New(config Config) (*Maintenance, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	cfg := config.withDefaults()

	return &Maintenance{
		pool:   cfg.Pool,
		index:  cfg.Index,
		config: cfg,
		logger: cfg.Logger,
	}, nil
}

// Start initializes the River client and, with a positive worker count,
// registers the periodic jobs and begins processing. Must be called
// before enqueueing jobs. With Workers=0 the client is insert-only:
// EnqueueReconcile and EnqueueRebuild work, but job processing and
// periodic scheduling belong to another process.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return ErrAlreadyStarted
	}

	cfg := &river.Config{
		JobTimeout:   m.config.JobTimeout,
		ErrorHandler: &errorHandler{logger: m.logger},
	}
	// Workers=0 leaves workers, queues, and periodic jobs unconfigured:
	// River refuses to start a client without queues, and periodic
	// scheduling only runs on a started client anyway.
	processing := m.config.Workers > 0
	if processing {
		workers := river.NewWorkers()
		river.AddWorker(workers, &reconcileWorker{maint: m})
		river.AddWorker(workers, &indexRebuildWorker{maint: m})

		cfg.Workers = workers
		cfg.Queues = map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: m.config.Workers},
		}
		cfg.PeriodicJobs = []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(m.config.ReconcileInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return ReconcileJobArgs{
						Root:      m.config.JournalRoot,
						Threshold: m.config.StaleThreshold,
					}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
			river.NewPeriodicJob(
				river.PeriodicInterval(m.config.RebuildInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return IndexRebuildJobArgs{Root: m.config.JournalRoot}, nil
				},
				nil,
			),
		}
	}

	client, err := river.NewClient(riverpgxv5.New(m.pool), cfg)
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}

	if processing {
		if err := client.Start(ctx); err != nil {
			return fmt.Errorf("start river client: %w", err)
		}
	}

	m.client = client
	m.processing = processing
	m.started = true
	m.logger.Info("maintenance started",
		"workers", m.config.Workers,
		"journal_root", m.config.JournalRoot,
		"reconcile_interval", m.config.ReconcileInterval,
		"rebuild_interval", m.config.RebuildInterval,
	)

	return nil
}

// Stop gracefully shuts down the runner.
// Waits for in-flight jobs up to ShutdownTimeout.
func (m *Maintenance) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	if m.processing {
		shutdownCtx, cancel := context.WithTimeout(ctx, m.config.ShutdownTimeout)
		defer cancel()

		if err := m.client.Stop(shutdownCtx); err != nil {
			m.logger.Warn("river client stop error", "error", err)
		}
	}

	m.started = false
	m.processing = false
	m.logger.Info("maintenance stopped")

	return nil
}

// EnqueueReconcile inserts an immediate reconciliation scan, ahead of
// the next scheduled one. With dryRun set, stale runs are reported but
// not marked crashed.
func (m *Maintenance) EnqueueReconcile(ctx context.Context, dryRun bool) error {
	client, err := m.runningClient()
	if err != nil {
		return err
	}

	args := ReconcileJobArgs{
		Root:      m.config.JournalRoot,
		Threshold: m.config.StaleThreshold,
		DryRun:    dryRun,
	}
	if _, err := client.Insert(ctx, args, riverInsertOpts(args.InsertOpts())); err != nil {
		return fmt.Errorf("insert reconcile job: %w", err)
	}
	return nil
}

// EnqueueRebuild inserts an immediate run-index rebuild.
func (m *Maintenance) EnqueueRebuild(ctx context.Context) error {
	client, err := m.runningClient()
	if err != nil {
		return err
	}

	args := IndexRebuildJobArgs{Root: m.config.JournalRoot}
	if _, err := client.Insert(ctx, args, riverInsertOpts(args.InsertOpts())); err != nil {
		return fmt.Errorf("insert index rebuild job: %w", err)
	}
	return nil
}

// runningClient returns the client if the runner has started.
func (m *Maintenance) runningClient() (*river.Client[pgx.Tx], error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	return m.client, nil
}

// riverInsertOpts converts our InsertOpts mirror to River's type.
func riverInsertOpts(o InsertOpts) *river.InsertOpts {
	return &river.InsertOpts{
		MaxAttempts: o.MaxAttempts,
		Priority:    o.Priority,
		Queue:       o.Queue,
	}
}

// errorHandler handles River job errors.
type errorHandler struct {
	logger *slog.Logger
}

func (h *errorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.logger.Error("job error", "job_kind", job.Kind, "attempt", job.Attempt, "error", err)
	return nil
}

func (h *errorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.logger.Error("job panic", "job_kind", job.Kind, "panic", panicVal, "trace", trace)
	return nil
}
