package river

import (
	"errors"
	"log/slog"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/scribe/index"
	"github.com/lirancohen/scribe/retry"
)

// Default configuration values.
const (
	// DefaultWorkers is the default number of worker goroutines.
	// Use -1 to auto-detect (runtime.NumCPU()), 0 for insert-only mode.
	DefaultWorkers = -1

	// DefaultJobTimeout is the default timeout for job execution.
	DefaultJobTimeout = 5 * time.Minute

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultStaleThreshold is the default idle duration after which a
	// non-terminal run is considered crashed.
	DefaultStaleThreshold = time.Hour

	// DefaultReconcileInterval is the default period between
	// reconciliation scans.
	DefaultReconcileInterval = 15 * time.Minute

	// DefaultRebuildInterval is the default period between run-index
	// rebuilds.
	DefaultRebuildInterval = 6 * time.Hour
)

// Config configures the Maintenance runner.
type Config struct {
	// Pool is the PostgreSQL connection pool backing the job queue.
	// Required.
	Pool *pgxpool.Pool

	// JournalRoot is the directory containing run journals.
	// Required.
	JournalRoot string

	// Index is the run index rebuilt by index rebuild jobs.
	// Required.
	Index *index.Index

	// StaleThreshold is the idle duration after which a non-terminal run
	// is marked crashed. If zero, defaults to DefaultStaleThreshold.
	StaleThreshold time.Duration

	// ReconcileInterval is the period between scheduled reconciliation
	// scans. If zero, defaults to DefaultReconcileInterval.
	ReconcileInterval time.Duration

	// RebuildInterval is the period between scheduled index rebuilds.
	// If zero, defaults to DefaultRebuildInterval.
	RebuildInterval time.Duration

	// Retry is the backoff policy for failed maintenance jobs.
	// If nil, retry.Default() is used.
	Retry *retry.Policy

	// Logger receives maintenance logs. If nil, logs are discarded.
	Logger *slog.Logger

	// Workers is the number of worker goroutines for processing jobs.
	// If zero, runs in insert-only mode: jobs can be enqueued, but
	// processing and periodic scheduling happen in another process.
	// If negative, defaults to runtime.NumCPU().
	Workers int

	// JobTimeout is the maximum duration for a single job execution.
	// If zero, defaults to DefaultJobTimeout.
	JobTimeout time.Duration

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown.
	// If zero, defaults to DefaultShutdownTimeout.
	ShutdownTimeout time.Duration
}

// Validate checks that the configuration is valid.
// Returns an error if any required fields are missing or invalid.
func (c *Config) Validate() error {
	if c.Pool == nil {
		return errors.New("river: Pool is required")
	}
	if c.JournalRoot == "" {
		return errors.New("river: JournalRoot is required")
	}
	if c.Index == nil {
		return errors.New("river: Index is required")
	}
	return nil
}

// withDefaults returns a copy of the config with default values applied.
// Note: Workers=0 means insert-only mode and is preserved.
func (c *Config) withDefaults() Config {
	cfg := *c

	// Workers=0 means insert-only mode, preserve it
	// Workers<0 means use default (NumCPU)
	if cfg.Workers < 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = DefaultStaleThreshold
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = DefaultReconcileInterval
	}
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = DefaultRebuildInterval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Retry == nil {
		cfg.Retry = retry.Default()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}

	return cfg
}
