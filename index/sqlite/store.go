// Package sqlite provides a SQL-backed run index for long-lived services
// that outgrow the NDJSON index file. It keeps the same append-only
// semantics: entries are inserted, never updated, and the newest row for a
// run id is authoritative for direct lookups.
//
// The package uses database/sql; callers pick the driver, e.g.:
//
//	db, _ := sql.Open("sqlite", "file:scribe.db?_journal=WAL")
//	ix, _ := sqlite.New(db)
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lirancohen/scribe/index"
	"github.com/lirancohen/scribe/journal"
	"github.com/lirancohen/scribe/manifest"
)

const schema = `
CREATE TABLE IF NOT EXISTS scribe_run_index (
	rowid INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	workflow_id TEXT NOT NULL,
	workflow_name TEXT,
	status TEXT NOT NULL,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	error TEXT,
	trigger_kind TEXT
);
CREATE INDEX IF NOT EXISTS idx_scribe_run_index_run ON scribe_run_index (run_id, rowid);
CREATE INDEX IF NOT EXISTS idx_scribe_run_index_filter ON scribe_run_index (workflow_id, status);
`

// Store is a SQL-backed run index.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used during rebuild scans.
// Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates the index schema if needed and returns a Store over db.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{db: db, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("apply run index schema: %w", err)
	}
	return s, nil
}

// Append inserts one entry.
func (s *Store) Append(ctx context.Context, e index.Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scribe_run_index
			(run_id, workflow_id, workflow_name, status, started_at, completed_at, error, trigger_kind)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, e.RunID, e.WorkflowID, e.WorkflowName, string(e.Status), e.StartedAt, e.CompletedAt, e.Error, e.Trigger)
	if err != nil {
		return fmt.Errorf("insert index entry: %w", err)
	}
	return nil
}

// List returns filtered entries in insertion order, paginated by the
// filter's Offset and Limit. Filters apply before pagination.
func (s *Store) List(ctx context.Context, f index.Filter) ([]index.Entry, error) {
	query := `
		SELECT run_id, workflow_id, workflow_name, status, started_at, completed_at, error, trigger_kind
		FROM scribe_run_index
	`
	where, args := filterClause(f)
	query += where + ` ORDER BY rowid ASC`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	} else if f.Offset > 0 {
		query += " LIMIT -1"
	}
	if f.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}
	defer rows.Close()

	var entries []index.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate index: %w", err)
	}
	return entries, nil
}

// Get returns the latest entry for runID.
// Returns index.ErrNotFound if the run has never been indexed.
func (s *Store) Get(ctx context.Context, runID string) (index.Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, workflow_id, workflow_name, status, started_at, completed_at, error, trigger_kind
		FROM scribe_run_index
		WHERE run_id = ?
		ORDER BY rowid DESC
		LIMIT 1
	`, runID)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return index.Entry{}, fmt.Errorf("%w: %s", index.ErrNotFound, runID)
	}
	return e, err
}

// Count returns the number of entries matching the filter, ignoring its
// pagination fields.
func (s *Store) Count(ctx context.Context, f index.Filter) (int, error) {
	query := `SELECT COUNT(*) FROM scribe_run_index`
	where, args := filterClause(f)
	query += where

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count index: %w", err)
	}
	return n, nil
}

// Rebuild clears the table and re-derives one entry per run by reducing
// every journal under root. Returns the entry count.
func (s *Store) Rebuild(ctx context.Context, root string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scribe_run_index`); err != nil {
		return 0, fmt.Errorf("clear index: %w", err)
	}

	count := 0
	err = journal.WalkRuns(root, func(path string) error {
		events, err := journal.ReadFile(path, s.logger)
		if err != nil {
			s.logger.Warn("skipping unreadable journal during rebuild",
				"journal", path, "error", err)
			return nil
		}
		if len(events) == 0 {
			return nil
		}
		e := index.FromManifest(manifest.Reduce(events))
		_, err = tx.ExecContext(ctx, `
			INSERT INTO scribe_run_index
				(run_id, workflow_id, workflow_name, status, started_at, completed_at, error, trigger_kind)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, e.RunID, e.WorkflowID, e.WorkflowName, string(e.Status), e.StartedAt, e.CompletedAt, e.Error, e.Trigger)
		if err != nil {
			return fmt.Errorf("insert entry for run %s: %w", e.RunID, err)
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit rebuild: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (index.Entry, error) {
	var e index.Entry
	var name, errMsg, trigger sql.NullString
	var status string
	err := row.Scan(&e.RunID, &e.WorkflowID, &name, &status, &e.StartedAt, &e.CompletedAt, &errMsg, &trigger)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return index.Entry{}, err
		}
		return index.Entry{}, fmt.Errorf("scan index entry: %w", err)
	}
	e.Status = manifest.Status(status)
	e.WorkflowName = name.String
	if errMsg.Valid {
		msg := errMsg.String
		e.Error = &msg
	}
	e.Trigger = trigger.String
	return e, nil
}

func filterClause(f index.Filter) (string, []any) {
	var conds []string
	var args []any
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if len(conds) == 0 {
		return "", nil
	}
	where := " WHERE " + conds[0]
	for _, c := range conds[1:] {
		where += " AND " + c
	}
	return where, args
}
