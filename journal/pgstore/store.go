// Package pgstore provides a PostgreSQL-based implementation of
// journal.Store for service deployments that keep run journals in a
// database instead of per-run files.
package pgstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lirancohen/scribe/event"
	"github.com/lirancohen/scribe/journal"
)

// Schema is the DDL for the events table. Callers own migrations; Migrate
// applies this schema for tests and simple deployments.
const Schema = `
CREATE TABLE IF NOT EXISTS scribe_events (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	position BIGSERIAL NOT NULL,
	type TEXT NOT NULL,
	step_name TEXT,
	data JSONB,
	metadata JSONB,
	timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_scribe_events_run ON scribe_events (workflow_id, run_id, position);
`

// Store implements journal.Store with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a new PostgreSQL event store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the events table if it does not exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply scribe_events schema: %w", err)
	}
	return nil
}

// Append adds a single event to the store. The append is committed before
// returning, matching the file journal's durability contract.
// Returns journal.ErrDuplicateEvent if an event with the same ID exists.
func (s *Store) Append(ctx context.Context, e event.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Advisory lock serializes appends per run so position order matches
	// the causal order the single writer produced them in.
	lockKey := e.WorkflowID + "/" + e.RunID
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey); err != nil {
		return fmt.Errorf("acquire advisory lock: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO scribe_events (id, workflow_id, run_id, type, step_name, data, metadata, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, e.ID, e.WorkflowID, e.RunID, string(e.Type), nullable(e.StepName), e.Data, e.Metadata, e.Timestamp)
	if err != nil {
		if isDuplicateKeyError(err) {
			return journal.ErrDuplicateEvent
		}
		return fmt.Errorf("insert event: %w", err)
	}

	return tx.Commit(ctx)
}

// Load retrieves all events for a run in append order.
func (s *Store) Load(ctx context.Context, workflowID, runID string) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, workflow_id, run_id, type, step_name, data, metadata, timestamp
		FROM scribe_events
		WHERE workflow_id = $1 AND run_id = $2
		ORDER BY position ASC
	`, workflowID, runID)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		var e event.Event
		var eventType string
		var stepName *string
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.RunID, &eventType, &stepName, &e.Data, &e.Metadata, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = event.Type(eventType)
		if stepName != nil {
			e.StepName = *stepName
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListRuns returns every run with at least one event.
func (s *Store) ListRuns(ctx context.Context) ([]journal.RunRef, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT workflow_id, run_id FROM scribe_events
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var refs []journal.RunRef
	for rows.Next() {
		var ref journal.RunRef
		if err := rows.Scan(&ref.WorkflowID, &ref.RunID); err != nil {
			return nil, fmt.Errorf("scan run ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return refs, nil
}

// nullable maps an empty string to SQL NULL.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// isDuplicateKeyError reports whether err is a unique-constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

// compile-time interface check
var _ journal.Store = (*Store)(nil)
