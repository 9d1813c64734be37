// Package index provides an append-only materialized projection over many
// runs' manifests, for listing and filtering without re-reading every
// journal. Entries are newline-delimited JSON, never updated in place; the
// latest entry for a run id is authoritative for direct lookups, and a full
// rebuild re-derives the index into a fresh file instead of deduplicating.
package index

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/lirancohen/scribe/journal"
	"github.com/lirancohen/scribe/manifest"
)

// ErrNotFound indicates no entry exists for the requested run.
var ErrNotFound = errors.New("run not found in index")

// Entry is the compact per-run record derived from a Manifest.
type Entry struct {
	RunID        string          `json:"run_id"`
	WorkflowID   string          `json:"workflow_id"`
	WorkflowName string          `json:"workflow_name,omitempty"`
	Status       manifest.Status `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	Error        *string         `json:"error,omitempty"`
	Trigger      string          `json:"trigger,omitempty"`
}

// FromManifest derives an index entry from a manifest.
func FromManifest(m manifest.Manifest) Entry {
	e := Entry{
		RunID:        m.RunID,
		WorkflowID:   m.WorkflowID,
		WorkflowName: m.WorkflowName,
		Status:       m.Status,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		Error:        m.Error,
	}
	if m.Provenance != nil {
		e.Trigger = m.Provenance.Trigger
	}
	return e
}

// Filter specifies criteria for listing runs.
// All fields are optional; zero values mean "no filter".
type Filter struct {
	// Status filters by run status.
	Status manifest.Status

	// WorkflowID filters by workflow.
	WorkflowID string

	// Offset skips the first N filtered results (for pagination).
	Offset int

	// Limit caps the number of results (0 means no limit).
	Limit int
}

// matches applies the filter criteria, ignoring pagination fields.
func (f Filter) matches(e Entry) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.WorkflowID != "" && e.WorkflowID != f.WorkflowID {
		return false
	}
	return true
}

// Index is the file-backed run index. It has exactly one writer component;
// concurrent incremental appends and a full rebuild against the same file
// must be serialized by the caller.
type Index struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger used for recoverable scan warnings.
// Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(ix *Index) {
		ix.logger = logger
	}
}

// Open creates an index over the file at path. The file is created lazily
// on first append or rebuild.
func Open(path string, opts ...Option) *Index {
	ix := &Index{path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Append durably appends one entry. Pure append: existing lines are never
// rewritten, so a status change for a run is recorded as a newer entry.
func (ix *Index) Append(e Entry) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return appendEntry(ix.path, e)
}

// List returns the filtered entries in file order, paginated by the
// filter's Offset and Limit. Filters apply before pagination.
func (ix *Index) List(f Filter) ([]Entry, error) {
	all, err := ix.scan()
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range all {
		if f.matches(e) {
			filtered = append(filtered, e)
		}
	}

	if f.Offset >= len(filtered) {
		return nil, nil
	}
	filtered = filtered[f.Offset:]
	if f.Limit > 0 && len(filtered) > f.Limit {
		filtered = filtered[:f.Limit]
	}
	return filtered, nil
}

// Get returns the latest entry for runID.
// Returns ErrNotFound if the run has never been indexed.
func (ix *Index) Get(runID string) (Entry, error) {
	all, err := ix.scan()
	if err != nil {
		return Entry{}, err
	}
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].RunID == runID {
			return all[i], nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
}

// Count returns the number of entries matching the filter, ignoring its
// pagination fields.
func (ix *Index) Count(f Filter) (int, error) {
	all, err := ix.scan()
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range all {
		if f.matches(e) {
			count++
		}
	}
	return count, nil
}

// Rebuild clears the index and re-derives one entry per run by reducing
// every journal under root. The new index is written to a fresh temp file
// and renamed into place, so duplicate entries from earlier incremental
// appends disappear without any dedup logic. Returns the entry count.
func (ix *Index) Rebuild(root string) (int, error) {
	return ix.rebuild(func(emit func(Entry) error) error {
		return journal.WalkRuns(root, func(path string) error {
			events, err := journal.ReadFile(path, ix.logger)
			if err != nil {
				// A vanished or unreadable journal should not abort the
				// rebuild of every other run.
				ix.logger.Warn("skipping unreadable journal during rebuild",
					"journal", path, "error", err)
				return nil
			}
			if len(events) == 0 {
				return nil
			}
			return emit(FromManifest(manifest.Reduce(events)))
		})
	})
}

// RebuildFromStore re-derives the index from a journal.Store instead of
// a journal directory tree, for deployments that keep their journals in
// a database. One entry per run the store lists, same temp-file-and-
// rename replacement as Rebuild.
func (ix *Index) RebuildFromStore(ctx context.Context, s journal.Store) (int, error) {
	return ix.rebuild(func(emit func(Entry) error) error {
		refs, err := s.ListRuns(ctx)
		if err != nil {
			return fmt.Errorf("list runs: %w", err)
		}
		for _, ref := range refs {
			events, err := s.Load(ctx, ref.WorkflowID, ref.RunID)
			if err != nil {
				return fmt.Errorf("load run %s/%s: %w", ref.WorkflowID, ref.RunID, err)
			}
			if len(events) == 0 {
				continue
			}
			if err := emit(FromManifest(manifest.Reduce(events))); err != nil {
				return err
			}
		}
		return nil
	})
}

// rebuild writes the entries fill emits to a fresh temp file, then
// renames it over the index. Returns the entry count.
func (ix *Index) rebuild(fill func(emit func(Entry) error) error) (int, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(ix.path), ".index-rebuild-*")
	if err != nil {
		return 0, fmt.Errorf("create temp index: %w", err)
	}
	defer os.Remove(tmp.Name())

	count := 0
	emit := func(e Entry) error {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry for run %s: %w", e.RunID, err)
		}
		if _, err := tmp.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("write entry: %w", err)
		}
		count++
		return nil
	}
	if err := fill(emit); err != nil {
		tmp.Close()
		return 0, err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmp.Name(), ix.path); err != nil {
		return 0, fmt.Errorf("replace index: %w", err)
	}
	return count, nil
}

// scan reads every well-formed entry in file order.
// Corrupt lines are skipped with a warning, never fatal. A missing file is
// an empty index.
func (ix *Index) scan() ([]Entry, error) {
	f, err := os.Open(ix.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open index: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			ix.logger.Warn("skipping corrupt index line",
				"index", ix.path, "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		ix.logger.Warn("index scan stopped early",
			"index", ix.path, "line", lineNo+1, "error", err)
	}
	return entries, nil
}

// appendEntry durably appends one line to the index file.
func appendEntry(path string, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal entry for run %s: %w", e.RunID, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open index: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync index: %w", err)
	}
	return nil
}
