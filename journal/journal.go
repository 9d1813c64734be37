// Package journal provides the append-only durable event log for a single
// workflow run. Each journal is a newline-delimited JSON file: one envelope
// per line wrapping one event with a schema version tag. Lines are only ever
// appended, never rewritten; every append is fsynced before WriteEvent
// returns, which is the durability contract crash recovery depends on.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/lirancohen/scribe/event"
)

// SchemaVersion is the envelope version written by this package.
// Readers skip lines with versions they don't recognize so that journals
// written by a newer writer remain partially readable.
const SchemaVersion = 1

// Filename is the journal file name within a run directory.
const Filename = "journal.ndjson"

// ErrNotFound indicates the journal file does not exist. Distinct from
// line-level corruption, which readers recover from locally.
var ErrNotFound = errors.New("journal not found")

// envelope wraps one event per journal line with its schema version.
type envelope struct {
	Version int         `json:"version"`
	Event   event.Event `json:"event"`
}

// maxLineSize bounds a single journal line during scans. Step outputs are
// expected to live in artifacts, not event payloads, so 4 MiB is generous.
const maxLineSize = 4 << 20

// RunDir returns the conventional directory for a run's files under root.
func RunDir(root, workflowID, runID string) string {
	return filepath.Join(root, workflowID, runID)
}

// Journal is the append-only event log for one run. A run's journal has
// exactly one writer (the run itself) for its entire lifetime; the
// reconciler appends to journals only after independently determining no
// live writer made recent progress.
type Journal struct {
	path   string
	file   *os.File
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithLogger sets the logger used for recoverable read warnings.
// Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(j *Journal) {
		j.logger = logger
	}
}

// Open opens the journal file at path for appending, creating it and any
// parent directories if needed.
func Open(path string, opts ...Option) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{path: path, file: f, logger: slog.Default()}
	for _, opt := range opts {
		opt(j)
	}
	return j, nil
}

// OpenRun opens the journal for (workflowID, runID) under root using the
// conventional directory layout.
func OpenRun(root, workflowID, runID string, opts ...Option) (*Journal, error) {
	return Open(filepath.Join(RunDir(root, workflowID, runID), Filename), opts...)
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// WriteEvent serializes the event with a version envelope, appends one line,
// and forces the write to stable storage before returning. A crash
// immediately after WriteEvent returns can never lose the event.
func (j *Journal) WriteEvent(e event.Event) error {
	if j.file == nil {
		return errors.New("journal: write on closed journal")
	}
	line, err := json.Marshal(envelope{Version: SchemaVersion, Event: e})
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", e.ID, err)
	}
	line = append(line, '\n')
	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("append event %s: %w", e.ID, err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("sync journal: %w", err)
	}
	return nil
}

// Flush forces any buffered data to stable storage. WriteEvent already
// syncs per write, so this only matters for callers probing durability.
func (j *Journal) Flush() error {
	if j.file == nil {
		return nil
	}
	return j.file.Sync()
}

// Close closes the journal file. The journal cannot be written afterwards.
func (j *Journal) Close() error {
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadEvents returns every complete, well-formed event in the journal in
// append order. Corrupt lines (the expected signature of a crash mid-write)
// and unknown schema versions are skipped with a warning, never fatal; only
// whole-file absence or unreadability surfaces as an error.
func (j *Journal) ReadEvents() ([]event.Event, error) {
	return ReadFile(j.path, j.logger)
}

// Events returns a lazy sequence over the journal's events. Each invocation
// of the sequence re-opens and re-scans the file from the start. Unreadable
// lines are skipped the same way ReadEvents skips them; a missing file
// yields an empty sequence.
func (j *Journal) Events() iter.Seq[event.Event] {
	return func(yield func(event.Event) bool) {
		f, err := os.Open(j.path)
		if err != nil {
			return
		}
		defer f.Close()
		scanLines(f, j.path, j.logger, yield)
	}
}

// ReadFile reads every complete event from the journal file at path.
// See Journal.ReadEvents for the tolerance rules. A nil logger defaults
// to slog.Default.
func ReadFile(path string, logger *slog.Logger) ([]event.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("open journal: %w", err)
	}
	defer f.Close()

	var events []event.Event
	scanLines(f, path, logger, func(e event.Event) bool {
		events = append(events, e)
		return true
	})
	return events, nil
}

// AppendEvent opens the journal file at path, durably appends one event,
// and closes it. Used by the reconciler, which must never hold a journal
// open across runs.
func AppendEvent(path string, e event.Event) error {
	j, err := Open(path)
	if err != nil {
		return err
	}
	defer j.Close()
	return j.WriteEvent(e)
}

// WalkRuns calls fn with the journal file path of every run under root,
// using the conventional <root>/<workflow_id>/<run_id>/journal.ndjson
// layout. Run directories without a journal file are skipped. A missing
// root is an empty tree, not an error.
func WalkRuns(root string, fn func(path string) error) error {
	workflows, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read journal root: %w", err)
	}
	for _, wf := range workflows {
		if !wf.IsDir() {
			continue
		}
		runs, err := os.ReadDir(filepath.Join(root, wf.Name()))
		if err != nil {
			return fmt.Errorf("read workflow dir %s: %w", wf.Name(), err)
		}
		for _, r := range runs {
			if !r.IsDir() {
				continue
			}
			path := filepath.Join(root, wf.Name(), r.Name(), Filename)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := fn(path); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanLines decodes envelopes line by line, skipping recoverable damage.
// Damage stays local to its line: corrupt JSON, unknown versions, and
// over-long lines are each skipped individually, and the scan continues
// with the next line.
func scanLines(r io.Reader, path string, logger *slog.Logger, yield func(event.Event) bool) {
	if logger == nil {
		logger = slog.Default()
	}
	br := bufio.NewReaderSize(r, 64*1024)
	lineNo := 0
	for {
		lineNo++
		line, tooLong, readErr := readLine(br)
		switch {
		case tooLong:
			logger.Warn("skipping oversized journal line",
				"journal", path, "line", lineNo, "max_bytes", maxLineSize)
		case len(line) > 0:
			var env envelope
			if err := json.Unmarshal(line, &env); err != nil {
				logger.Warn("skipping corrupt journal line",
					"journal", path, "line", lineNo, "error", err)
			} else if env.Version != SchemaVersion {
				logger.Warn("skipping journal line with unknown schema version",
					"journal", path, "line", lineNo, "version", env.Version)
			} else if !yield(env.Event) {
				return
			}
		}
		if readErr != nil {
			if !errors.Is(readErr, io.EOF) {
				logger.Warn("journal scan stopped early",
					"journal", path, "line", lineNo, "error", readErr)
			}
			return
		}
	}
}

// readLine reads the next line without its trailing newline, bounding
// memory at maxLineSize. A longer line is consumed up to its newline
// but discarded and reported as tooLong. A final unterminated line is
// returned together with io.EOF.
func readLine(br *bufio.Reader) (line []byte, tooLong bool, err error) {
	for {
		frag, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, frag...)
			if len(line) > maxLineSize {
				tooLong = true
				line = nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return line, tooLong, err
		}
		if n := len(line); n > 0 && line[n-1] == '\n' {
			line = line[:n-1]
		}
		return line, tooLong, nil
	}
}
