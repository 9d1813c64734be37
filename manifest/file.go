package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Filename is the manifest snapshot file name within a run directory.
const Filename = "manifest.json"

// ErrNotFound indicates no manifest snapshot exists at the given path.
var ErrNotFound = errors.New("manifest not found")

// WriteFile writes the manifest snapshot into dir. This is the fast path
// written at run finalization; crash recovery never depends on it, since
// the same state is always recomputable from the journal via Reduce.
func WriteFile(dir string, m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	path := filepath.Join(dir, Filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}

// ReadFile reads a manifest snapshot from dir.
// Returns ErrNotFound if no snapshot has been written.
func ReadFile(dir string) (Manifest, error) {
	path := filepath.Join(dir, Filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}
	return m, nil
}
