package revert

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

const (
	logExt     = ".json"
	tempMarker = ".tmp-"
)

// Store keeps one log file per optimization under a directory,
// <dir>/<optimization-id>.json
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir (usually <data-root>/Revert)
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store directory
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the log path for an optimization id
func (s *Store) Path(id uuid.UUID) string {
	return filepath.Join(s.dir, id.String()+logExt)
}

// Write replaces the log for id atomically: the data is written and synced
// to a temp file in the same directory, then renamed over the target.
func (s *Store) Write(id uuid.UUID, data []byte) error {
	if err := os.MkdirAll(s.dir, 0755); err != nil {
		return fmt.Errorf("failed to create revert directory: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, id.String()+logExt+tempMarker+"*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write revert log: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync revert log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to close revert log: %w", err)
	}

	if err := os.Rename(tempPath, s.Path(id)); err != nil {
		os.Remove(tempPath) // Clean up temp file
		return fmt.Errorf("failed to rename revert log: %w", err)
	}
	return nil
}

// Read returns the raw log for id or ErrNotFound
func (s *Store) Read(id uuid.UUID) ([]byte, error) {
	data, err := os.ReadFile(s.Path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to read revert log: %w", err)
	}
	return data, nil
}

// Exists reports whether a log file is present, trusted or not
func (s *Store) Exists(id uuid.UUID) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// Remove deletes the log for id; a missing log is not an error
func (s *Store) Remove(id uuid.UUID) error {
	if err := os.Remove(s.Path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove revert log: %w", err)
	}
	return nil
}

// List returns the ids of every log file in the store
func (s *Store) List() ([]uuid.UUID, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []uuid.UUID{}, nil
		}
		return nil, fmt.Errorf("failed to read revert directory: %w", err)
	}

	ids := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != logExt {
			continue
		}
		id, err := uuid.Parse(strings.TrimSuffix(name, logExt))
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// CleanupTemp removes temp files left behind by a crash mid-write
func (s *Store) CleanupTemp() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read revert directory: %w", err)
	}

	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), logExt+tempMarker) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
