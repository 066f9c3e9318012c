package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Store persists the timestamp of the last fully-completed synchronization run
// as a single JSON file. The file is replaced atomically on save.
type Store struct {
	path string
}

type payload struct {
	LastSync string `json:"last_sync"`
}

// NewStore points the store at the checkpoint file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Last returns the recorded timestamp. ok is false when no checkpoint exists
// yet; a corrupt file is an error, not a silent reset.
func (s *Store) Last() (time.Time, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read checkpoint: %w", err)
	}

	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint: %w", err)
	}

	ts, err := time.Parse(time.RFC3339, p.LastSync)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse checkpoint timestamp %q: %w", p.LastSync, err)
	}

	return ts, true, nil
}

// Save overwrites the checkpoint with t, via a temp file and rename so a crash
// mid-write cannot leave a truncated checkpoint behind.
func (s *Store) Save(t time.Time) error {
	data, err := json.Marshal(payload{LastSync: t.UTC().Format(time.RFC3339)})
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close checkpoint: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	return nil
}
