// Package syncstate persists the per-model sync watermark the cascade
// coordinator and scheduler use to compute incremental domains (spec
// §4.2/§4.6). Writes are temp-file-then-rename, the same atomic-replace
// discipline the teacher's infrastructure/cache snapshotting uses to avoid
// a torn read if the process is killed mid-write.
package syncstate

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ModelState is the last-known sync position for one model.
type ModelState struct {
	Model          string    `json:"model"`
	LastSyncedAt   time.Time `json:"last_synced_at"`
	LastWriteDate  time.Time `json:"last_write_date"`
	RecordsSynced  int64     `json:"records_synced"`
	LastSyncType   string    `json:"last_sync_type"` // full | incremental
}

// Store is a JSON file-backed sync-state table, one row per model.
type Store struct {
	mu    sync.Mutex
	path  string
	cache map[string]ModelState
}

// Open loads existing state from path, if present.
func Open(path string) (*Store, error) {
	s := &Store{path: path, cache: make(map[string]ModelState)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	var rows []ModelState
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, err
	}
	for _, r := range rows {
		s.cache[r.Model] = r
	}
	return s, nil
}

// Get returns the recorded state for model, or the zero value and false if
// the model has never synced.
func (s *Store) Get(model string) (ModelState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.cache[model]
	return st, ok
}

// Put records model's new state and persists the whole table atomically.
func (s *Store) Put(st ModelState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[st.Model] = st
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	rows := make([]ModelState, 0, len(s.cache))
	for _, st := range s.cache {
		rows = append(rows, st)
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".syncstate-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path)
}
