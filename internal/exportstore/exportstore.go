// Package exportstore implements the export_to_file response path from
// spec §4.7: a large query result is written out-of-band and the response
// carries a pointer instead of the full payload. Store is the external
// collaborator contract; the local-filesystem implementation is the
// default, with the object-storage fields in internal/config.ExportConfig
// reserved for a future S3/MinIO-backed Store the same shape the teacher
// configures its archival adapters with.
package exportstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Store persists a query result payload and returns a retrievable handle.
type Store interface {
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// LocalStore writes exports under a base directory on local disk.
type LocalStore struct {
	baseDir string
}

// NewLocalStore returns a LocalStore rooted at baseDir, creating it if
// necessary.
func NewLocalStore(baseDir string) (*LocalStore, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("exportstore: create base dir: %w", err)
	}
	return &LocalStore{baseDir: baseDir}, nil
}

// Put writes data under baseDir/name and returns the absolute path.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) (string, error) {
	path := filepath.Join(s.baseDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// ExportJSON marshals v and writes it under a timestamped name scoped to
// model, returning the path handle the query response's export_to_file
// field carries.
func ExportJSON(ctx context.Context, store Store, model string, v interface{}) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	name := fmt.Sprintf("%s_%d.json", model, nowFunc().UnixNano())
	return store.Put(ctx, name, data)
}

// nowFunc is overridable in tests to keep export filenames deterministic.
var nowFunc = time.Now
