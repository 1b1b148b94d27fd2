// Package dlq implements the append-only dead-letter queue spec §4.6
// routes failed records to: one line per failure, single-writer
// serialized, readable back by external tooling through All or Drain. The
// on-disk format mirrors the teacher's infrastructure/cache write-ahead
// style of atomic-append-then-fsync rather than a database table, since
// the DLQ has to survive a vector-sink or upstream outage with zero
// external dependencies.
package dlq

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one failed record, per spec §4.6's DLQ row shape.
type Entry struct {
	RecordID     string    `json:"record_id"`
	Model        string    `json:"model"`
	ModelID      uint16    `json:"model_id"`
	FailureStage string    `json:"failure_stage"` // extract | transform | embed | upsert
	ErrorMessage string    `json:"error_message"`
	BatchNumber  int       `json:"batch_number"`
	EncodedText  string    `json:"encoded_text"`
	FailedAt     time.Time `json:"failed_at"`
	RetryCount   int       `json:"retry_count"`
}

// Queue is a single-writer, append-only JSONL dead-letter queue.
type Queue struct {
	mu   sync.Mutex
	path string
}

// Open prepares (but does not truncate) the DLQ file at path.
func Open(path string) (*Queue, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &Queue{path: path}, nil
}

// Append writes one entry, serialized against concurrent writers.
func (q *Queue) Append(e Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// Depth returns the number of entries currently queued.
func (q *Queue) Depth() (int, error) {
	entries, err := q.All()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// All reads every entry currently in the queue, in append order.
func (q *Queue) All() ([]Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var entries []Entry
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Drain reads all entries and truncates the queue. No code in this module
// replays the drained entries.
func (q *Queue) Drain() ([]Entry, error) {
	entries, err := q.All()
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := os.WriteFile(q.path, nil, 0o644); err != nil {
		return nil, err
	}
	return entries, nil
}
