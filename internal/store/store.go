// Package store persists execution records as JSON lines, one file per
// local day: trades_<date>.jsonl. Records are append-only and never read
// back by the engine; the files exist for offline analysis and audit.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"okx-triarb/pkg/types"
)

// Store appends trade records to daily JSONL files.
// All operations are mutex-protected to keep lines whole under concurrency.
type Store struct {
	dir string
	mu  sync.Mutex
}

// Open creates a store backed by the given directory.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Close is a no-op for file-based storage.
func (s *Store) Close() error {
	return nil
}

// Append writes one execution record to the current day's file.
func (s *Store) Append(result *types.ExecutionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}

	path := filepath.Join(s.dir, fileName(result.StartedAt))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open trade file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func fileName(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return "trades_" + t.Local().Format("2006-01-02") + ".jsonl"
}
