package store

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"okx-triarb/pkg/types"
)

func TestAppendAndFileLayout(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	started := time.Date(2026, 8, 24, 10, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		result := &types.ExecutionResult{
			Route:     "USDT->BTC->USDC->USDT",
			Stake:     1000,
			Profit:    float64(i),
			Success:   true,
			StartedAt: started,
		}
		if err := s.Append(result); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	path := filepath.Join(dir, "trades_2026-08-24.jsonl")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var record types.ExecutionResult
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			t.Fatalf("line %d not valid JSON: %v", lines+1, err)
		}
		if record.Route != "USDT->BTC->USDC->USDT" {
			t.Errorf("route = %s", record.Route)
		}
		if record.Profit != float64(lines) {
			t.Errorf("line %d profit = %v, want %v", lines+1, record.Profit, lines)
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestAppendSplitsByDay(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	day1 := time.Date(2026, 8, 23, 23, 59, 0, 0, time.Local)
	day2 := time.Date(2026, 8, 24, 0, 1, 0, 0, time.Local)
	for _, ts := range []time.Time{day1, day2} {
		if err := s.Append(&types.ExecutionResult{StartedAt: ts}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	for _, name := range []string{"trades_2026-08-23.jsonl", "trades_2026-08-24.jsonl"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Errorf("missing %s: %v", name, err)
		}
	}
}

func TestOpenCreatesDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "data")
	if _, err := Open(dir); err != nil {
		t.Fatalf("Open: %v", err)
	}
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		t.Errorf("store dir not created: %v", err)
	}
}
