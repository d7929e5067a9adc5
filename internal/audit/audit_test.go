package audit

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAppendAndRecent(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	for i := 0; i < 3; i++ {
		rec := RunRecord{
			Timestamp: time.Now(),
			Enqueued:  i,
			Success:   i,
			UserID:    "u1",
		}
		if err := l.Append(rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recent, err := l.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("len(recent) = %d, want 2", len(recent))
	}
	if recent[1].Enqueued != 2 {
		t.Errorf("last record Enqueued = %d, want 2", recent[1].Enqueued)
	}

	if _, err := os.Stat(filepath.Join(dir, "last_run.txt")); err != nil {
		t.Errorf("expected last_run.txt: %v", err)
	}
}

func TestAppendTrimsToMaxRecords(t *testing.T) {
	dir := t.TempDir()
	l := New(dir)

	for i := 0; i < maxRecords+10; i++ {
		if err := l.Append(RunRecord{Timestamp: time.Now(), Enqueued: i}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	history, err := l.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(history) != maxRecords {
		t.Fatalf("len(history) = %d, want %d", len(history), maxRecords)
	}
	if history[0].Enqueued != 10 {
		t.Errorf("oldest retained record Enqueued = %d, want 10", history[0].Enqueued)
	}
}

func TestLoadCorruptedFileResetsSilently(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "run_history.json"), []byte("not json"), 0o644); err != nil {
		t.Fatalf("write corrupted file: %v", err)
	}
	l := New(dir)
	history, err := l.load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if history != nil {
		t.Errorf("expected nil history from corrupted file, got %+v", history)
	}
}
