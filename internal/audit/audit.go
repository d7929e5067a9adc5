// Package audit maintains the supplementary run-history ledger
// (data/run_history.json), ported from main.py's _save_run_record: a
// capped, append-only record of each round's stats, kept purely for
// `status`/`log` to show something human-historical. No other component
// reads it back.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
)

const maxRecords = 100

// RunRecord is one completed round. EventID is minted by Append the way
// database/download_task.go once minted a uuid per task row, giving every
// ledger entry a stable identity independent of its position in the file.
type RunRecord struct {
	EventID         string        `json:"event_id"`
	Timestamp       time.Time     `json:"timestamp"`
	Enqueued        int           `json:"enqueued"`
	Success         int           `json:"success"`
	Failed          int           `json:"failed"`
	PermanentFailed int           `json:"permanent_failed"`
	HitMaxDownloads bool          `json:"hit_max_downloads"`
	Elapsed         time.Duration `json:"elapsed"`
	UserID          string        `json:"user_id"`
	Restrict        string        `json:"restrict"`
	MaxDownloads    int           `json:"max_downloads"`
}

// Ledger wraps the run_history.json file path.
type Ledger struct {
	path string
}

// New returns a Ledger rooted at dataDir/run_history.json.
func New(dataDir string) *Ledger {
	return &Ledger{path: filepath.Join(dataDir, "run_history.json")}
}

// Append adds rec to the ledger, trimming to the most recent maxRecords
// entries, and updates data/last_run.txt.
func (l *Ledger) Append(rec RunRecord) error {
	if rec.EventID == "" {
		rec.EventID = uuid.New().String()
	}
	history, err := l.load()
	if err != nil {
		return err
	}
	history = append(history, rec)
	if len(history) > maxRecords {
		history = history[len(history)-maxRecords:]
	}

	data, err := json.MarshalIndent(history, "", "  ")
	if err != nil {
		return fmt.Errorf("audit: encode run history: %w", err)
	}
	if err := atomicfile.WriteJSON(l.path, data, 0o644); err != nil {
		return err
	}

	lastRunPath := filepath.Join(filepath.Dir(l.path), "last_run.txt")
	return os.WriteFile(lastRunPath, []byte(rec.Timestamp.Format("2006-01-02 15:04:05")), 0o644)
}

// Recent returns up to n of the most recent records, newest last.
func (l *Ledger) Recent(n int) ([]RunRecord, error) {
	history, err := l.load()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(history) {
		return history, nil
	}
	return history[len(history)-n:], nil
}

func (l *Ledger) load() ([]RunRecord, error) {
	data, err := os.ReadFile(l.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("audit: read %s: %w", l.path, err)
	}
	var history []RunRecord
	if err := json.Unmarshal(data, &history); err != nil {
		// A corrupted ledger is not worth failing the round over; the
		// Python original silently resets to an empty list on the same
		// condition (_save_run_record's bare except around json.load).
		return nil, nil
	}
	return history, nil
}
