// Package status is the Status Publisher (C8): it atomically writes
// status.json after every observable scheduler transition, per spec.md
// §4.7. The document is non-persistent — a reader that finds it missing
// or stale should treat every field as "unknown", never "zero" — so this
// package keeps the last-published snapshot in memory and only ever
// merges in explicitly-set fields before writing.
package status

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
	"github.com/uheee/pixiv-backup/internal/model"
)

const maxRecentErrors = 10

// Publisher owns the in-memory snapshot and its on-disk path.
type Publisher struct {
	path string

	mu       sync.Mutex
	snapshot model.RuntimeStatus
}

// New builds a Publisher for the given status.json path, starting from an
// idle snapshot.
func New(path string) *Publisher {
	return &Publisher{path: path, snapshot: model.RuntimeStatus{State: model.StateIdle}}
}

// Snapshot returns a copy of the currently published state.
func (p *Publisher) Snapshot() model.RuntimeStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshot
}

// Update applies mutate to the in-memory snapshot and flushes it to disk.
// mutate receives a pointer to the live snapshot so callers only need to
// set the fields that changed.
func (p *Publisher) Update(mutate func(*model.RuntimeStatus)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	mutate(&p.snapshot)
	p.snapshot.UpdatedAt = time.Now()
	return p.flushLocked()
}

// RecordError appends e to the recent-errors ring (capped at the last 10,
// per spec.md §4.8's "recent errors list"), sets it as LastError, and
// flushes. Placeholder/access-limited works are filtered out by the caller
// before this is reached, per spec.md §4.8.
func (p *Publisher) RecordError(e model.StatusError) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.LastError = &e
	p.snapshot.RecentErrors = append(p.snapshot.RecentErrors, e)
	if len(p.snapshot.RecentErrors) > maxRecentErrors {
		p.snapshot.RecentErrors = p.snapshot.RecentErrors[len(p.snapshot.RecentErrors)-maxRecentErrors:]
	}
	p.snapshot.UpdatedAt = time.Now()
	return p.flushLocked()
}

// ApplyQueueSummary copies a queue.Summary-shaped counter set into the
// published snapshot without requiring this package to import internal/queue.
func (p *Publisher) ApplyQueueSummary(summary model.QueueSummary) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshot.Queue = summary
	p.snapshot.UpdatedAt = time.Now()
	return p.flushLocked()
}

func (p *Publisher) flushLocked() error {
	data, err := json.MarshalIndent(p.snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("status: encode snapshot: %w", err)
	}
	return atomicfile.WriteJSON(p.path, data, 0o644)
}
