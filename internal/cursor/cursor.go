// Package cursor persists the Scanner's per-source watermarks
// (scan_cursor.json) with the same temp+rename discipline as the task
// queue.
package cursor

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/uheee/pixiv-backup/internal/atomicfile"
	"github.com/uheee/pixiv-backup/internal/model"
)

// Store guards a model.ScanCursor with the mutex the Scanner needs while
// mutating it mid-scan, and flushes it atomically on demand.
type Store struct {
	path string

	mu     sync.Mutex
	cursor *model.ScanCursor
	dirty  bool
}

// Load reads scan_cursor.json if present, or returns a fresh cursor primed
// for a full scan (model.NewScanCursor).
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return &Store{path: path, cursor: model.NewScanCursor()}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cursor: read %s: %w", path, err)
	}
	var c model.ScanCursor
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("cursor: decode %s: %w", path, err)
	}
	if c.Following == nil {
		c.Following = map[uint64]*model.FollowingAuthorCursor{}
	}
	return &Store{path: path, cursor: &c}, nil
}

// Save flushes the cursor to disk if it has unsaved mutations.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	s.cursor.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(s.cursor, "", "  ")
	if err != nil {
		return fmt.Errorf("cursor: encode: %w", err)
	}
	if err := atomicfile.WriteJSON(s.path, data, 0o644); err != nil {
		return err
	}
	s.dirty = false
	return nil
}

// Bookmarks returns a copy of the current bookmarks cursor.
func (s *Store) Bookmarks() model.BookmarksCursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor.Bookmarks
}

// UpdateBookmarks replaces the bookmarks cursor. Callers must never
// decrease LatestSeenIllustID except via an explicit full_scan reset
// (spec.md's cursor-monotonicity property).
func (s *Store) UpdateBookmarks(c model.BookmarksCursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Bookmarks = c
	s.dirty = true
}

// ResetBookmarksFullScan forces the next bookmarks pass to walk the entire
// listing, for a detected reordering anomaly.
func (s *Store) ResetBookmarksFullScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Bookmarks.FullScan = true
	s.cursor.Bookmarks.IncrementalStopped = false
	s.dirty = true
}

// Following returns a copy of the per-author cursor for authorID, or the
// zero value if the author has never been scanned.
func (s *Store) Following(authorID uint64) (model.FollowingAuthorCursor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cursor.Following[authorID]
	if !ok {
		return model.FollowingAuthorCursor{}, false
	}
	return *c, true
}

// UpdateFollowing replaces the per-author cursor for authorID.
func (s *Store) UpdateFollowing(authorID uint64, c model.FollowingAuthorCursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor.Following[authorID] = &c
	s.dirty = true
}

// DiscardFollowing removes an author's cursor entirely, forcing a full walk
// of that author's work list on the next scan (ordering-anomaly recovery).
func (s *Store) DiscardFollowing(authorID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cursor.Following, authorID)
	s.dirty = true
}
