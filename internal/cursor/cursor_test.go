package cursor

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/model"
)

func TestLoadFreshDefaultsToFullScan(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_cursor.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !s.Bookmarks().FullScan {
		t.Errorf("fresh cursor should default to full_scan=true")
	}
}

func TestUpdateBookmarksPersistsAcrossLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_cursor.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.UpdateBookmarks(model.BookmarksCursor{LatestSeenIllustID: 100, FullScan: false})
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Bookmarks().LatestSeenIllustID != 100 {
		t.Errorf("LatestSeenIllustID = %d, want 100", reloaded.Bookmarks().LatestSeenIllustID)
	}
}

func TestFollowingCursorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scan_cursor.json")
	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	s.UpdateFollowing(7, model.FollowingAuthorCursor{LatestSeenIllustID: 55, UpdatedAt: time.Now()})

	got, ok := s.Following(7)
	if !ok {
		t.Fatal("expected following cursor for author 7")
	}
	if got.LatestSeenIllustID != 55 {
		t.Errorf("LatestSeenIllustID = %d, want 55", got.LatestSeenIllustID)
	}

	s.DiscardFollowing(7)
	if _, ok := s.Following(7); ok {
		t.Errorf("expected cursor discarded")
	}
}
