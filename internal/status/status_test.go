package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/model"
)

func TestUpdatePersistsSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	p := New(path)

	err := p.Update(func(s *model.RuntimeStatus) {
		s.State = model.StateSyncing
		s.Phase = "scanning"
		s.ProcessedTotal = 5
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read status.json: %v", err)
	}
	var got model.RuntimeStatus
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.State != model.StateSyncing || got.Phase != "scanning" || got.ProcessedTotal != 5 {
		t.Errorf("got %+v", got)
	}
}

func TestRecordErrorCapsRecentErrorsAtTen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	p := New(path)

	for i := 0; i < 15; i++ {
		err := p.RecordError(model.StatusError{
			Time:    time.Now(),
			Action:  "download_artifact",
			Message: "boom",
		})
		if err != nil {
			t.Fatalf("RecordError: %v", err)
		}
	}

	snap := p.Snapshot()
	if len(snap.RecentErrors) != maxRecentErrors {
		t.Fatalf("len(RecentErrors) = %d, want %d", len(snap.RecentErrors), maxRecentErrors)
	}
	if snap.LastError == nil {
		t.Fatalf("expected LastError set")
	}
}

func TestApplyQueueSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.json")
	p := New(path)

	if err := p.ApplyQueueSummary(model.QueueSummary{Pending: 3, Running: 1}); err != nil {
		t.Fatalf("ApplyQueueSummary: %v", err)
	}
	snap := p.Snapshot()
	if snap.Queue.Pending != 3 || snap.Queue.Running != 1 {
		t.Errorf("got %+v", snap.Queue)
	}
}
