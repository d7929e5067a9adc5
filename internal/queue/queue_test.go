package queue

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/model"
)

func TestBackoffExponentialWithCap(t *testing.T) {
	if got := Backoff(model.CategoryRateLimit, 1); got != 300*time.Second {
		t.Errorf("retry 1 = %v, want 300s", got)
	}
	if got := Backoff(model.CategoryRateLimit, 2); got != 600*time.Second {
		t.Errorf("retry 2 = %v, want 600s", got)
	}
	if got := Backoff(model.CategoryRateLimit, 10); got != 3600*time.Second {
		t.Errorf("retry 10 = %v, want capped at 3600s", got)
	}
}

func TestBackoffZeroForAuthAndInvalid(t *testing.T) {
	if got := Backoff(model.CategoryAuth, 1); got != 0 {
		t.Errorf("auth backoff = %v, want 0", got)
	}
	if got := Backoff(model.CategoryInvalid, 1); got != 0 {
		t.Errorf("invalid backoff = %v, want 0", got)
	}
}

func TestClaimNextPrefersBookmarkProvenance(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	now := time.Now()

	q.Enqueue(model.Illust{IllustID: 1}, model.Provenance{IsFollowingAuthor: true})
	q.Enqueue(model.Illust{IllustID: 2}, model.Provenance{IsBookmarked: true})

	q.ConfigurePacing(20, time.Second, 0)
	item, delay := q.ClaimNext(now)
	if item == nil {
		t.Fatal("expected a claimable item")
	}
	if item.IllustID != 2 {
		t.Errorf("claimed %d, want bookmark-provenance item 2", item.IllustID)
	}
	if delay != 0 {
		t.Errorf("expected no pacing delay within high-speed allowance, got %v", delay)
	}
}

func TestClaimNextAppliesPacingAfterHighSpeedAllowance(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	for i := uint64(1); i <= 3; i++ {
		q.Enqueue(model.Illust{IllustID: i}, model.Provenance{IsBookmarked: true})
	}
	q.ConfigurePacing(1, 2*time.Second, 0)

	now := time.Now()
	_, d1 := q.ClaimNext(now)
	_, d2 := q.ClaimNext(now)
	if d1 != 0 {
		t.Errorf("first claim within high-speed allowance got delay %v", d1)
	}
	if d2 < 2*time.Second {
		t.Errorf("second claim should incur low-speed delay, got %v", d2)
	}
}

func TestCompleteSuccessMarksDone(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	q.Enqueue(model.Illust{IllustID: 1}, model.Provenance{IsBookmarked: true})
	q.ConfigurePacing(20, time.Second, 0)
	item, _ := q.ClaimNext(time.Now())
	q.Complete(item.IllustID, Outcome{Success: true})

	summary := q.Summary()
	if summary.Done != 1 {
		t.Errorf("Summary = %+v, want 1 done", summary)
	}
}

func TestCompleteRateLimitSchedulesBackoff(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	q.Enqueue(model.Illust{IllustID: 1}, model.Provenance{IsBookmarked: true})
	q.ConfigurePacing(20, time.Second, 0)
	item, _ := q.ClaimNext(time.Now())

	before := time.Now()
	q.Complete(item.IllustID, Outcome{Err: &model.QueueError{Category: model.CategoryRateLimit}})

	q.mu.Lock()
	updated := q.items[1]
	q.mu.Unlock()
	if updated.Status != model.StatusFailed {
		t.Fatalf("status = %v, want failed", updated.Status)
	}
	if updated.NextRetryAt.Sub(before) < 300*time.Second {
		t.Errorf("NextRetryAt too soon: %v after claim", updated.NextRetryAt.Sub(before))
	}
}

func TestCompleteInvalidBecomesPermanentAfterThreeRounds(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	q.Enqueue(model.Illust{IllustID: 1}, model.Provenance{IsBookmarked: true})
	q.ConfigurePacing(20, time.Second, 0)

	for i := 0; i < 3; i++ {
		item, _ := q.ClaimNext(time.Now())
		if item == nil {
			t.Fatalf("round %d: expected claimable item", i)
		}
		q.Complete(item.IllustID, Outcome{Err: &model.QueueError{Category: model.CategoryInvalid}})
	}

	q.mu.Lock()
	final := q.items[1]
	q.mu.Unlock()
	if final.Status != model.StatusPermanentFailed {
		t.Errorf("status after 3 invalid failures = %v, want permanent_failed", final.Status)
	}
}

func TestEnqueueNeverOverwritesRunning(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	q.Enqueue(model.Illust{IllustID: 1, Title: "first"}, model.Provenance{IsBookmarked: true})
	q.ConfigurePacing(20, time.Second, 0)
	q.ClaimNext(time.Now())

	q.Enqueue(model.Illust{IllustID: 1, Title: "second"}, model.Provenance{IsBookmarked: true})

	q.mu.Lock()
	got := q.items[1]
	q.mu.Unlock()
	if got.Status != model.StatusRunning {
		t.Errorf("status = %v, want running preserved", got.Status)
	}
	if got.Illust.Title != "first" {
		t.Errorf("title = %q, running item must not be overwritten", got.Illust.Title)
	}
}

func TestReleaseRunningRecoversStuckItems(t *testing.T) {
	q := New(filepath.Join(t.TempDir(), "task_queue.json"))
	q.Enqueue(model.Illust{IllustID: 1}, model.Provenance{IsBookmarked: true})
	q.ConfigurePacing(20, time.Second, 0)
	q.ClaimNext(time.Now())

	q.ReleaseRunning()

	q.mu.Lock()
	got := q.items[1]
	q.mu.Unlock()
	if got.Status != model.StatusPending {
		t.Errorf("status = %v, want pending after ReleaseRunning", got.Status)
	}
}
