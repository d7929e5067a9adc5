package scheduler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/uheee/pixiv-backup/internal/audit"
	"github.com/uheee/pixiv-backup/internal/authsession"
	"github.com/uheee/pixiv-backup/internal/config"
	"github.com/uheee/pixiv-backup/internal/cursor"
	"github.com/uheee/pixiv-backup/internal/downloader"
	"github.com/uheee/pixiv-backup/internal/pixivapi"
	"github.com/uheee/pixiv-backup/internal/queue"
	"github.com/uheee/pixiv-backup/internal/scanner"
	"github.com/uheee/pixiv-backup/internal/status"
	"github.com/uheee/pixiv-backup/internal/store"
)

func newTestScheduler(t *testing.T, appAPI *httptest.Server, imageHandler http.HandlerFunc) *Scheduler {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Snapshot{
		UserID:                    "u1",
		RefreshToken:              "seed",
		OutputDir:                 dir,
		Mode:                      config.ModeBookmarks,
		Restrict:                  config.RestrictPublic,
		MaxDownloads:              0,
		Timeout:                   time.Second,
		SyncIntervalMinutes:       360,
		CooldownAfterLimitMinutes: 60,
		CooldownAfterErrorMinutes: 180,
		HighSpeedQueueSize:        20,
		LowSpeedIntervalSeconds:   0,
		IntervalJitterMillis:      0,
	}
	layout := cfg.NewLayout()
	if err := os.MkdirAll(layout.DataDir, 0o755); err != nil {
		t.Fatalf("mkdir data dir: %v", err)
	}
	if err := os.MkdirAll(layout.ImgDir, 0o755); err != nil {
		t.Fatalf("mkdir img dir: %v", err)
	}
	if err := os.MkdirAll(layout.MetadataDir, 0o755); err != nil {
		t.Fatalf("mkdir metadata dir: %v", err)
	}

	client := pixivapi.NewClient(time.Second)
	client.BaseURL = appAPI.URL
	sess := authsession.New(client, layout.TokenPath, cfg.RefreshToken)
	sess.Seed("test-token", time.Now().Add(time.Hour))

	st, err := store.Open(layout.DatabasePath)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	q := queue.New(layout.QueuePath)
	cur, err := cursor.Load(layout.CursorPath)
	if err != nil {
		t.Fatalf("cursor.Load: %v", err)
	}
	sc := scanner.New(client, sess, st, q, cur, logger, cfg.UserID, string(cfg.Restrict))

	imgSrv := httptest.NewServer(imageHandler)
	t.Cleanup(imgSrv.Close)
	dl := downloader.New(imgSrv.Client(), client, st, layout.ImgDir, layout.MetadataDir, logger)

	statusPub := status.New(layout.StatusPath)
	ledger := audit.New(layout.DataDir)

	return New(cfg, layout, sess, st, q, cur, sc, dl, statusPub, ledger, logger)
}

func TestRunRoundFreshInstallRespectsAdmission(t *testing.T) {
	appAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"illusts": [
				{"id": 5, "title": "e", "visible": true, "page_count": 1, "create_date": "2024-01-05T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/5.png"}},
				{"id": 4, "title": "d", "visible": true, "page_count": 1, "create_date": "2024-01-04T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/4.png"}},
				{"id": 3, "title": "c", "visible": true, "page_count": 1, "create_date": "2024-01-03T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/3.png"}},
				{"id": 2, "title": "b", "visible": true, "page_count": 1, "create_date": "2024-01-02T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/2.png"}},
				{"id": 1, "title": "a", "visible": true, "page_count": 1, "create_date": "2024-01-01T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/1.png"}}
			],
			"next_url": ""
		}`))
	}))
	defer appAPI.Close()

	sched := newTestScheduler(t, appAPI, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("bytes"))
	})

	result, err := sched.RunRound(context.Background(), 3)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if !result.HitMaxDownloads {
		t.Errorf("expected HitMaxDownloads, got %+v", result)
	}
	if result.Success != 3 {
		t.Errorf("Success = %d, want 3", result.Success)
	}
}

func TestRunRoundRateLimitStopsAndMarksRateLimited(t *testing.T) {
	appAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{
			"illusts": [
				{"id": 2, "title": "b", "visible": true, "page_count": 1, "create_date": "2024-01-02T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/2.png"}},
				{"id": 1, "title": "a", "visible": true, "page_count": 1, "create_date": "2024-01-01T00:00:00+09:00", "user": {"id": 1}, "meta_single_page": {"original_image_url": "https://example/1.png"}}
			],
			"next_url": ""
		}`))
	}))
	defer appAPI.Close()

	sched := newTestScheduler(t, appAPI, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	result, err := sched.RunRound(context.Background(), 0)
	if err != nil {
		t.Fatalf("RunRound: %v", err)
	}
	if !result.RateLimited {
		t.Errorf("expected RateLimited, got %+v", result)
	}
	wait, reason := sched.nextWait(result)
	if reason != "rate_limit" {
		t.Errorf("cooldown reason = %q, want rate_limit", reason)
	}
	if wait != time.Duration(sched.Config.CooldownAfterErrorMinutes)*time.Minute {
		t.Errorf("wait = %v, want cooldown_after_error_minutes", wait)
	}
}

func TestConsumeForceTriggerDeletesFlag(t *testing.T) {
	appAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"illusts": [], "next_url": ""}`))
	}))
	defer appAPI.Close()

	sched := newTestScheduler(t, appAPI, func(w http.ResponseWriter, r *http.Request) {})

	if _, err := Trigger(sched.Layout); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if _, err := os.Stat(sched.Layout.ForceRunFlag); err != nil {
		t.Fatalf("expected sentinel file to exist: %v", err)
	}
	if !sched.consumeForceTrigger() {
		t.Fatalf("expected consumeForceTrigger to report true")
	}
	if _, err := os.Stat(sched.Layout.ForceRunFlag); !os.IsNotExist(err) {
		t.Errorf("expected sentinel file to be deleted, stat err = %v", err)
	}
	if sched.consumeForceTrigger() {
		t.Errorf("expected consumeForceTrigger to report false once consumed")
	}
}

func TestWaitReturnsTriggeredOnForceRun(t *testing.T) {
	appAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"illusts": [], "next_url": ""}`))
	}))
	defer appAPI.Close()

	sched := newTestScheduler(t, appAPI, func(w http.ResponseWriter, r *http.Request) {})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = Trigger(sched.Layout)
	}()

	start := time.Now()
	triggered, stopped := sched.wait(context.Background(), time.Hour)
	if stopped {
		t.Fatalf("expected not stopped")
	}
	if !triggered {
		t.Fatalf("expected triggered")
	}
	if time.Since(start) > 3*time.Second {
		t.Errorf("wait took too long to observe trigger: %v", time.Since(start))
	}
}
