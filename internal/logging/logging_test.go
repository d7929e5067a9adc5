package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewWritesBothConsoleAndAuditSinks(t *testing.T) {
	dir := t.TempDir()
	consolePath := filepath.Join(dir, "console.txt")
	consoleFile, err := os.Create(consolePath)
	if err != nil {
		t.Fatalf("create console file: %v", err)
	}
	defer consoleFile.Close()

	logger, closeAudit, err := New(Options{Level: slog.LevelInfo, LogDir: dir, Console: consoleFile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeAudit()

	logger.Info("scan complete", slog.Int("enqueued", 3))

	consoleData, err := os.ReadFile(consolePath)
	if err != nil {
		t.Fatalf("read console file: %v", err)
	}
	if !strings.Contains(string(consoleData), "scan complete") {
		t.Errorf("console output missing message: %q", consoleData)
	}

	auditPath := dailyLogPath(dir, time.Now())
	auditData, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	if !strings.Contains(string(auditData), "scan complete") {
		t.Errorf("audit output missing message: %q", auditData)
	}
	if !strings.Contains(string(auditData), "\"enqueued\":3") {
		t.Errorf("audit output missing structured field: %q", auditData)
	}
}

func TestDailyLogPathIncludesDate(t *testing.T) {
	ts := time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)
	got := dailyLogPath("data/logs", ts)
	want := filepath.Join("data/logs", "pixiv-backup-20260305.log")
	if got != want {
		t.Errorf("dailyLogPath = %q, want %q", got, want)
	}
}

func TestExternalActionIncludesReservedLoggerName(t *testing.T) {
	dir := t.TempDir()
	consolePath := filepath.Join(dir, "console.txt")
	consoleFile, err := os.Create(consolePath)
	if err != nil {
		t.Fatalf("create console file: %v", err)
	}
	defer consoleFile.Close()

	logger, closeAudit, err := New(Options{Level: slog.LevelInfo, LogDir: dir, Console: consoleFile})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer closeAudit()

	ExternalAction(logger, "download", "app-api", "fetch_artifact", "ok")

	auditData, err := os.ReadFile(dailyLogPath(dir, time.Now()))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	for _, want := range []string{`"logger":"external_action"`, `"action":"fetch_artifact"`} {
		if !strings.Contains(string(auditData), want) {
			t.Errorf("audit output missing %q, got %q", want, auditData)
		}
	}
}
