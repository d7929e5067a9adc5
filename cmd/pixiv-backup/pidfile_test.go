package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/uheee/pixiv-backup/internal/config"
)

func TestWriteAndReadPIDFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixiv-backup.pid")
	if err := writePIDFile(path); err != nil {
		t.Fatalf("writePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestReadPIDFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pixiv-backup.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := readPIDFile(path); err == nil {
		t.Fatal("expected error for malformed pid file")
	}
}

func TestProcessAliveForSelf(t *testing.T) {
	if !processAlive(os.Getpid()) {
		t.Error("expected current process to be reported alive")
	}
}

func TestPidPathUnderDataDir(t *testing.T) {
	layout := config.Layout{DataDir: "/tmp/example/data"}
	want := filepath.Join(layout.DataDir, "pixiv-backup.pid")
	if got := pidPath(layout); got != want {
		t.Errorf("pidPath = %q, want %q", got, want)
	}
}
