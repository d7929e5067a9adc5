// Package atomicfile writes files the way every durable document in this
// service must be written: to a temp file in the same directory, then
// renamed into place, so a SIGKILL between writes never leaves a truncated
// task_queue.json, scan_cursor.json, or status.json behind (spec invariant:
// atomic persistence).
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// WriteJSON writes data to path via a temp file + rename in path's
// directory. The temp file uses a random suffix so concurrent writers (the
// daemon and, transiently, a repair tool) never collide.
func WriteJSON(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("atomicfile: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicfile: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicfile: close temp: %w", err)
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return fmt.Errorf("atomicfile: chmod temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomicfile: rename into place: %w", err)
	}
	return nil
}

// CreateStaged opens a temp file beside dst (same directory, so the final
// rename is same-filesystem) for streaming writes — used by the Downloader
// to stream an artifact body without ever exposing a partial file under its
// final name. Call Finish to rename into place, or Abort to discard.
type Staged struct {
	file *os.File
	dst  string
	done bool
}

// CreateStaged creates a new staged file for dst. The staged name carries a
// uuid suffix rather than os.CreateTemp's own random pattern, so the
// Downloader's partial-download markers are distinguishable by a stable id
// across retries of the same artifact.
func CreateStaged(dst string) (*Staged, error) {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("atomicfile: mkdir %s: %w", dir, err)
	}
	name := filepath.Join(dir, filepath.Base(dst)+".part-"+uuid.New().String())
	f, err := os.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("atomicfile: create staged: %w", err)
	}
	return &Staged{file: f, dst: dst}, nil
}

// File returns the underlying *os.File for writing.
func (s *Staged) File() *os.File { return s.file }

// Finish syncs, closes, and renames the staged file into place.
func (s *Staged) Finish() error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.file.Sync(); err != nil {
		s.file.Close()
		os.Remove(s.file.Name())
		return fmt.Errorf("atomicfile: sync staged: %w", err)
	}
	if err := s.file.Close(); err != nil {
		os.Remove(s.file.Name())
		return fmt.Errorf("atomicfile: close staged: %w", err)
	}
	if err := os.Rename(s.file.Name(), s.dst); err != nil {
		os.Remove(s.file.Name())
		return fmt.Errorf("atomicfile: rename staged: %w", err)
	}
	return nil
}

// Abort closes and removes the staged file, leaving no trace under the
// final name.
func (s *Staged) Abort() {
	if s.done {
		return
	}
	s.done = true
	s.file.Close()
	os.Remove(s.file.Name())
}
