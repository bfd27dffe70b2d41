// Package lock serializes access to a session directory: only one
// daemon may write a session's archive database and media tree.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// HeldError reports that another process already owns the session.
type HeldError struct {
	PID  int
	Path string
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("session locked by PID %d (%s)", e.PID, e.Path)
}

// Lock is a held flock on the session's LOCK file.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes an exclusive non-blocking flock on sessionDir/LOCK and
// records the owner PID in it. A *HeldError means another daemon has
// the session open.
func Acquire(sessionDir string) (*Lock, error) {
	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	path := filepath.Join(sessionDir, "LOCK")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner, _ := os.ReadFile(path)
		_ = f.Close()
		return nil, &HeldError{PID: ownerPID(string(owner)), Path: path}
	}
	if err := stamp(f); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Lock{f: f, path: path}, nil
}

// stamp writes the owner PID and acquisition time into the lock file so
// a losing process can report who holds it.
func stamp(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "%d\n%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// Release removes the lock file and closes it. Safe on a nil receiver
// and safe to call twice.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.f.Close()
	l.f = nil
	return err
}

func ownerPID(s string) int {
	line, _, _ := strings.Cut(s, "\n")
	pid, _ := strconv.Atoi(strings.TrimSpace(line))
	return pid
}
