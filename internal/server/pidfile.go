package server

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// PIDFile is an open, exclusively-locked pid file, held for the life of the
// process per spec.md §6: "Optional; opened with exclusive advisory lock;
// contains decimal PID followed by a newline; removed on clean exit."
type PIDFile struct {
	path string
	f    *os.File
}

// WritePIDFile creates (or reopens) path, takes an exclusive advisory lock
// via flock(2), and writes the current process's PID. A held lock from a
// still-running instance is reported as an error rather than silently
// overwritten.
func WritePIDFile(path string) (*PIDFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open pid file %s: %w", path, err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pid file %s is locked by another instance: %w", path, err)
	}

	if err := f.Truncate(0); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate pid file %s: %w", path, err)
	}
	if _, err := f.WriteAt([]byte(fmt.Sprintf("%d\n", os.Getpid())), 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("write pid file %s: %w", path, err)
	}

	return &PIDFile{path: path, f: f}, nil
}

// Remove closes and deletes the pid file, called on clean shutdown only —
// a process killed without cleanup leaves it in place, matching unfsd's
// documented "removed on clean exit".
func (p *PIDFile) Remove() error {
	_ = p.f.Close()
	return os.Remove(p.path)
}
