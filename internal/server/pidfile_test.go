package server

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func TestWritePIDFileWritesDecimalPIDWithNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unfsd.pid")

	pf, err := WritePIDFile(path)
	if err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	defer pf.Remove()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if !strings.HasSuffix(string(data), "\n") {
		t.Fatalf("pid file does not end in a newline: %q", data)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("pid file does not contain a decimal integer: %q", data)
	}
	if pid != os.Getpid() {
		t.Fatalf("pid file contains %d, want %d", pid, os.Getpid())
	}
}

func TestWritePIDFileRejectsSecondInstance(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unfsd.pid")

	pf, err := WritePIDFile(path)
	if err != nil {
		t.Fatalf("first WritePIDFile: %v", err)
	}
	defer pf.Remove()

	if _, err := WritePIDFile(path); err == nil {
		t.Fatal("second WritePIDFile on the same path succeeded, want a lock error")
	}
}

func TestPIDFileRemoveDeletesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unfsd.pid")

	pf, err := WritePIDFile(path)
	if err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	if err := pf.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("pid file still exists after Remove: err=%v", err)
	}
}

func TestWritePIDFileCanReacquireAfterRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "unfsd.pid")

	pf1, err := WritePIDFile(path)
	if err != nil {
		t.Fatalf("first WritePIDFile: %v", err)
	}
	if err := pf1.Remove(); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	pf2, err := WritePIDFile(path)
	if err != nil {
		t.Fatalf("WritePIDFile after Remove: %v", err)
	}
	defer pf2.Remove()
}
