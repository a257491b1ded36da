package fdcache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/host"
)

func tempFileHandle(t *testing.T, content string) (string, fh.FH) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "f")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	st, err := host.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	return path, fh.FH{Dev: uint32(st.Dev), Ino: st.Ino}
}

func TestOpenCachesAndReturnsExistingDescriptor(t *testing.T) {
	path, handle := tempFileHandle(t, "hello")
	c := New(nil)

	f1, err := c.Open(path, handle, Read, true)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	f2, err := c.Open(path, handle, Read, true)
	if err != nil {
		t.Fatalf("Open (cached): %v", err)
	}
	if f1 != f2 {
		t.Fatal("second Open did not return the cached descriptor")
	}
}

func TestOpenDetectsStaleDescriptor(t *testing.T) {
	path, handle := tempFileHandle(t, "hello")
	handle.Ino ^= 0xFF // corrupt to simulate a decode that no longer matches
	c := New(nil)

	if _, err := c.Open(path, handle, Read, false); err == nil {
		t.Fatal("expected a stale error for a mismatched filehandle")
	}
}

func TestCloseVirtLeavesDescriptorCached(t *testing.T) {
	path, handle := tempFileHandle(t, "hello")
	c := New(nil)

	f, err := c.Open(path, handle, Read, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(f, Read, Virt); err != nil {
		t.Fatalf("Close(Virt): %v", err)
	}

	f2, err := c.Open(path, handle, Read, true)
	if err != nil {
		t.Fatal(err)
	}
	if f != f2 {
		t.Fatal("Close(Virt) evicted the descriptor")
	}
}

func TestCloseRealEvicts(t *testing.T) {
	path, handle := tempFileHandle(t, "hello")
	c := New(nil)

	f, err := c.Open(path, handle, Write, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Close(f, Write, Real); err != nil {
		t.Fatalf("Close(Real): %v", err)
	}

	f2, err := c.Open(path, handle, Write, true)
	if err != nil {
		t.Fatal(err)
	}
	if f == f2 {
		t.Fatal("Close(Real) did not evict; Open returned the same descriptor")
	}
	c.Close(f2, Write, Real)
}

func TestSyncEvictsMatchingWriteSlot(t *testing.T) {
	path, handle := tempFileHandle(t, "hello")
	c := New(nil)

	f, err := c.Open(path, handle, Write, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Sync(handle); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	_ = f

	f2, err := c.Open(path, handle, Write, true)
	if err != nil {
		t.Fatal(err)
	}
	if f == f2 {
		t.Fatal("Sync did not actually close the original descriptor")
	}
	c.Close(f2, Write, Real)
}

func TestSweepClosesIdleOpenSlots(t *testing.T) {
	path, handle := tempFileHandle(t, "hello")
	c := New(nil)

	realNow := host.Now
	defer func() { host.Now = realNow }()

	base := time.Now()
	host.Now = func() time.Time { return base }

	f, err := c.Open(path, handle, Read, true)
	if err != nil {
		t.Fatal(err)
	}
	_ = f

	host.Now = func() time.Time { return base.Add(InactiveTimeout + time.Second) }
	c.Sweep()

	host.Now = func() time.Time { return base }
	f2, err := c.Open(path, handle, Read, true)
	if err != nil {
		t.Fatal(err)
	}
	if f == f2 {
		t.Fatal("Sweep did not close the idle descriptor")
	}
	c.Close(f2, Read, Real)
}

func TestSweepClearsExpiredPendingError(t *testing.T) {
	regenCalls := 0
	c := New(func() { regenCalls++ })

	realNow := host.Now
	defer func() { host.Now = realNow }()
	base := time.Now()
	host.Now = func() time.Time { return base }

	path, handle := tempFileHandle(t, "hello")
	f, err := c.Open(path, handle, Write, true)
	if err != nil {
		t.Fatal(err)
	}
	// force the slot into PendingError by closing an already-closed fd
	f.Close()
	if err := c.Close(f, Write, Real); err == nil {
		t.Fatal("expected an error closing an already-closed descriptor")
	}
	if regenCalls != 1 {
		t.Fatalf("regenCalls = %d, want 1 after a failed close", regenCalls)
	}

	host.Now = func() time.Time { return base.Add(PendingErrorTimeout + time.Second) }
	c.Sweep()

	// slot should now be Unused: a fresh Open must succeed normally
	host.Now = func() time.Time { return base }
	f2, err := c.Open(path, handle, Write, true)
	if err != nil {
		t.Fatalf("Open after sweep clears PendingError: %v", err)
	}
	c.Close(f2, Write, Real)
}
