// Package fdcache implements the C5 FD cache: it amortises open/close
// across sequential reads and batches UNSTABLE writes until COMMIT, while
// never losing a deferred I/O error. See spec.md §4.5.
package fdcache

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/host"
	"github.com/unfs3go/unfsd/internal/logger"
)

// Kind distinguishes a read descriptor from a write descriptor; a file can
// have at most one cached slot of each kind at a time.
type Kind int

const (
	Read Kind = iota
	Write
)

// ReallyClose selects fd_close's eviction behaviour.
type ReallyClose int

const (
	// Virt leaves a cached descriptor in place, only refreshing LastUsed.
	Virt ReallyClose = iota
	// Real evicts the descriptor, fsync-ing WRITE descriptors first.
	Real
)

const (
	// Size is the number of slots.
	Size = 256

	// InactiveTimeout is how long an Open slot may sit idle before the
	// sweep closes it.
	InactiveTimeout = 2 * time.Second

	// PendingErrorTimeout is how long a PendingError slot is held before
	// the sweep gives up on ever seeing a COMMIT/retry for it.
	PendingErrorTimeout = 2 * time.Hour
)

type state int

const (
	stateUnused state = iota
	stateOpen
	statePendingError
)

type entry struct {
	state    state
	fh       fh.FH
	kind     Kind
	file     *os.File
	lastUsed time.Time
	pendingSince time.Time
	pendingErr   error
}

// VerifierRegen is called whenever this cache needs the write verifier
// regenerated: when a slot enters PendingError (a failed flush or close on
// eviction) and on PendingError consumption (delivered or swept).
type VerifierRegen func()

// Cache is the fixed-size file-descriptor cache.
type Cache struct {
	mu      sync.Mutex
	entries [Size]entry
	regen   VerifierRegen

	evictionWarned time.Time
}

// New builds an empty cache. regen is invoked every time a slot enters
// PendingError and every time a PendingError slot's error is consumed, matching the write verifier's regeneration
// policy in spec.md §4.7.
func New(regen VerifierRegen) *Cache {
	return &Cache{regen: regen}
}

// Open implements fd_open(path, fh, kind, allow_cache): find a cached
// descriptor, deliver a deferred error, or open fresh and fstat-verify it
// against the filehandle before trusting it.
func (c *Cache) Open(path string, handle fh.FH, kind Kind, allowCache bool) (*os.File, error) {
	c.mu.Lock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.fh != handle || e.kind != kind {
			continue
		}
		switch e.state {
		case stateOpen:
			c.mu.Unlock()
			return e.file, nil
		case statePendingError:
			err := e.pendingErr
			*e = entry{}
			c.mu.Unlock()
			if c.regen != nil {
				c.regen()
			}
			return nil, err
		}
	}
	c.mu.Unlock()

	flag := os.O_RDONLY
	if kind == Write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	st, err := host.Fstat(int(f.Fd()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("fstat %s: %w", path, err)
	}
	gen := host.Generation(int(f.Fd()), st.IsDir() || st.Mode&0170000 == 0100000)
	if uint32(st.Dev) != handle.Dev || st.Ino != handle.Ino || (handle.Gen != 0 && gen != 0 && gen != handle.Gen) {
		f.Close()
		return nil, fmt.Errorf("stale: descriptor for %s no longer matches filehandle", path)
	}

	if allowCache {
		c.mu.Lock()
		c.insertLocked(handle, kind, f)
		c.mu.Unlock()
	}
	return f, nil
}

func (c *Cache) insertLocked(handle fh.FH, kind Kind, f *os.File) bool {
	for i := range c.entries {
		if c.entries[i].state == stateUnused {
			c.entries[i] = entry{state: stateOpen, fh: handle, kind: kind, file: f, lastUsed: host.Now()}
			return true
		}
	}
	// no Unused slot: do not evict a PendingError slot, just warn
	// (rate-limited) and decline to cache this descriptor.
	if host.Now().Sub(c.evictionWarned) > time.Second {
		c.evictionWarned = host.Now()
		logger.Warn("fdcache full, declining to cache descriptor", "kind", kind)
	}
	return false
}

// Close implements fd_close(fd, kind, really_close).
func (c *Cache) Close(f *os.File, kind Kind, really ReallyClose) error {
	c.mu.Lock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.state != stateOpen || e.file != f {
			continue
		}
		e.lastUsed = host.Now()
		if really == Virt {
			c.mu.Unlock()
			return nil
		}
		h := e.fh
		*e = entry{}
		c.mu.Unlock()
		return c.evict(f, kind, h, i)
	}
	c.mu.Unlock()

	return closeDirect(f, kind)
}

func (c *Cache) evict(f *os.File, kind Kind, handle fh.FH, slotIdx int) error {
	var syncErr, closeErr error
	if kind == Write {
		syncErr = f.Sync()
	}
	closeErr = f.Close()

	if syncErr != nil || closeErr != nil {
		err := syncErr
		if err == nil {
			err = closeErr
		}
		c.mu.Lock()
		c.entries[slotIdx] = entry{state: statePendingError, fh: handle, kind: kind, pendingSince: host.Now(), pendingErr: err}
		c.mu.Unlock()
		if c.regen != nil {
			c.regen()
		}
		return err
	}
	return nil
}

func closeDirect(f *os.File, kind Kind) error {
	if kind == Write {
		if err := f.Sync(); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// Sync implements fd_sync(fh), used by COMMIT: evict any matching WRITE
// slot via fsync-then-close, confirming all prior UNSTABLE writes landed.
func (c *Cache) Sync(handle fh.FH) error {
	c.mu.Lock()
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == stateOpen && e.fh == handle && e.kind == Write {
			f := e.file
			*e = entry{}
			c.mu.Unlock()
			return c.evict(f, Write, handle, i)
		}
		if e.state == statePendingError && e.fh == handle && e.kind == Write {
			err := e.pendingErr
			*e = entry{}
			c.mu.Unlock()
			if c.regen != nil {
				c.regen()
			}
			return err
		}
	}
	c.mu.Unlock()
	return nil
}

// Sweep closes idle Open slots and clears fully-expired PendingError
// slots, regenerating the write verifier for the latter. Call this once
// per dispatcher iteration.
func (c *Cache) Sweep() {
	now := host.Now()

	c.mu.Lock()
	var toClose []*os.File
	var toClear []int
	expiredPending := false
	for i := range c.entries {
		e := &c.entries[i]
		switch e.state {
		case stateOpen:
			if now.Sub(e.lastUsed) > InactiveTimeout {
				toClose = append(toClose, e.file)
				toClear = append(toClear, i)
			}
		case statePendingError:
			if now.Sub(e.pendingSince) > PendingErrorTimeout {
				*e = entry{}
				expiredPending = true
			}
		}
	}
	for _, i := range toClear {
		c.entries[i] = entry{}
	}
	c.mu.Unlock()

	for _, f := range toClose {
		f.Close()
	}
	if expiredPending && c.regen != nil {
		c.regen()
	}
}

// Counts tallies slots by state, for the dispatcher's per-iteration
// Prometheus publish and the SIGUSR1 cache-stats log line.
func (c *Cache) Counts() (unused, open, pendingError int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.entries {
		switch c.entries[i].state {
		case stateUnused:
			unused++
		case stateOpen:
			open++
		case statePendingError:
			pendingError++
		}
	}
	return unused, open, pendingError
}

// Purge closes every cached descriptor, used during fatal-signal shutdown.
// It returns any errors encountered so the caller can log them.
func (c *Cache) Purge() []error {
	c.mu.Lock()
	var files []*os.File
	var errs []error
	for i := range c.entries {
		e := &c.entries[i]
		if e.state == stateOpen {
			files = append(files, e.file)
		}
		if e.state == statePendingError {
			errs = append(errs, e.pendingErr)
		}
		*e = entry{}
	}
	c.mu.Unlock()

	for _, f := range files {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}
