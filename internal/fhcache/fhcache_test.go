package fhcache

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/unfs3go/unfsd/internal/host"
)

// key is a real (dev, ino) pair and its path, since Lookup revalidates
// every hit against lstat.
type key struct {
	dev  uint32
	ino  uint64
	path string
}

func keyFor(t *testing.T, path string) key {
	t.Helper()
	st, err := host.Lstat(path)
	if err != nil {
		t.Fatal(err)
	}
	return key{dev: uint32(st.Dev), ino: st.Ino, path: path}
}

// makeKeys creates n distinct files under a temp dir and returns their keys.
func makeKeys(t *testing.T, n int) []key {
	t.Helper()
	dir := t.TempDir()
	keys := make([]key, n)
	for i := range keys {
		p := filepath.Join(dir, strconv.Itoa(i))
		if err := os.WriteFile(p, nil, 0644); err != nil {
			t.Fatal(err)
		}
		keys[i] = keyFor(t, p)
	}
	return keys
}

func TestInsertLookupHit(t *testing.T) {
	dir := t.TempDir()
	k := keyFor(t, dir)
	c := New()
	c.Insert(k.dev, k.ino, dir)

	path, _, ok := c.Lookup(k.dev, k.ino)
	if !ok {
		t.Fatal("Lookup miss after Insert")
	}
	if path != dir {
		t.Fatalf("path = %q, want %q", path, dir)
	}
	if c.Stats().Hits != 1 {
		t.Fatalf("Hits = %d, want 1", c.Stats().Hits)
	}
}

func TestLookupMissOnUnknownKey(t *testing.T) {
	c := New()
	if _, _, ok := c.Lookup(1, 2); ok {
		t.Fatal("Lookup hit on an empty cache")
	}
}

func TestLookupInvalidatesOnRemovedPath(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0755); err != nil {
		t.Fatal(err)
	}
	k := keyFor(t, sub)
	c := New()
	c.Insert(k.dev, k.ino, sub)
	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}

	if _, _, ok := c.Lookup(k.dev, k.ino); ok {
		t.Fatal("Lookup hit on a path that no longer exists")
	}
	if _, _, ok := c.Lookup(k.dev, k.ino); ok {
		t.Fatal("entry was not actually invalidated")
	}
}

func TestInvalidateRemovesEntry(t *testing.T) {
	dir := t.TempDir()
	k := keyFor(t, dir)
	c := New()
	c.Insert(k.dev, k.ino, dir)
	c.Invalidate(k.dev, k.ino)
	if _, _, ok := c.Lookup(k.dev, k.ino); ok {
		t.Fatal("Lookup hit after explicit Invalidate")
	}
}

func TestInsertFillsEmptySlotsBeforeEvicting(t *testing.T) {
	keys := makeKeys(t, Size)
	c := New()
	for _, k := range keys {
		c.Insert(k.dev, k.ino, k.path)
	}
	for i, k := range keys {
		if _, _, ok := c.Lookup(k.dev, k.ino); !ok {
			t.Fatalf("entry %d missing after filling every slot", i)
		}
	}
}

func TestInsertEvictsLRUNotPinned(t *testing.T) {
	keys := makeKeys(t, Size+1)
	c := New()
	for _, k := range keys[:Size] {
		c.Insert(k.dev, k.ino, k.path)
	}

	// pin the first key's slot by looking it up
	first := keys[0]
	if _, _, ok := c.Lookup(first.dev, first.ino); !ok {
		t.Fatal("Lookup of the first key missed")
	}

	// insert one more entry; this must evict some slot other than the first key's
	last := keys[Size]
	c.Insert(last.dev, last.ino, last.path)

	if _, _, ok := c.Lookup(first.dev, first.ino); !ok {
		t.Fatal("pinned last-returned slot was evicted")
	}
}
