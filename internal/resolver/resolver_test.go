package resolver

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/host"
)

func TestComposeRoot(t *testing.T) {
	dir := t.TempDir()
	r := New(nil, false)

	f, err := r.Compose(dir, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	want := len(strings.Split(strings.Trim(filepath.Clean(dir), "/"), "/"))
	if int(f.Len) != want {
		t.Fatalf("Len = %d, want %d (one per component of the absolute path)", f.Len, want)
	}
	st, err := host.Lstat(dir)
	if err != nil {
		t.Fatal(err)
	}
	if f.Dev != uint32(st.Dev) || f.Ino != st.Ino {
		t.Fatalf("Compose dev/ino mismatch: got (%d,%d), want (%d,%d)", f.Dev, f.Ino, st.Dev, st.Ino)
	}
}

func TestComposeNeedDirRejectsFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "f")
	if err := os.WriteFile(file, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	r := New(nil, false)
	if _, err := r.Compose(file, true); err == nil {
		t.Fatal("expected error composing a non-directory with needDir=true")
	}
}

func TestComposeNestedAppendsHashPerComponent(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	r := New(nil, false)
	f, err := r.Compose(sub, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if f.Len != 2 {
		t.Fatalf("Len = %d, want 2 (one per path component below root)", f.Len)
	}
}

func TestResolveRoundTrip(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "dir1", "dir2")
	if err := os.MkdirAll(target, 0755); err != nil {
		t.Fatal(err)
	}

	r := New(nil, false)
	f, err := r.Compose(target, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}

	resolved, ok := r.Resolve(root, f)
	if !ok {
		t.Fatal("Resolve failed for a freshly composed handle")
	}
	want, err := filepath.EvalSymlinks(target)
	if err != nil {
		t.Fatal(err)
	}
	got, err := filepath.EvalSymlinks(resolved)
	if err != nil {
		t.Fatal(err)
	}
	if got != want {
		t.Fatalf("Resolve returned %q, want %q", got, want)
	}
}

func TestResolveMissingIsStale(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "gone")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	r := New(nil, false)
	f, err := r.Compose(sub, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if err := os.RemoveAll(sub); err != nil {
		t.Fatal(err)
	}

	if _, ok := r.Resolve(root, f); ok {
		t.Fatal("Resolve succeeded for a removed directory")
	}
	if _, _, valid := r.StatCache(); valid {
		t.Fatal("stat cache still valid after a failed resolution")
	}
}

func TestResolvePublishesStatCache(t *testing.T) {
	root := t.TempDir()
	r := New(nil, false)
	f, err := r.Compose(root, true)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if _, ok := r.Resolve(root, f); !ok {
		t.Fatal("Resolve failed")
	}
	_, path, valid := r.StatCache()
	if !valid {
		t.Fatal("stat cache not published after a successful resolution")
	}
	if path != root {
		t.Fatalf("stat cache path = %q, want %q", path, root)
	}
}

func TestPublishStatSetsCacheForExternalRevalidation(t *testing.T) {
	root := t.TempDir()
	r := New(nil, false)
	st, err := host.Lstat(root)
	if err != nil {
		t.Fatal(err)
	}

	r.PublishStat(root, st)

	cached, path, valid := r.StatCache()
	if !valid {
		t.Fatal("stat cache not published by PublishStat")
	}
	if path != root || cached.Ino != st.Ino {
		t.Fatalf("stat cache = (%q, ino=%d), want (%q, ino=%d)", path, cached.Ino, root, st.Ino)
	}
}

func TestResynthesizeRootRebuildsRealRoot(t *testing.T) {
	root := t.TempDir()
	r := New(nil, false)
	synthetic := fh.FH{Dev: 9, Ino: 1}

	cb := r.ResynthesizeRoot(root)
	real, ok := cb(synthetic)
	if !ok {
		t.Fatal("ResynthesizeRoot callback failed")
	}
	st, err := host.Lstat(root)
	if err != nil {
		t.Fatal(err)
	}
	if real.Ino != st.Ino || real.Dev != uint32(st.Dev) {
		t.Fatalf("resynthesized root = (%d,%d), want (%d,%d)", real.Dev, real.Ino, st.Dev, st.Ino)
	}
}
