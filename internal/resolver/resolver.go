// Package resolver implements the C3 resolver: composing a filehandle from
// a path, and the reverse, turning a filehandle back into a path by a
// hash-guided directory search with an optional brute-force mountpoint
// fallback. See spec.md §4.3.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/host"
	"github.com/unfs3go/unfsd/internal/logger"
)

// RemovableExport reports, for a given device number, whether it belongs to
// a REMOVABLE export and if so the fsid preset for it. The resolver asks
// this instead of importing the exports package directly to avoid an
// import cycle (exports validation wants status codes, not the reverse).
type RemovableExport func(dev uint64) (fsid uint32, ok bool)

// Resolver turns paths into filehandles and back.
type Resolver struct {
	removable   RemovableExport
	bruteForce  bool

	mu        sync.Mutex
	statCache host.Stat
	statValid bool
	statPath  string
}

// New builds a Resolver. bruteForce enables the slow mountpoint-scan
// fallback (unfsd's "-b" flag, spec.md §6).
func New(removable RemovableExport, bruteForce bool) *Resolver {
	return &Resolver{removable: removable, bruteForce: bruteForce}
}

// StatCache returns the most recently published leaf stat, for the
// attribute engine's pre-op attribute derivation (spec.md §4.6).
func (r *Resolver) StatCache() (host.Stat, string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.statCache, r.statPath, r.statValid
}

// PublishStat records st as the most recent leaf stat for path, for
// callers outside this package that revalidate a filehandle some other
// way (the FH cache's lstat-on-hit path) but still owe the attribute
// engine a fresh pre-op snapshot, per spec.md §4.4's "match ⇒ ... publish
// stat cache" rule.
func (r *Resolver) PublishStat(path string, st host.Stat) {
	r.publishStat(path, st)
}

func (r *Resolver) publishStat(path string, st host.Stat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statCache = st
	r.statPath = path
	r.statValid = true
}

func (r *Resolver) clearStat() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statValid = false
}

// Compose walks path from "/" down to the target, recording one 8-bit
// inode hash per path component. needDir rejects a non-directory terminal.
//
// The removable-export synthetic root (dev=fsid, ino=1, len=0) is not
// produced here: the caller (the MOUNT server's Mnt, which consults the
// export table) recognises that case before ever calling Compose, since deciding
// "is this path an export root" requires export-table knowledge this
// package intentionally does not have.
func (r *Resolver) Compose(path string, needDir bool) (fh.FH, error) {
	st, err := host.Lstat(path)
	if err != nil {
		return fh.FH{}, fmt.Errorf("compose: lstat %s: %w", path, err)
	}
	if needDir && !st.IsDir() {
		return fh.FH{}, fmt.Errorf("compose: %s is not a directory", path)
	}

	result := fh.FH{Dev: uint32(st.Dev), Ino: st.Ino}
	result.Gen = r.generation(path, st)

	clean := filepath.Clean(path)
	if clean == "/" {
		return result, nil
	}

	components := strings.Split(strings.Trim(clean, "/"), "/")
	work := ""
	pos := 0
	for _, comp := range components {
		work += "/" + comp
		cst, err := host.Lstat(work)
		if err != nil {
			return fh.FH{}, fmt.Errorf("compose: lstat %s: %w", work, err)
		}
		if pos >= fh.MaxComponents {
			return fh.FH{}, fmt.Errorf("compose: %s exceeds %d path components", path, fh.MaxComponents)
		}
		result.Inos[pos] = fh.InoHash(cst.Ino)
		pos++
	}
	result.Len = uint8(pos)
	return result, nil
}

func (r *Resolver) generation(path string, st host.Stat) uint32 {
	return Generation(path, st)
}

// Generation probes path's inode generation number, for callers building a
// filehandle for an object this package didn't just Compose (e.g. a newly
// created or looked-up child in the nfs3 package's handlers).
func Generation(path string, st host.Stat) uint32 {
	if !st.IsDir() && st.Mode&0170000 != 0100000 { // not a regular file either
		return 0
	}
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	return host.Generation(int(f.Fd()), true)
}

// ResynthesizeRoot builds the fh.Extend callback used when extending a
// filehandle whose len==0 refers to a removable-export synthetic root: it
// recomposes the export's real root filehandle by walking exportPath, the
// way fh_extend() calls fh_comp_raw(path, NULL, FH_ANY) in the original.
func (r *Resolver) ResynthesizeRoot(exportPath string) func(fh.FH) (fh.FH, bool) {
	return func(fh.FH) (fh.FH, bool) {
		real, err := r.Compose(exportPath, false)
		if err != nil {
			return fh.FH{}, false
		}
		return real, true
	}
}

// maxLeafMatches is the number of leaf matches that trigger a fatal
// resolution failure instead of silently returning a possibly-wrong file
// (spec.md §4.3's Windows-hashing tie-break rule).
const maxLeafMatches = 2

// ErrAmbiguous is returned when two or more directory entries match an
// FH's (dev,ino) pair at the leaf.
var ErrAmbiguous = fmt.Errorf("ambiguous filehandle resolution: multiple matching entries")

// Resolve turns a filehandle back into a path via a depth-first,
// hash-guided directory search starting at root. It does not consult the
// FH cache (callers check that first, per spec.md §4.3's resolution
// order); this is the "hash-guided recursive search" fallback.
func (r *Resolver) Resolve(root string, target fh.FH) (string, bool) {
	if target.Len == 0 {
		st, err := host.Lstat(root)
		if err != nil || uint32(st.Dev) != target.Dev || st.Ino != target.Ino {
			r.clearStat()
			return "", false
		}
		r.publishStat(root, st)
		return root, true
	}

	path, st, ok := r.search(root, target, 0)
	if !ok {
		if r.bruteForce {
			if bfPath, bfOK := r.bruteForceLocate(root, uint64(target.Dev), target.Ino); bfOK {
				st2, err := host.Lstat(bfPath)
				if err == nil {
					r.publishStat(bfPath, st2)
					return bfPath, true
				}
			}
		}
		r.clearStat()
		return "", false
	}
	r.publishStat(path, st)
	return path, true
}

// search performs the depth-first hash-guided walk. At each level it first
// tries "self" (the current directory matching outright, covering the case
// where depth == target.Len and dir itself is the leaf), then recurses into
// children whose inode hash matches inos[depth].
func (r *Resolver) search(dir string, target fh.FH, depth uint8) (string, host.Stat, bool) {
	st, err := host.Lstat(dir)
	if err == nil && uint32(st.Dev) == target.Dev && st.Ino == target.Ino {
		return dir, st, true
	}
	if depth >= target.Len {
		return "", host.Stat{}, false
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", host.Stat{}, false
	}

	var (
		matchPath string
		matchStat host.Stat
		matches   int
	)
	for _, ent := range entries {
		name := ent.Name()
		if name == "." || name == ".." {
			continue
		}
		childPath := filepath.Join(dir, name)
		cst, err := host.Lstat(childPath)
		if err != nil {
			continue
		}
		if uint32(cst.Dev) != target.Dev || fh.InoHash(cst.Ino) != target.Inos[depth] {
			continue
		}

		if depth+1 == target.Len {
			if cst.Ino == target.Ino {
				matches++
				matchPath, matchStat = childPath, cst
				if matches >= maxLeafMatches {
					logger.Warn("ambiguous filehandle resolution", "dev", target.Dev, "ino", target.Ino, "dir", dir)
					return "", host.Stat{}, false
				}
			}
			continue
		}

		if cst.IsDir() {
			if p, s, ok := r.search(childPath, target, depth+1); ok {
				return p, s, true
			}
		}
	}

	if matches == 1 {
		return matchPath, matchStat, true
	}
	return "", host.Stat{}, false
}

// bruteForceLocate implements the slow fallback: find a mountpoint whose
// device matches, then recursively scan beneath it. Grounded on unfs3's
// locate.c, adapted to Linux's /proc/self/mountinfo instead of /etc/mtab.
func (r *Resolver) bruteForceLocate(root string, dev uint64, ino uint64) (string, bool) {
	mountpoints, err := linuxMountpoints()
	if err != nil {
		return "", false
	}

	for _, mp := range mountpoints {
		st, err := host.Lstat(mp)
		if err != nil || st.Dev != dev {
			continue
		}
		if path, ok := locatePrefix(mp, dev, ino); ok {
			return path, true
		}
	}
	// fall back to scanning from the export root itself
	return locatePrefix(root, dev, ino)
}

func locatePrefix(prefix string, dev, ino uint64) (string, bool) {
	entries, err := os.ReadDir(prefix)
	if err != nil {
		return "", false
	}
	for _, ent := range entries {
		name := ent.Name()
		if name == "." || name == ".." {
			continue
		}
		path := filepath.Join(prefix, name)
		st, err := host.Lstat(path)
		if err != nil {
			continue
		}
		if st.Dev == dev && st.Ino == ino {
			return path, true
		}
		if st.Dev == dev && st.IsDir() {
			if p, ok := locatePrefix(path, dev, ino); ok {
				return p, true
			}
		}
	}
	return "", false
}
