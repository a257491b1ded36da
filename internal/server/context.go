// Package server wires every other package into the single-threaded RPC
// dispatcher described by spec.md §4.9 and §5: one Context owns every
// piece of process-global mutable state (the FH/FD caches, the write
// verifier, the readdir epoch, the mount list, the PWHash), and the
// dispatch loop guarantees that at most one request is ever being
// processed at a time, so none of that state needs its own locking
// beyond what the individual cache packages already carry as a courtesy
// to their own tests.
package server

import (
	"fmt"
	"os"

	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/config"
	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/fdcache"
	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/fhcache"
	"github.com/unfs3go/unfsd/internal/host"
	"github.com/unfs3go/unfsd/internal/metrics"
	"github.com/unfs3go/unfsd/internal/mount"
	"github.com/unfs3go/unfsd/internal/nfs3"
	"github.com/unfs3go/unfsd/internal/portmap"
	"github.com/unfs3go/unfsd/internal/resolver"
)

// Context bundles every shared component the dispatch loop needs to
// route and serve one RPC call.
type Context struct {
	Cfg     *config.Config
	Exports *exports.Table
	Res     *resolver.Resolver
	FHCache *fhcache.Cache
	FDCache *fdcache.Cache

	NFS   *nfs3.Server
	Mount *mount.Server

	Portmap       *portmap.Registry
	PortmapServer *portmap.Server

	pwhash   uint32
	verifier [8]byte
	epoch    uint32

	serverUID uint32
	isRoot    bool
}

// New builds a Context from a parsed configuration and export table. It
// generates the process-lifetime PWHash and the initial write verifier,
// then wires the NFSv3 and MOUNT servers against the same resolver and
// caches so a filehandle minted by one is honoured by the other.
//
// PWHash is generated once here and handed to both nfs3.Server (as a live
// func, matching its existing shape) and mount.Server (as the fixed value
// mount.NewServer already takes): the value itself never changes after
// startup, so the two shapes are equivalent in practice. Unlike the write
// verifier, PWHash is not rotated on SIGHUP or on any runtime event — its
// only job is to keep filehandles minted by a prior process incarnation
// from being accepted by this one (spec.md §4.2), which a single
// startup-time value already achieves.
func New(cfg *config.Config, exp *exports.Table) (*Context, error) {
	pwBytes, err := host.RandomBytes(4)
	if err != nil {
		return nil, fmt.Errorf("generate pwhash: %w", err)
	}
	var pwhash uint32
	for _, b := range pwBytes {
		pwhash = pwhash<<8 | uint32(b)
	}

	verifierBytes, err := host.RandomBytes(8)
	if err != nil {
		return nil, fmt.Errorf("generate write verifier: %w", err)
	}

	c := &Context{
		Cfg:       cfg,
		Exports:   exp,
		pwhash:    pwhash,
		serverUID: uint32(os.Getuid()),
		isRoot:    os.Getuid() == 0,
	}
	copy(c.verifier[:], verifierBytes)

	c.Res = resolver.New(func(dev uint64) (uint32, bool) {
		return c.Exports.RemovableFSIDForDevice(dev, c.deviceOf)
	}, cfg.BruteForce)
	c.FHCache = fhcache.New()
	c.FDCache = fdcache.New(c.rotateVerifier)

	c.NFS = &nfs3.Server{
		Exports:   c.Exports,
		Res:       c.Res,
		FHCache:   c.FHCache,
		FDCache:   c.FDCache,
		PWHash:    c.PWHash,
		Verifier:  c.Verifier,
		Policy:    c.Policy,
		Epoch:     c.Epoch,
		BumpEpoch: c.BumpEpoch,
	}

	mnt, err := mount.NewServer(c.Exports, c.Res, pwhash)
	if err != nil {
		return nil, fmt.Errorf("build mount server: %w", err)
	}
	c.Mount = mnt

	c.Portmap = portmap.NewRegistry()
	c.PortmapServer = &portmap.Server{Registry: c.Portmap}

	return c, nil
}

// deviceOf stats path and reports its device number, the callback shape
// exports.Table.RemovableFSIDForDevice and RootForDev both need since that
// package has no host access of its own.
func (c *Context) deviceOf(path string) (uint64, bool) {
	st, err := host.Lstat(path)
	if err != nil {
		return 0, false
	}
	return st.Dev, true
}

func (c *Context) deviceOf32(path string) (uint32, bool) {
	st, err := host.Lstat(path)
	if err != nil {
		return 0, false
	}
	return uint32(st.Dev), true
}

// PWHash returns the process-lifetime filehandle password hash.
func (c *Context) PWHash() uint32 { return c.pwhash }

// Verifier returns the current write verifier cookie.
func (c *Context) Verifier() [8]byte { return c.verifier }

func (c *Context) rotateVerifier() {
	b, err := host.RandomBytes(8)
	if err != nil {
		// Extremely unlikely (crypto/rand failure); keep the old verifier
		// rather than leave it half-written.
		return
	}
	copy(c.verifier[:], b)
	metrics.RecordVerifierRotation()
}

// Epoch returns the current readdir cookie epoch.
func (c *Context) Epoch() uint32 { return c.epoch }

// BumpEpoch advances the readdir cookie epoch, invalidating any
// outstanding READDIR cookie minted before a directory mutation.
func (c *Context) BumpEpoch() {
	c.epoch++
	metrics.RecordEpochBump()
}

// Policy builds the attribute-derivation policy from the current
// configuration on every call. SIGHUP reloads only the export table, so
// single-user mode stays as it was set at startup.
func (c *Context) Policy() attr.Policy {
	return attr.Policy{
		SingleUser:          c.Cfg.SingleUser,
		ServerUID:           c.serverUID,
		IsRoot:              c.isRoot,
		ReadableExecutables: c.Cfg.ReadableExecs,
		RemovableFSIDFor: func(dev uint64) (uint32, bool) {
			return c.Exports.RemovableFSIDForDevice(dev, c.deviceOf)
		},
	}
}

// Snapshot builds the point-in-time cache summary for the debug HTTP
// listener and the SIGUSR1 log line.
func (c *Context) Snapshot() (fhSize int, fd metrics.FDCacheCounts, verifier [8]byte, epoch uint32, mounts int) {
	unused, open, pending := c.FDCache.Counts()
	return fhCacheSize(c.FHCache), metrics.FDCacheCounts{Unused: unused, Open: open, PendingError: pending},
		c.verifier, c.epoch, len(c.Mount.Dump())
}

// fhCacheSize has no direct counterpart on fhcache.Cache (it only reports
// hit/miss/invalidation counters), so the debug snapshot reports the fixed
// table size instead of a live occupancy count.
func fhCacheSize(*fhcache.Cache) int { return fhcache.Size }

// rootForHandle maps an incoming filehandle to the export it was minted
// under, the missing link the dispatcher needs before it can construct a
// nfs3.Request or apply squash: filehandles carry a Dev field but not an
// export path, so every call must look the owning export up by Dev.
func (c *Context) rootForHandle(target fh.FH) (exports.Entry, bool) {
	return c.Exports.RootForDev(target.Dev, c.deviceOf32)
}

// Reload re-parses the exports file and swaps the new table into every
// component that holds its own reference (nfs3.Server and mount.Server each
// copied the *exports.Table pointer at construction rather than reading it
// through a closure), implementing SIGHUP's "re-reads exports and squash
// IDs" (spec.md §6). Existing filehandles remain valid across a reload:
// only the export table changes, never the PWHash they were minted under.
func (c *Context) Reload(exportsFile string) error {
	next, err := exports.Parse(exportsFile)
	if err != nil {
		return fmt.Errorf("reload exports: %w", err)
	}
	c.Exports = next
	c.NFS.Exports = next
	c.Mount.Exports = next
	return nil
}
