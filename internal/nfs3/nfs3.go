// Package nfs3 implements the NFSv3 program (RFC 1813), number 100003,
// version 3: all 22 procedures (NULL through COMMIT) dispatched against the shared filehandle
// codec, resolver, FD cache, attribute engine and access logic. See
// spec.md §4 and §6.
package nfs3

import (
	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/fdcache"
	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/fhcache"
	"github.com/unfs3go/unfsd/internal/metrics"
	"github.com/unfs3go/unfsd/internal/resolver"
)

// Program and version, for the portmap registration and the dispatcher's
// program table.
const (
	Program = 100003
	Version = 3
)

// Procedure numbers (RFC 1813 §3.3).
const (
	ProcNull        = 0
	ProcGetattr     = 1
	ProcSetattr     = 2
	ProcLookup      = 3
	ProcAccess      = 4
	ProcReadlink    = 5
	ProcRead        = 6
	ProcWrite       = 7
	ProcCreate      = 8
	ProcMkdir       = 9
	ProcSymlink     = 10
	ProcMknod       = 11
	ProcRemove      = 12
	ProcRmdir       = 13
	ProcRename      = 14
	ProcLink        = 15
	ProcReaddir     = 16
	ProcReaddirplus = 17
	ProcFsstat      = 18
	ProcFsinfo      = 19
	ProcPathconf    = 20
	ProcCommit      = 21
)

// Wire limits (spec.md §6).
const (
	MaxDataTCP     = 64 * 1024
	MaxDataUDP     = 8 * 1024
	MaxPathLen     = 4096
	ReaddirMaxBytes = 4096
	ReaddirMaxEntries = 143
)

// Server bundles every component the NFSv3 procedure handlers need.
type Server struct {
	Exports  *exports.Table
	Res      *resolver.Resolver
	FHCache  *fhcache.Cache
	FDCache  *fdcache.Cache
	PWHash   func() uint32
	Verifier func() [8]byte
	Policy   func() attr.Policy

	// Epoch returns the current readdir epoch (spec.md §3's high 32 bits
	// of the readdir cookie) and BumpEpoch advances it. REMOVE/RMDIR/RENAME
	// call BumpEpoch so any in-flight READDIR scan whose cookie carries the
	// old epoch is forced to restart from the beginning rather than risk
	// skipping or repeating entries around the mutation.
	Epoch     func() uint32
	BumpEpoch func()
}

// resolveFH turns an on-wire filehandle into (path, fh.FH), consulting the
// FH cache first and falling back to the resolver, per spec.md §4.3's
// resolution order: FH cache hit, hash-guided search, optional brute
// force, else stale.
func (s *Server) resolveFH(raw []byte, exportRoot string) (string, fh.FH, bool) {
	handle, err := fh.Decode(raw, s.PWHash())
	if err != nil {
		return "", fh.FH{}, false
	}

	if path, st, ok := s.FHCache.Lookup(handle.Dev, handle.Ino); ok {
		metrics.RecordFHCacheHit()
		s.Res.PublishStat(path, st)
		return path, handle, true
	}
	metrics.RecordFHCacheMiss()

	path, ok := s.Res.Resolve(exportRoot, handle)
	if !ok {
		return "", fh.FH{}, false
	}
	s.FHCache.Insert(handle.Dev, handle.Ino, path)
	return path, handle, true
}

// childHandle extends parentHandle for a newly looked-up or created child,
// publishing the result into the FH cache.
func (s *Server) childHandle(parentHandle fh.FH, childDev uint32, childIno uint64, childGen uint32, childPath, exportRoot string) (fh.FH, error) {
	resync := s.Res.ResynthesizeRoot(exportRoot)
	child, err := fh.Extend(parentHandle, childDev, childIno, childGen, s.PWHash(), resync)
	if err != nil {
		return fh.FH{}, err
	}
	s.FHCache.Insert(child.Dev, child.Ino, childPath)
	return child, nil
}
