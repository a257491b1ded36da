package mount

import (
	"bytes"
	"sync"

	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/nstatus"
	"github.com/unfs3go/unfsd/internal/resolver"
	"github.com/unfs3go/unfsd/internal/xdrutil"
)

// Program and version numbers (RFC 1813 Appendix I).
const (
	Program   = 100005
	Version1  = 1
	Version3  = 3
)

// Procedure numbers, shared by both versions.
const (
	ProcNull    = 0
	ProcMnt     = 1
	ProcDump    = 2
	ProcUmnt    = 3
	ProcUmntAll = 4
	ProcExport  = 5
)

// mountEntry records one active client mount, for UMNT/UMNTALL/DUMP.
type mountEntry struct {
	hostname string
	dirpath  string
}

// Server is the MOUNT protocol server: export table, mount-list, and the
// authenticator, wired to the shared resolver.
type Server struct {
	Exports *exports.Table
	Auth    *Authenticator
	Res     *resolver.Resolver
	PWHash  uint32

	mu    sync.Mutex
	mounts []mountEntry
}

// NewServer builds a MOUNT server over the given export table and resolver.
func NewServer(exp *exports.Table, res *resolver.Resolver, pwhash uint32) (*Server, error) {
	auth, err := NewAuthenticator()
	if err != nil {
		return nil, err
	}
	return &Server{Exports: exp, Auth: auth, Res: res, PWHash: pwhash}, nil
}

// Mnt serves the MNT procedure: dirpath is either a plain export path or an
// authenticator command, clientHost/clientIP/clientPort identify the caller.
func (s *Server) Mnt(dirpath, clientHost string, clientPort int) (nstatus.MountStatus, fh.FH, []int32) {
	cmd := s.Auth.ParseDirpath(dirpath, func(path string) (string, bool) {
		e, ok := s.Exports.IsExportRoot(path)
		if !ok || e.Password == "" {
			return "", false
		}
		return e.Password, true
	})

	if cmd.IsGetNonce {
		// Mnt does not build the nonce reply: it returns MountOK with a
		// zero filehandle. The caller answers @getnonce itself, with the
		// bytes from MntGetNonce in place of the filehandle.
		return nstatus.MountOK, fh.FH{}, nil
	}

	entry, found := s.Exports.IsExportRoot(cmd.Path)
	if !Authorize(entry, found, clientPort, cmd) {
		return nstatus.MountErrAcces, fh.FH{}, nil
	}

	var handle fh.FH
	var err error
	if entry.Removable && entry.HasFSID {
		handle = fh.FH{Dev: entry.FSID, Ino: 1, PWHash: s.PWHash}
	} else {
		handle, err = s.Res.Compose(cmd.Path, true)
		if err != nil {
			return nstatus.MountErrNoEnt, fh.FH{}, nil
		}
		handle.PWHash = s.PWHash
	}

	s.mu.Lock()
	s.mounts = append(s.mounts, mountEntry{hostname: clientHost, dirpath: cmd.Path})
	s.mu.Unlock()

	return nstatus.MountOK, handle, []int32{0}
}

// MntGetNonce returns the current nonce bytes for an @getnonce MNT call.
func (s *Server) MntGetNonce() []byte {
	return s.Auth.Nonce()
}

// Dump lists every active mount, for the DUMP procedure.
func (s *Server) Dump() []struct{ Hostname, Dirpath string } {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]struct{ Hostname, Dirpath string }, len(s.mounts))
	for i, m := range s.mounts {
		out[i] = struct{ Hostname, Dirpath string }{m.hostname, m.dirpath}
	}
	return out
}

// Umnt removes one mount-list entry matching (hostname,dirpath).
func (s *Server) Umnt(hostname, dirpath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, m := range s.mounts {
		if m.hostname == hostname && m.dirpath == dirpath {
			s.mounts = append(s.mounts[:i], s.mounts[i+1:]...)
			return
		}
	}
}

// UmntAll removes every mount-list entry belonging to hostname.
func (s *Server) UmntAll(hostname string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.mounts[:0]
	for _, m := range s.mounts {
		if m.hostname != hostname {
			kept = append(kept, m)
		}
	}
	s.mounts = kept
}

// Export lists every export-table entry with its path and allowed host
// spec, for the EXPORT procedure.
func (s *Server) Export() []exports.Entry {
	return s.Exports.All()
}

// EncodeMntReply builds the MNT procedure's reply body. version3 controls
// whether the trailing auth-flavors list is present (version 3 only).
func EncodeMntReply(status nstatus.MountStatus, handle fh.FH, authFlavors []int32, version3 bool) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	if status == nstatus.MountOK {
		_ = xdrutil.WriteOpaque(&buf, fh.Encode(handle))
		if version3 {
			_ = xdrutil.WriteUint32(&buf, uint32(len(authFlavors)))
			for _, a := range authFlavors {
				_ = xdrutil.WriteInt32(&buf, a)
			}
		}
	}
	return buf.Bytes()
}

// EncodeDumpReply builds the DUMP procedure's reply body: a linked list of
// (hostname, dirpath) pairs terminated by a false "more" flag.
func EncodeDumpReply(entries []struct{ Hostname, Dirpath string }) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		_ = xdrutil.WriteBool(&buf, true)
		_ = xdrutil.WriteString(&buf, e.Hostname)
		_ = xdrutil.WriteString(&buf, e.Dirpath)
	}
	_ = xdrutil.WriteBool(&buf, false)
	return buf.Bytes()
}

// EncodeExportReply builds the EXPORT procedure's reply body: a linked
// list of (path, groups) pairs, where groups is the raw host spec since
// unfsd does not expand netgroups.
func EncodeExportReply(entries []exports.Entry) []byte {
	var buf bytes.Buffer
	for _, e := range entries {
		_ = xdrutil.WriteBool(&buf, true)
		_ = xdrutil.WriteString(&buf, e.Path)
		_ = xdrutil.WriteBool(&buf, true)
		_ = xdrutil.WriteString(&buf, e.Host)
		_ = xdrutil.WriteBool(&buf, false)
	}
	_ = xdrutil.WriteBool(&buf, false)
	return buf.Bytes()
}
