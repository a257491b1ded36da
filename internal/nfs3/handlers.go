package nfs3

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/unfs3go/unfsd/internal/access"
	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/fdcache"
	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/host"
	"github.com/unfs3go/unfsd/internal/nstatus"
	"github.com/unfs3go/unfsd/internal/resolver"
	"github.com/unfs3go/unfsd/internal/xdrutil"
)

// Request carries everything a handler needs beyond its decoded arguments:
// the caller's credential and the export root the target filehandle's
// resolution is rooted at.
type Request struct {
	Cred       attr.Cred
	ExportRoot string
}

func (s *Server) postOp(path string, req Request) (attr.FileAttr, bool) {
	st, err := host.Lstat(path)
	if err != nil {
		return attr.FileAttr{}, false
	}
	return attr.Derive(st, req.Cred, s.Policy()), true
}

func (s *Server) wccFor(dirPath string, req Request) attr.WCC {
	cached, _, valid := s.Res.StatCache()
	pre, hasPre := attr.PreOp(cached, valid)
	post, hasPost := s.postOp(dirPath, req)
	return attr.WCC{Before: pre, HasBefore: hasPre, After: post, HasAfter: hasPost}
}

// Getattr serves GETATTR.
func (s *Server) Getattr(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	a, ok := s.postOp(path, req)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(nstatus.OK))
	writeFileAttr(&buf, a)
	return buf.Bytes()
}

// Setattr serves SETATTR.
func (s *Server) Setattr(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	sa, err := readSattr3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	guardCheck, err := xdrutil.ReadBool(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	var guardCTime uint32
	if guardCheck {
		if guardCTime, err = xdrutil.ReadUint32(r); err != nil {
			return writeStatusOnly(nstatus.ErrInval)
		}
		if _, err = xdrutil.ReadUint32(r); err != nil { // nseconds, unused
			return writeStatusOnly(nstatus.ErrInval)
		}
	}

	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	cached, _, valid := s.Res.StatCache()
	pre, hasPre := attr.PreOp(cached, valid)
	if attr.SetattrGuardMismatch(guardCheck, guardCTime, pre, hasPre) {
		var buf bytes.Buffer
		_ = xdrutil.WriteUint32(&buf, uint32(nstatus.ErrNotSync))
		writeWCCData(&buf, attr.WCC{Before: pre, HasBefore: hasPre})
		return buf.Bytes()
	}

	var opErr error
	if sa.HasSize {
		opErr = os.Truncate(path, int64(sa.Size))
	}
	if opErr == nil && sa.HasMode {
		opErr = os.Chmod(path, os.FileMode(sa.Mode&07777))
	}
	if opErr == nil && (sa.HasUID || sa.HasGID) {
		st, _ := host.Lstat(path)
		uid, gid := int(st.UID), int(st.GID)
		if sa.HasUID {
			uid = int(sa.UID)
		}
		if sa.HasGID {
			gid = int(sa.GID)
		}
		opErr = os.Chown(path, uid, gid)
	}

	status := nstatus.FromSetattr(opErr)
	wcc := s.wccFor(path, req)
	wcc.Before, wcc.HasBefore = pre, hasPre

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	writeWCCData(&buf, wcc)
	return buf.Bytes()
}

// Lookup serves LOOKUP.
func (s *Server) Lookup(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	dirPath, dirHandle, ok := s.resolveFH(dirop.DirRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	childPath := filepath.Join(dirPath, dirop.Name)

	st, statErr := host.Lstat(childPath)
	status := nstatus.FromLookup(statErr)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	if status != nstatus.OK {
		dirAttr, hasDirAttr := s.postOp(dirPath, req)
		writePostOpAttr(&buf, dirAttr, hasDirAttr)
		return buf.Bytes()
	}

	gen := resolver.Generation(childPath, st)
	child, err := s.childHandle(dirHandle, uint32(st.Dev), st.Ino, gen, childPath, req.ExportRoot)
	if err != nil {
		return writeStatusOnly(nstatus.ErrNameTooLong)
	}
	_ = xdrutil.WriteOpaque(&buf, fh.Encode(child))
	childAttr := attr.Derive(st, req.Cred, s.Policy())
	writePostOpAttr(&buf, childAttr, true)
	dirAttr, hasDirAttr := s.postOp(dirPath, req)
	writePostOpAttr(&buf, dirAttr, hasDirAttr)
	return buf.Bytes()
}

// Access serves ACCESS.
func (s *Server) Access(args []byte, req Request) []byte {
	a, err := decodeAccessArgs(args)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	path, _, ok := s.resolveFH(a.File, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	st, err := host.Lstat(path)
	if err != nil {
		return writeStatusOnly(nstatus.ErrStale)
	}

	policy := s.Policy()
	bitmap := access.Compute(st, req.Cred, a.Access, policy.ReadableExecutables)
	fileAttr := attr.Derive(st, req.Cred, policy)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(nstatus.OK))
	writePostOpAttr(&buf, fileAttr, true)
	_ = xdrutil.WriteUint32(&buf, bitmap)
	return buf.Bytes()
}

// Readlink serves READLINK.
func (s *Server) Readlink(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	target, linkErr := os.Readlink(path)
	status := nstatus.FromReadlink(linkErr)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	a, hasAttr := s.postOp(path, req)
	writePostOpAttr(&buf, a, hasAttr)
	if status == nstatus.OK {
		_ = xdrutil.WriteString(&buf, target)
	}
	return buf.Bytes()
}

// Read serves READ.
func (s *Server) Read(args []byte, req Request) []byte {
	ra, err := decodeReadArgs(args)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	offset, count := ra.Offset, ra.Count

	path, handle, ok := s.resolveFH(ra.File, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	f, openErr := s.FDCache.Open(path, handle, fdcache.Read, true)
	var data []byte
	var eof bool
	var ioErr error
	if openErr == nil {
		data = make([]byte, count)
		n, rerr := f.ReadAt(data, int64(offset))
		data = data[:n]
		switch {
		case errors.Is(rerr, io.EOF):
			eof = true
		case rerr != nil:
			ioErr = rerr
		}
		if st, statErr := host.Fstat(int(f.Fd())); statErr == nil && int64(offset)+int64(n) >= st.Size {
			eof = true
		}
		_ = s.FDCache.Close(f, fdcache.Read, fdcache.Virt)
	} else {
		ioErr = openErr
	}

	status := nstatus.FromRead(ioErr)
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	a, hasAttr := s.postOp(path, req)
	writePostOpAttr(&buf, a, hasAttr)
	if status == nstatus.OK {
		_ = xdrutil.WriteUint32(&buf, uint32(len(data)))
		_ = xdrutil.WriteBool(&buf, eof)
		_ = xdrutil.WriteOpaque(&buf, data)
	}
	return buf.Bytes()
}

// Stability modes (RFC 1813 §3.3.7).
const (
	StableUnstable  uint32 = 0
	StableDataSync  uint32 = 1
	StableFileSync  uint32 = 2
)

// Write serves WRITE, implementing the write/commit FSM of spec.md §4.7.
func (s *Server) Write(args []byte, req Request) []byte {
	wa, err := decodeWriteArgs(args)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	offset, stability, data := wa.Offset, wa.Stable, wa.Data

	path, handle, ok := s.resolveFH(wa.File, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	allowCache := stability == StableUnstable
	f, openErr := s.FDCache.Open(path, handle, fdcache.Write, allowCache)
	var n int
	var ioErr error
	if openErr != nil {
		ioErr = openErr
	} else {
		n, ioErr = f.WriteAt(data, int64(offset))
		reallyClose := fdcache.Virt
		if stability != StableUnstable {
			reallyClose = fdcache.Real
		}
		if closeErr := s.FDCache.Close(f, fdcache.Write, reallyClose); closeErr != nil && ioErr == nil {
			ioErr = closeErr
		}
	}

	var status nstatus.Status
	if openErr != nil {
		status = nstatus.FromWriteOpen(openErr)
	} else {
		status = nstatus.FromWriteIO(ioErr)
	}
	echoedStability := stability
	if stability == StableDataSync {
		echoedStability = StableFileSync
	}

	verifier := s.Verifier()
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	wcc := s.wccFor(path, req)
	writeWCCData(&buf, wcc)
	if status == nstatus.OK {
		_ = xdrutil.WriteUint32(&buf, uint32(n))
		_ = xdrutil.WriteUint32(&buf, echoedStability)
	}
	_ = buf.Write(verifier[:])
	return buf.Bytes()
}

// Commit serves COMMIT.
func (s *Server) Commit(args []byte, req Request) []byte {
	ca, err := decodeCommitArgs(args) // Offset/Count are advisory only
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	path, handle, ok := s.resolveFH(ca.File, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	syncErr := s.FDCache.Sync(handle)
	status := nstatus.OK
	if syncErr != nil {
		status = nstatus.ErrIO
	}
	verifier := s.Verifier()

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	wcc := s.wccFor(path, req)
	writeWCCData(&buf, wcc)
	_ = buf.Write(verifier[:])
	return buf.Bytes()
}

// createLike handles CREATE/MKDIR's common shape: resolve the parent,
// perform mkFn, and build a standard dirop-style reply.
func (s *Server) createLike(dirRaw []byte, name string, req Request, mkFn func(path string) error) []byte {
	dirPath, dirHandle, ok := s.resolveFH(dirRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	childPath := filepath.Join(dirPath, name)

	opErr := mkFn(childPath)
	status := nstatus.FromCreate(opErr)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	if status != nstatus.OK {
		wcc := s.wccFor(dirPath, req)
		writeWCCData(&buf, wcc)
		return buf.Bytes()
	}

	st, _ := host.Lstat(childPath)
	gen := resolver.Generation(childPath, st)
	child, err := s.childHandle(dirHandle, uint32(st.Dev), st.Ino, gen, childPath, req.ExportRoot)
	if err != nil {
		_ = xdrutil.WriteUint32(&buf, uint32(nstatus.ErrNameTooLong))
		return buf.Bytes()
	}
	writePostOpFH(&buf, child, true)
	childAttr := attr.Derive(st, req.Cred, s.Policy())
	writePostOpAttr(&buf, childAttr, true)
	wcc := s.wccFor(dirPath, req)
	writeWCCData(&buf, wcc)
	return buf.Bytes()
}

// Create serves CREATE (UNCHECKED mode; EXCLUSIVE/GUARDED createhow3
// variants are decoded but collapse to UNCHECKED, matching unfs3's
// practice of not supporting verifier-based exclusive create atomically
// from user space).
func (s *Server) Create(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	mode, err := xdrutil.ReadUint32(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	var sa sattr3
	if mode == 2 { // EXCLUSIVE: 8-byte verifier instead of sattr3
		var verifier [8]byte
		if _, err := r.Read(verifier[:]); err != nil {
			return writeStatusOnly(nstatus.ErrInval)
		}
	} else {
		sa, err = readSattr3(r)
		if err != nil {
			return writeStatusOnly(nstatus.ErrInval)
		}
	}

	return s.createLike(dirop.DirRaw, dirop.Name, req, func(path string) error {
		perm := os.FileMode(0644)
		if sa.HasMode {
			perm = os.FileMode(sa.Mode & 07777)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, perm)
		if err != nil {
			if errors.Is(err, os.ErrExist) {
				f, err = os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, perm)
			}
			if err != nil {
				return err
			}
		}
		return f.Close()
	})
}

// Mkdir serves MKDIR.
func (s *Server) Mkdir(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	sa, err := readSattr3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	return s.createLike(dirop.DirRaw, dirop.Name, req, func(path string) error {
		perm := os.FileMode(0755)
		if sa.HasMode {
			perm = os.FileMode(sa.Mode & 07777)
		}
		return os.Mkdir(path, perm)
	})
}

// Symlink serves SYMLINK.
func (s *Server) Symlink(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	if _, err = readSattr3(r); err != nil { // symlink_attributes, unused
		return writeStatusOnly(nstatus.ErrInval)
	}
	target, err := xdrutil.ReadString(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	return s.createLike(dirop.DirRaw, dirop.Name, req, func(path string) error {
		return os.Symlink(target, path)
	})
}

// Mknod serves MKNOD. It creates nothing: every file type, FIFOs and
// device nodes alike, gets NOT_SUPPORTED; the ftype argument is read but
// not consulted.
func (s *Server) Mknod(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	if _, err := readDiropArgs(r); err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	if _, err := xdrutil.ReadUint32(r); err != nil { // ftype, unconsulted
		return writeStatusOnly(nstatus.ErrInval)
	}
	return writeStatusOnly(nstatus.ErrNotSupp)
}

// removeLike handles REMOVE/RMDIR's common shape.
func (s *Server) removeLike(dirRaw []byte, name string, req Request, rmFn func(path string) error, mapErr func(error) nstatus.Status) []byte {
	dirPath, _, ok := s.resolveFH(dirRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	childPath := filepath.Join(dirPath, name)

	st, statErr := host.Lstat(childPath)
	var opErr error
	if statErr != nil {
		opErr = statErr
	} else {
		opErr = rmFn(childPath)
		if opErr == nil {
			s.FHCache.Invalidate(uint32(st.Dev), st.Ino)
			if s.BumpEpoch != nil {
				s.BumpEpoch()
			}
		}
	}
	status := mapErr(opErr)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	wcc := s.wccFor(dirPath, req)
	writeWCCData(&buf, wcc)
	return buf.Bytes()
}

// Remove serves REMOVE.
func (s *Server) Remove(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	return s.removeLike(dirop.DirRaw, dirop.Name, req, os.Remove, nstatus.FromRemove)
}

// Rmdir serves RMDIR.
func (s *Server) Rmdir(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	return s.removeLike(dirop.DirRaw, dirop.Name, req, os.Remove, nstatus.FromRmdir)
}

// Rename serves RENAME.
func (s *Server) Rename(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	from, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	to, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	fromDir, _, ok := s.resolveFH(from.DirRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	toDir, _, ok := s.resolveFH(to.DirRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	oldPath := filepath.Join(fromDir, from.Name)
	newPath := filepath.Join(toDir, to.Name)

	oldSt, statErr := host.Lstat(oldPath)
	var opErr error
	if statErr != nil {
		opErr = statErr
	} else {
		opErr = os.Rename(oldPath, newPath)
		if opErr == nil {
			s.FHCache.Invalidate(uint32(oldSt.Dev), oldSt.Ino)
			if s.BumpEpoch != nil {
				s.BumpEpoch()
			}
		}
	}
	status := nstatus.FromRename(opErr)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	writeWCCData(&buf, s.wccFor(fromDir, req))
	writeWCCData(&buf, s.wccFor(toDir, req))
	return buf.Bytes()
}

// Link serves LINK.
func (s *Server) Link(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, targetRaw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	dirop, err := readDiropArgs(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	targetPath, _, ok := s.resolveFH(targetRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}
	dirPath, _, ok := s.resolveFH(dirop.DirRaw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	linkPath := filepath.Join(dirPath, dirop.Name)
	opErr := os.Link(targetPath, linkPath)
	status := nstatus.FromLink(opErr)

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	a, hasAttr := s.postOp(targetPath, req)
	writePostOpAttr(&buf, a, hasAttr)
	writeWCCData(&buf, s.wccFor(dirPath, req))
	return buf.Bytes()
}

// Readdir serves READDIR, bounded at ReaddirMaxBytes/ReaddirMaxEntries
// per spec.md §6.
func (s *Server) Readdir(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	cookie, err := xdrutil.ReadUint64(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	if _, err = xdrutil.ReadOpaque(r); err != nil { // cookieverf, unused (no rename-across-readdir detection)
		return writeStatusOnly(nstatus.ErrInval)
	}
	_, err = xdrutil.ReadUint32(r) // count
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}

	dirPath, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	// Split the 64-bit cookie into epoch (high 32) / offset (low 32). A
	// cookie minted under a since-bumped epoch (the directory was mutated
	// by REMOVE/RMDIR/RENAME since it was handed out) is never reported as
	// NFS3ERR_BAD_COOKIE; it is silently treated as offset 0, restarting
	// the scan, per spec.md §3's readdir-epoch invariant.
	currentEpoch := uint32(0)
	if s.Epoch != nil {
		currentEpoch = s.Epoch()
	}
	cookieEpoch := uint32(cookie >> 32)
	offset := uint64(uint32(cookie))
	if cookieEpoch != currentEpoch {
		offset = 0
	}

	entries, err := os.ReadDir(dirPath)
	if err != nil {
		status := nstatus.FromReaddir(err)
		var buf bytes.Buffer
		_ = xdrutil.WriteUint32(&buf, uint32(status))
		a, hasAttr := s.postOp(dirPath, req)
		writePostOpAttr(&buf, a, hasAttr)
		return buf.Bytes()
	}
	names := []string{".", ".."}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names[2:])

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(nstatus.OK))
	a, hasAttr := s.postOp(dirPath, req)
	writePostOpAttr(&buf, a, hasAttr)
	_ = buf.Write(make([]byte, 8)) // cookieverf: always zero, by design (spec.md §3)

	emitted := 0
	for i, name := range names {
		fileOffset := uint64(i + 1)
		if fileOffset <= offset {
			continue
		}
		if emitted >= ReaddirMaxEntries || buf.Len() >= ReaddirMaxBytes {
			break
		}
		childPath := filepath.Join(dirPath, name)
		st, err := host.Lstat(childPath)
		if err != nil {
			continue
		}
		fileCookie := uint64(currentEpoch)<<32 | fileOffset
		_ = xdrutil.WriteBool(&buf, true)
		_ = xdrutil.WriteUint64(&buf, st.Ino)
		_ = xdrutil.WriteString(&buf, name)
		_ = xdrutil.WriteUint64(&buf, fileCookie)
		emitted++
	}
	_ = xdrutil.WriteBool(&buf, false)
	_ = xdrutil.WriteBool(&buf, emitted < len(names)-int(offset))
	return buf.Bytes()
}

// Readdirplus always returns NOT_SUPPORTED: it cannot be implemented
// atomically from user space (the directory can change between the
// listing and the per-entry lookups), a fundamental limitation rather
// than a missing feature.
func (s *Server) Readdirplus(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	status := nstatus.ErrNotSupp
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	if ok {
		a, hasAttr := s.postOp(path, req)
		writePostOpAttr(&buf, a, hasAttr)
	} else {
		writePostOpAttr(&buf, attr.FileAttr{}, false)
	}
	return buf.Bytes()
}

// Fsstat serves FSSTAT.
func (s *Server) Fsstat(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	var fs statfsResult
	if err := statfs(path, &fs); err != nil {
		return writeStatusOnly(nstatus.ErrIO)
	}

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(nstatus.OK))
	a, hasAttr := s.postOp(path, req)
	writePostOpAttr(&buf, a, hasAttr)
	_ = xdrutil.WriteUint64(&buf, fs.TotalBytes)
	_ = xdrutil.WriteUint64(&buf, fs.FreeBytes)
	_ = xdrutil.WriteUint64(&buf, fs.AvailBytes)
	_ = xdrutil.WriteUint64(&buf, fs.TotalFiles)
	_ = xdrutil.WriteUint64(&buf, fs.FreeFiles)
	_ = xdrutil.WriteUint64(&buf, fs.AvailFiles)
	_ = xdrutil.WriteUint32(&buf, 0) // invarsec: unknown
	return buf.Bytes()
}

// FSINFO properties (RFC 1813 §3.3.19); POSIX hosts report all four.
const (
	propLink        = 0x0001
	propSymlink     = 0x0002
	propHomogeneous = 0x0008
	propCanSetTime  = 0x0010
)

// Fsinfo serves FSINFO.
func (s *Server) Fsinfo(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(nstatus.OK))
	a, hasAttr := s.postOp(path, req)
	writePostOpAttr(&buf, a, hasAttr)
	_ = xdrutil.WriteUint32(&buf, MaxDataTCP) // rtmax
	_ = xdrutil.WriteUint32(&buf, MaxDataTCP) // rtpref
	_ = xdrutil.WriteUint32(&buf, 4096)       // rtmult
	_ = xdrutil.WriteUint32(&buf, MaxDataTCP) // wtmax
	_ = xdrutil.WriteUint32(&buf, MaxDataTCP) // wtpref
	_ = xdrutil.WriteUint32(&buf, 4096)       // wtmult
	_ = xdrutil.WriteUint32(&buf, 4096)       // dtpref
	_ = xdrutil.WriteUint64(&buf, 1<<40)      // maxfilesize
	_ = xdrutil.WriteUint32(&buf, 1)          // time_delta seconds
	_ = xdrutil.WriteUint32(&buf, 0)          // time_delta nseconds
	_ = xdrutil.WriteUint32(&buf, propLink|propSymlink|propHomogeneous|propCanSetTime)
	return buf.Bytes()
}

// Pathconf serves PATHCONF.
func (s *Server) Pathconf(args []byte, req Request) []byte {
	r := bytes.NewReader(args)
	_, raw, err := readFH3(r)
	if err != nil {
		return writeStatusOnly(nstatus.ErrInval)
	}
	path, _, ok := s.resolveFH(raw, req.ExportRoot)
	if !ok {
		return writeStatusOnly(nstatus.ErrStale)
	}

	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(nstatus.OK))
	a, hasAttr := s.postOp(path, req)
	writePostOpAttr(&buf, a, hasAttr)
	_ = xdrutil.WriteUint32(&buf, 32000) // linkmax
	_ = xdrutil.WriteUint32(&buf, 255)   // name_max
	_ = xdrutil.WriteBool(&buf, true)    // no_trunc
	_ = xdrutil.WriteBool(&buf, false)   // chown_restricted
	_ = xdrutil.WriteBool(&buf, false)   // case_insensitive
	_ = xdrutil.WriteBool(&buf, true)    // case_preserving
	return buf.Bytes()
}

// Null serves the NULL procedure: no arguments, no reply body.
func (s *Server) Null([]byte, Request) []byte { return nil }
