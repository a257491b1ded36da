// Package host is the C1 host abstraction: every POSIX primitive the rest
// of unfsd needs (stat, the inode-generation probe, scoped credential
// switching, random bytes, the process id) is funneled through here. The
// other packages that import golang.org/x/sys/unix directly are nfs3 (for
// statfs) and server (for the pid-file lock).
package host

import (
	"crypto/rand"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Stat is the subset of a POSIX stat(2) result the core packages consume.
// Times are split into seconds and nanoseconds so callers can decide
// whether to trust the nanosecond field (Host.NsecPrecision reports that).
type Stat struct {
	Dev     uint64
	Ino     uint64
	Mode    uint32
	Nlink   uint64
	UID     uint32
	GID     uint32
	Rdev    uint64
	Size    int64
	Blksize int64
	Blocks  int64
	ATimeSec, ATimeNsec int64
	MTimeSec, MTimeNsec int64
	CTimeSec, CTimeNsec int64
}

// IsDir reports whether the stat result describes a directory.
func (s Stat) IsDir() bool { return os.FileMode(s.Mode)&os.ModeDir != 0 }

// NsecPrecision is true on hosts whose stat(2) reports sub-second
// timestamps; unfsd zeroes the nsec attribute fields when false.
const NsecPrecision = true

// Lstat stats path without following a trailing symlink.
func Lstat(path string) (Stat, error) {
	var raw unix.Stat_t
	if err := unix.Lstat(path, &raw); err != nil {
		return Stat{}, &os.PathError{Op: "lstat", Path: path, Err: err}
	}
	return fromRaw(raw), nil
}

// Fstat stats an already-open descriptor.
func Fstat(fd int) (Stat, error) {
	var raw unix.Stat_t
	if err := unix.Fstat(fd, &raw); err != nil {
		return Stat{}, fmt.Errorf("fstat: %w", err)
	}
	return fromRaw(raw), nil
}

func fromRaw(raw unix.Stat_t) Stat {
	atime := raw.Atim
	mtime := raw.Mtim
	ctime := raw.Ctim
	return Stat{
		Dev:      uint64(raw.Dev),
		Ino:      raw.Ino,
		Mode:     raw.Mode,
		Nlink:    uint64(raw.Nlink),
		UID:      raw.Uid,
		GID:      raw.Gid,
		Rdev:     uint64(raw.Rdev),
		Size:     raw.Size,
		Blksize:  int64(raw.Blksize),
		Blocks:   raw.Blocks,
		ATimeSec: int64(atime.Sec), ATimeNsec: int64(atime.Nsec),
		MTimeSec: int64(mtime.Sec), MTimeNsec: int64(mtime.Nsec),
		CTimeSec: int64(ctime.Sec), CTimeNsec: int64(ctime.Nsec),
	}
}

// ---------------------------------------------------------------------
// Inode generation number
// ---------------------------------------------------------------------

// extFSGetVersion is EXT2_IOC_GETVERSION / FS_IOC_GETVERSION, stable across
// ext2/ext3/ext4 and reused by several other Linux filesystems.
const extFSGetVersion = 0x80047601

// Generation returns the inode generation number used by the filehandle
// codec's FH.Gen field, trying progressively weaker fallbacks the way
// unfs3's get_gen() does: a native st_gen-equivalent is not exposed by
// Go's stat, so the ext2-family ioctl is tried first; when it fails
// (non-Linux, non-extN filesystem, or no permission) the generation is
// left at zero and the filehandle simply omits that disambiguator, as
// spec.md §3 allows ("32-bit inode generation, or 0 where the host cannot
// supply one").
func Generation(fd int, isRegularOrDir bool) uint32 {
	if !isRegularOrDir || fd < 0 {
		return 0
	}
	var version uint32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), extFSGetVersion, uintptr(unsafe.Pointer(&version)))
	if errno != 0 {
		return 0
	}
	return version
}

// ---------------------------------------------------------------------
// Scoped credential switching
// ---------------------------------------------------------------------

// credMu serialises credential switches; the dispatcher is single-threaded
// by contract (spec.md §5) but tests may run concurrently, so this guards
// against that instead of relying on the caller.
var credMu sync.Mutex

// WithCredential runs fn with the filesystem uid/gid (setfsuid/setfsgid) of
// the calling OS thread set to the caller-mapped identity, then
// unconditionally restores the prior identity — including when fn panics.
// The goroutine stays locked to that thread until the restore is done. Every
// uid is switched, 0 included; groups is not applied, so supplementary
// groups stay those of the server process.
func WithCredential(uid, gid uint32, groups []uint32, fn func() error) error {
	credMu.Lock()
	defer credMu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	savedUID := unix.Geteuid()
	savedGID := unix.Getegid()

	if err := unix.Setfsgid(int(gid)); err != nil {
		return fmt.Errorf("setfsgid: %w", err)
	}
	if err := unix.Setfsuid(int(uid)); err != nil {
		_ = unix.Setfsgid(savedGID)
		return fmt.Errorf("setfsuid: %w", err)
	}

	defer func() {
		if err := unix.Setfsuid(savedUID); err != nil {
			panic(fmt.Sprintf("CRISIS: cannot restore fsuid: %v", err))
		}
		if err := unix.Setfsgid(savedGID); err != nil {
			panic(fmt.Sprintf("CRISIS: cannot restore fsgid: %v", err))
		}
	}()

	return fn()
}

// RandomBytes returns n cryptographically random bytes, used for the
// write verifier and the MOUNT nonce.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// PID returns the server's own process id, used by the pid file.
func PID() int { return os.Getpid() }

// Now is overridable in tests that need deterministic idle-sweep timing.
var Now = time.Now
