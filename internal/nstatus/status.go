// Package nstatus defines the NFSv3 and MOUNT protocol status vocabularies
// and the per-operation errno→status translation tables. The same errno can
// map to a different status depending on the calling procedure (RFC 1813
// leaves ENOTEMPTY undefined for RENAME on some hosts, for instance), so
// each procedure family gets its own mapping function instead of one global
// switch.
package nstatus

import (
	"errors"
	"io/fs"
	"syscall"
)

// Status is an NFSv3 status code (nfsstat3, RFC 1813 §2.6).
type Status uint32

const (
	OK             Status = 0
	ErrPerm        Status = 1
	ErrNoEnt       Status = 2
	ErrIO          Status = 5
	ErrNXIO        Status = 6
	ErrAcces       Status = 13
	ErrExist       Status = 17
	ErrXDev        Status = 18
	ErrNoDev       Status = 19
	ErrNotDir      Status = 20
	ErrIsDir       Status = 21
	ErrInval       Status = 22
	ErrFBig        Status = 27
	ErrNoSpc       Status = 28
	ErrROFS        Status = 30
	ErrMLink       Status = 31
	ErrNameTooLong Status = 63
	ErrNotEmpty    Status = 66
	ErrDQuot       Status = 69
	ErrStale       Status = 70
	ErrRemote      Status = 71
	ErrBadHandle   Status = 10001
	ErrNotSync     Status = 10002
	ErrBadCookie   Status = 10003
	ErrNotSupp     Status = 10004
	ErrTooSmall    Status = 10005
	ErrServerFault Status = 10006
	ErrBadType     Status = 10007
	ErrJukebox     Status = 10008
)

// MountStatus is the MOUNT procedure's mountstat3 (RFC 1813 Appendix I).
type MountStatus uint32

const (
	MountOK           MountStatus = 0
	MountErrPerm      MountStatus = 1
	MountErrNoEnt     MountStatus = 2
	MountErrIO        MountStatus = 5
	MountErrAcces     MountStatus = 13
	MountErrNotDir    MountStatus = 20
	MountErrInval     MountStatus = 22
	MountErrNameTooLong MountStatus = 63
	MountErrNotSupp   MountStatus = 10004
	MountErrServerFault MountStatus = 10006
)

// is_stale reproduces unfs3's is_stale(): the set of errno values that mean
// "the path can no longer be walked the way the filehandle expects", which
// most FromXxx translators below map to ErrStale after the
// operation-specific cases listed ahead of it; FromWriteIO, FromLink,
// FromRmdir and FromRename do not consult it.
func isStale(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.ELOOP) ||
		errors.Is(err, syscall.ENAMETOOLONG)
}

func errno(err error) (syscall.Errno, bool) {
	var e syscall.Errno
	if errors.As(err, &e) {
		return e, true
	}
	return 0, false
}

// FromLookup maps a LOOKUP-path errno (also used by GETATTR, ACCESS, READDIR
// traversal) to a status.
func FromLookup(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNoEnt
	case e == syscall.EACCES:
		return ErrAcces
	case isStale(err):
		return ErrStale
	case e == syscall.EINVAL:
		return ErrInval
	default:
		return ErrIO
	}
}

// FromRead maps a READ-path errno.
func FromRead(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EINVAL:
		return ErrInval
	case isStale(err):
		return ErrStale
	case e == syscall.EACCES:
		return ErrAcces
	case e == syscall.ENXIO || e == syscall.ENODEV:
		return ErrNXIO
	default:
		return ErrIO
	}
}

// FromWriteOpen maps errors opening a file for WRITE.
func FromWriteOpen(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EACCES:
		return ErrAcces
	case isStale(err):
		return ErrStale
	case e == syscall.EINVAL:
		return ErrInval
	case e == syscall.EROFS:
		return ErrROFS
	default:
		return ErrIO
	}
}

// FromWriteIO maps errors from the pwrite/fsync phase of WRITE or COMMIT.
func FromWriteIO(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EINVAL:
		return ErrInval
	case e == syscall.EFBIG:
		return ErrFBig
	case e == syscall.ENOSPC:
		return ErrNoSpc
	case e == syscall.EDQUOT:
		return ErrDQuot
	default:
		return ErrIO
	}
}

// FromCreate maps CREATE/MKDIR/MKNOD/SYMLINK errors.
func FromCreate(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EACCES || e == syscall.EPERM:
		return ErrAcces
	case isStale(err):
		return ErrStale
	case e == syscall.EROFS:
		return ErrROFS
	case e == syscall.ENOSPC:
		return ErrNoSpc
	case errors.Is(err, fs.ErrExist):
		return ErrExist
	case e == syscall.EDQUOT:
		return ErrDQuot
	case e == syscall.ENOSYS:
		return ErrNotSupp
	case e == syscall.EINVAL:
		return ErrInval
	default:
		return ErrIO
	}
}

// FromLink maps LINK errors.
func FromLink(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EXDEV:
		return ErrXDev
	case e == syscall.EMLINK:
		return ErrMLink
	case e == syscall.EDQUOT:
		return ErrDQuot
	default:
		return FromCreate(err)
	}
}

// FromRemove maps REMOVE errors. Notice ENOENT maps to NoEnt here, while
// the generic lookup path (FromLookup) also maps it to NoEnt — they agree
// for this errno, but RENAME and RMDIR diverge below for ENOTEMPTY, which
// is the textbook case of "same errno, different status by caller".
func FromRemove(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EACCES || e == syscall.EPERM:
		return ErrAcces
	case errors.Is(err, fs.ErrNotExist):
		return ErrNoEnt
	case isStale(err):
		return ErrStale
	case e == syscall.EINVAL:
		return ErrInval
	case e == syscall.EROFS:
		return ErrROFS
	default:
		return ErrIO
	}
}

// FromRmdir maps RMDIR errors: ENOTEMPTY is reported, everything else
// falls back to the generic remove mapping.
func FromRmdir(err error) Status {
	if e, ok := errno(err); ok && e == syscall.ENOTEMPTY {
		return ErrNotEmpty
	}
	return FromRemove(err)
}

// FromRename maps RENAME errors. Here ENOTEMPTY (destination nonempty
// directory) is reported as NotEmpty — on hosts where rename(2) instead
// returns EEXIST for that case it is handled by the EEXIST branch, both
// long before the generic I/O fallback.
func FromRename(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EISDIR:
		return ErrIsDir
	case e == syscall.EXDEV:
		return ErrXDev
	case errors.Is(err, fs.ErrExist):
		return ErrExist
	case e == syscall.ENOTEMPTY:
		return ErrNotEmpty
	case e == syscall.EINVAL:
		return ErrInval
	case e == syscall.ENOTDIR:
		return ErrNotDir
	case e == syscall.EACCES || e == syscall.EPERM:
		return ErrAcces
	case errors.Is(err, fs.ErrNotExist):
		return ErrNoEnt
	case e == syscall.ELOOP || e == syscall.ENAMETOOLONG:
		return ErrStale
	case e == syscall.EROFS:
		return ErrROFS
	case e == syscall.ENOSPC:
		return ErrNoSpc
	case e == syscall.EDQUOT:
		return ErrDQuot
	default:
		return ErrIO
	}
}

// FromSetattr maps SETATTR errors.
func FromSetattr(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EPERM:
		return ErrPerm
	case e == syscall.EROFS:
		return ErrROFS
	case isStale(err):
		return ErrStale
	case e == syscall.EACCES:
		return ErrAcces
	case e == syscall.EDQUOT:
		return ErrDQuot
	case e == syscall.EINVAL:
		return ErrInval
	default:
		return ErrIO
	}
}

// FromReaddir maps READDIR/READDIRPLUS directory-open errors.
func FromReaddir(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EPERM:
		return ErrPerm
	case e == syscall.EACCES:
		return ErrAcces
	case e == syscall.ENOTDIR:
		return ErrNotDir
	case isStale(err):
		return ErrStale
	case e == syscall.EINVAL:
		return ErrInval
	default:
		return ErrIO
	}
}

// FromReadlink maps READLINK/SYMLINK-target errors.
func FromReadlink(err error) Status {
	if err == nil {
		return OK
	}
	e, _ := errno(err)
	switch {
	case e == syscall.EINVAL:
		return ErrInval
	case e == syscall.EACCES:
		return ErrAcces
	case e == syscall.ENOSYS:
		return ErrNotSupp
	case isStale(err):
		return ErrStale
	default:
		return ErrIO
	}
}
