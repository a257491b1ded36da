// Package attr implements the C6 attribute engine: deriving NFSv3
// post_op_attr, pre_op_attr and weak-cache-consistency (WCC) structures
// from a host.Stat and the requesting credential. See spec.md §4.6.
package attr

import (
	"github.com/unfs3go/unfsd/internal/host"
)

// Type mirrors NFSv3's ftype3 enum (RFC 1813 §2.6).
type Type uint32

const (
	TypeReg   Type = 1
	TypeDir   Type = 2
	TypeBlk   Type = 3
	TypeChr   Type = 4
	TypeLnk   Type = 5
	TypeSock  Type = 6
	TypeFifo  Type = 7
)

// Cred is the requesting credential, after AUTH_UNIX decoding and any
// anonymous-user squash already applied upstream.
type Cred struct {
	UID    uint32
	GID    uint32
	Groups []uint32
}

// Policy carries the server-wide options the derivation rules consult.
type Policy struct {
	// SingleUser reports the requester's own uid/gid for objects owned by
	// the server's real identity (for every object when the server runs as
	// root), and uid/gid 0 for all other objects.
	SingleUser bool
	// ServerUID is the server process's real uid, used by the SingleUser
	// rule and to recognise when the server itself is root.
	ServerUID uint32
	IsRoot    bool
	// ReadableExecutables propagates execute bits into read bits, both
	// in reported mode and in ACCESS derivation (package access).
	ReadableExecutables bool
	// RemovableFSIDFor returns the preset fsid for a removable export
	// sharing dev, and ok=false otherwise.
	RemovableFSIDFor func(dev uint64) (fsid uint32, ok bool)
}

// FileAttr is NFSv3's fattr3 (RFC 1813 §2.6), as a flat struct.
type FileAttr struct {
	Type             Type
	Mode             uint32
	Nlink            uint32
	UID, GID         uint32
	Size, Used       uint64
	RdevMajor, RdevMinor uint32
	FSID             uint64
	FileID           uint64
	ATimeSec, ATimeNsec uint32
	MTimeSec, MTimeNsec uint32
	CTimeSec, CTimeNsec uint32
}

// typeFromMode reflects POSIX mode bits into the NFSv3 type enum,
// falling back to TypeReg for anything unrecognised.
func typeFromMode(mode uint32) Type {
	switch mode & 0170000 {
	case 0040000:
		return TypeDir
	case 0020000:
		return TypeChr
	case 0060000:
		return TypeBlk
	case 0010000:
		return TypeFifo
	case 0120000:
		return TypeLnk
	case 0140000:
		return TypeSock
	case 0100000:
		return TypeReg
	default:
		return TypeReg
	}
}

// Derive builds a FileAttr from a stat result under the given policy and
// requesting credential.
func Derive(st host.Stat, cred Cred, p Policy) FileAttr {
	mode := st.Mode & 0177777

	if p.ReadableExecutables && typeFromMode(st.Mode) == TypeReg {
		mode = propagateExecToRead(mode)
	}

	uid, gid := st.UID, st.GID
	if p.SingleUser {
		if st.UID == p.ServerUID || p.IsRoot {
			uid = cred.UID
		} else {
			uid = 0
		}
		if st.GID == p.ServerUID || p.IsRoot {
			gid = cred.GID
		} else {
			gid = 0
		}
	}

	fsid := uint64(uint32(st.Dev))
	if p.RemovableFSIDFor != nil {
		if preset, ok := p.RemovableFSIDFor(st.Dev); ok {
			fsid = uint64(preset)
		}
	}

	fileID := st.Ino
	if st.Ino > 0xFFFFFFFF {
		fileID = (st.Ino >> 32) ^ (st.Ino & 0xFFFFFFFF)
	}

	var atn, mtn, ctn uint32
	if host.NsecPrecision {
		atn, mtn, ctn = uint32(st.ATimeNsec), uint32(st.MTimeNsec), uint32(st.CTimeNsec)
	}

	return FileAttr{
		Type:      typeFromMode(st.Mode),
		Mode:      mode,
		Nlink:     uint32(st.Nlink),
		UID:       uid,
		GID:       gid,
		Size:      uint64(st.Size),
		Used:      uint64(st.Blocks) * 512,
		RdevMajor: uint32((st.Rdev >> 8) & 0xff),
		RdevMinor: uint32(st.Rdev & 0xff),
		FSID:      fsid,
		FileID:    fileID,
		ATimeSec:  uint32(st.ATimeSec), ATimeNsec: atn,
		MTimeSec: uint32(st.MTimeSec), MTimeNsec: mtn,
		CTimeSec: uint32(st.CTimeSec), CTimeNsec: ctn,
	}
}

// propagateExecToRead sets the read bit wherever the matching execute bit
// is set, for owner/group/other.
func propagateExecToRead(mode uint32) uint32 {
	if mode&0100 != 0 {
		mode |= 0400
	}
	if mode&0010 != 0 {
		mode |= 0040
	}
	if mode&0001 != 0 {
		mode |= 0004
	}
	return mode
}

// PreOpAttr is NFSv3's wcc_attr: the minimal pre-operation snapshot used
// to build weak cache consistency data.
type PreOpAttr struct {
	Size              uint64
	MTimeSec, MTimeNsec uint32
	CTimeSec, CTimeNsec uint32
}

// PreOp derives a PreOpAttr from the stat cache; ok is false when the
// cache holds no valid entry, in which case callers must report
// attributes_follow=false rather than stale data.
func PreOp(st host.Stat, cacheValid bool) (PreOpAttr, bool) {
	if !cacheValid {
		return PreOpAttr{}, false
	}
	var mtn, ctn uint32
	if host.NsecPrecision {
		mtn, ctn = uint32(st.MTimeNsec), uint32(st.CTimeNsec)
	}
	return PreOpAttr{
		Size:     uint64(st.Size),
		MTimeSec: uint32(st.MTimeSec), MTimeNsec: mtn,
		CTimeSec: uint32(st.CTimeSec), CTimeNsec: ctn,
	}, true
}

// WCC is NFSv3's wcc_data: a pre-op/post-op attribute pair reported by
// every mutating operation for client-side cache consistency.
type WCC struct {
	Before    PreOpAttr
	HasBefore bool
	After     FileAttr
	HasAfter  bool
}

// SetattrGuardMismatch implements the SETATTR ctime guard: when the
// client supplies guard.check=true with a ctime, it must match the
// pre-op ctime seconds field or the operation fails with NOT_SYNC.
func SetattrGuardMismatch(guardCheck bool, guardCTimeSec uint32, pre PreOpAttr, preValid bool) bool {
	if !guardCheck {
		return false
	}
	if !preValid {
		return true
	}
	return guardCTimeSec != pre.CTimeSec
}
