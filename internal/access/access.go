// Package access implements the C8 access logic: translating POSIX mode
// bits into the NFSv3 ACCESS bitmap for a given stat record and requesting
// credential. See spec.md §4.8.
package access

import (
	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/host"
)

// NFSv3 ACCESS bits (RFC 1813 §3.3.4).
const (
	Read    uint32 = 0x0001
	Lookup  uint32 = 0x0002
	Modify  uint32 = 0x0004
	Extend  uint32 = 0x0008
	Delete  uint32 = 0x0010
	Execute uint32 = 0x0020
)

// Cred mirrors attr.Cred to avoid a needless import cycle risk between
// packages that both describe a requester's identity.
type Cred = attr.Cred

// Compute returns the ACCESS bitmap for st restricted to the bits set in
// requested (clients may ask about only a subset of the six bits).
func Compute(st host.Stat, cred Cred, requested uint32, readableExecutables bool) uint32 {
	var bitmap uint32

	if cred.UID == 0 {
		bitmap = Read | Modify | Extend
	} else {
		mode := st.Mode
		var rwx uint32
		switch {
		case cred.UID == st.UID:
			rwx = (mode >> 6) & 07
		case hasGID(cred, st.GID):
			rwx = (mode >> 3) & 07
		default:
			rwx = mode & 07
		}

		if rwx&04 != 0 {
			bitmap |= Read
		}
		if rwx&02 != 0 {
			bitmap |= Modify | Extend
		}
		if rwx&01 != 0 {
			bitmap |= Execute
			if readableExecutables {
				bitmap |= Read
			}
		}
	}

	isDir := st.IsDir()
	if isDir {
		if bitmap&(Read|Execute) != 0 {
			bitmap |= Lookup
		}
		if bitmap&Modify != 0 {
			bitmap |= Delete
		}
		bitmap &^= Execute
	}

	return bitmap & requested
}

func hasGID(cred Cred, gid uint32) bool {
	if cred.GID == gid {
		return true
	}
	for _, g := range cred.Groups {
		if g == gid {
			return true
		}
	}
	return false
}
