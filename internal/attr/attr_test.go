package attr

import (
	"testing"

	"github.com/unfs3go/unfsd/internal/host"
)

func TestDeriveTypeFromMode(t *testing.T) {
	st := host.Stat{Mode: 0040755}
	got := Derive(st, Cred{}, Policy{})
	if got.Type != TypeDir {
		t.Fatalf("Type = %v, want TypeDir", got.Type)
	}
}

func TestDeriveReadableExecutablesPropagatesBits(t *testing.T) {
	st := host.Stat{Mode: 0100711}
	got := Derive(st, Cred{}, Policy{ReadableExecutables: true})
	if got.Mode&0400 == 0 || got.Mode&0040 == 0 || got.Mode&0004 == 0 {
		t.Fatalf("mode = %o, want all read bits set alongside execute bits", got.Mode)
	}
}

func TestDeriveSingleUserSquashesForeignOwner(t *testing.T) {
	st := host.Stat{Mode: 0100644, UID: 500, GID: 500}
	cred := Cred{UID: 1000, GID: 1000}
	p := Policy{SingleUser: true, ServerUID: 99}

	got := Derive(st, cred, p)
	if got.UID != 0 || got.GID != 0 {
		t.Fatalf("uid/gid = %d/%d, want 0/0 for a foreign-owned object under singleuser", got.UID, got.GID)
	}
}

func TestDeriveSingleUserReportsRequesterForServerOwnedObject(t *testing.T) {
	st := host.Stat{Mode: 0100644, UID: 99, GID: 99}
	cred := Cred{UID: 1000, GID: 1000}
	p := Policy{SingleUser: true, ServerUID: 99}

	got := Derive(st, cred, p)
	if got.UID != 1000 || got.GID != 1000 {
		t.Fatalf("uid/gid = %d/%d, want requester's (1000/1000) for server-owned object", got.UID, got.GID)
	}
}

func TestDeriveSingleUserRootSeesOwnCredential(t *testing.T) {
	st := host.Stat{Mode: 0100644, UID: 500, GID: 500}
	cred := Cred{UID: 1000, GID: 1000}
	p := Policy{SingleUser: true, IsRoot: true}

	got := Derive(st, cred, p)
	if got.UID != 1000 || got.GID != 1000 {
		t.Fatalf("uid/gid = %d/%d, want requester's when server runs as root", got.UID, got.GID)
	}
}

func TestDeriveFSIDOverrideForRemovableExport(t *testing.T) {
	st := host.Stat{Dev: 77}
	p := Policy{RemovableFSIDFor: func(dev uint64) (uint32, bool) {
		if dev == 77 {
			return 555, true
		}
		return 0, false
	}}
	got := Derive(st, Cred{}, p)
	if got.FSID != 555 {
		t.Fatalf("FSID = %d, want 555", got.FSID)
	}
}

func TestDeriveFileIDFoldsLargeInode(t *testing.T) {
	st := host.Stat{Ino: 0x100000001}
	got := Derive(st, Cred{}, Policy{})
	want := uint64((0x100000001 >> 32) ^ (0x100000001 & 0xFFFFFFFF))
	if got.FileID != want {
		t.Fatalf("FileID = %#x, want %#x", got.FileID, want)
	}
}

func TestDeriveFileIDPassesThroughSmallInode(t *testing.T) {
	st := host.Stat{Ino: 42}
	got := Derive(st, Cred{}, Policy{})
	if got.FileID != 42 {
		t.Fatalf("FileID = %d, want 42", got.FileID)
	}
}

func TestPreOpRequiresValidCache(t *testing.T) {
	if _, ok := PreOp(host.Stat{}, false); ok {
		t.Fatal("PreOp reported ok=true with an invalid stat cache")
	}
	if _, ok := PreOp(host.Stat{}, true); !ok {
		t.Fatal("PreOp reported ok=false with a valid stat cache")
	}
}

func TestSetattrGuardMismatch(t *testing.T) {
	pre := PreOpAttr{CTimeSec: 100}
	if SetattrGuardMismatch(false, 999, pre, true) {
		t.Fatal("guard check disabled but reported mismatch")
	}
	if !SetattrGuardMismatch(true, 100, pre, false) {
		t.Fatal("guard check with no valid pre-op attrs must be treated as a mismatch")
	}
	if SetattrGuardMismatch(true, 100, pre, true) {
		t.Fatal("matching ctime reported as a mismatch")
	}
	if !SetattrGuardMismatch(true, 101, pre, true) {
		t.Fatal("differing ctime not reported as a mismatch")
	}
}
