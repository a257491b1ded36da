package access

import (
	"testing"

	"github.com/unfs3go/unfsd/internal/host"
)

func TestRootGetsReadModifyExtendUnconditionally(t *testing.T) {
	st := host.Stat{Mode: 0000} // no bits for anyone
	got := Compute(st, Cred{UID: 0}, Read|Modify|Extend|Execute|Delete|Lookup, false)
	want := Read | Modify | Extend
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
}

func TestRootOnDirectoryGetsLookupAndDeleteWithExecuteCleared(t *testing.T) {
	st := host.Stat{Mode: 0040000} // directory, no bits for anyone
	got := Compute(st, Cred{UID: 0}, Read|Modify|Extend|Execute|Delete|Lookup, false)
	want := Read | Modify | Extend | Lookup | Delete
	if got != want {
		t.Fatalf("got %#x, want %#x", got, want)
	}
	if got&Execute != 0 {
		t.Fatal("Execute bit was not cleared for a directory")
	}
}

func TestOwnerBitsUsedWhenUIDMatches(t *testing.T) {
	st := host.Stat{Mode: 0600, UID: 42}
	got := Compute(st, Cred{UID: 42}, Read|Modify|Extend, false)
	if got != Read|Modify|Extend {
		t.Fatalf("got %#x, want Read|Modify|Extend", got)
	}
}

func TestGroupBitsUsedWhenGIDMatchesViaSupplementary(t *testing.T) {
	st := host.Stat{Mode: 0040, GID: 7}
	got := Compute(st, Cred{UID: 1, GID: 2, Groups: []uint32{7}}, Read, false)
	if got != Read {
		t.Fatalf("got %#x, want Read via supplementary group match", got)
	}
}

func TestOtherBitsUsedWhenNoOwnerOrGroupMatch(t *testing.T) {
	st := host.Stat{Mode: 0004, UID: 1, GID: 1}
	got := Compute(st, Cred{UID: 2, GID: 2}, Read, false)
	if got != Read {
		t.Fatalf("got %#x, want Read via other bits", got)
	}
}

func TestExecuteImpliesReadWhenReadableExecutables(t *testing.T) {
	st := host.Stat{Mode: 0100, UID: 1}
	got := Compute(st, Cred{UID: 1}, Read|Execute, true)
	if got != Read|Execute {
		t.Fatalf("got %#x, want Read|Execute with readableExecutables", got)
	}
}

func TestExecuteDoesNotImplyReadByDefault(t *testing.T) {
	st := host.Stat{Mode: 0100, UID: 1}
	got := Compute(st, Cred{UID: 1}, Read|Execute, false)
	if got != Execute {
		t.Fatalf("got %#x, want Execute only", got)
	}
}

func TestDirectoryReadOrExecuteImpliesLookupAndClearsExecute(t *testing.T) {
	st := host.Stat{Mode: 0040500, UID: 1} // dir, r-x for owner
	got := Compute(st, Cred{UID: 1}, Read|Lookup|Execute|Modify|Delete, false)
	if got&Lookup == 0 {
		t.Fatal("directory with read/execute bits did not get Lookup")
	}
	if got&Execute != 0 {
		t.Fatal("Execute bit was not cleared for a directory")
	}
}

func TestDirectoryModifyImpliesDelete(t *testing.T) {
	st := host.Stat{Mode: 0040200, UID: 1} // dir, -w- for owner
	got := Compute(st, Cred{UID: 1}, Modify|Delete, false)
	if got&Delete == 0 {
		t.Fatal("directory with write bit did not get Delete")
	}
}

func TestResultRestrictedToRequestedBits(t *testing.T) {
	st := host.Stat{Mode: 0700, UID: 1}
	got := Compute(st, Cred{UID: 1}, Read, false)
	if got&Modify != 0 || got&Extend != 0 {
		t.Fatalf("got %#x, bits outside the requested mask leaked through", got)
	}
}
