package fh

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := FH{Dev: 5, Ino: 123456789, Gen: 7, PWHash: 42, Len: 3}
	f.Inos[0] = 0x11
	f.Inos[1] = 0x22
	f.Inos[2] = 0x33

	encoded := Encode(f)
	if len(encoded) != MinLen+3 {
		t.Fatalf("encoded length = %d, want %d", len(encoded), MinLen+3)
	}

	decoded, err := Decode(encoded, 42)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", decoded, f)
	}
}

func TestDecodeRootHandle(t *testing.T) {
	f := FH{Dev: 1, Ino: 2, Gen: 0, PWHash: 9}
	encoded := Encode(f)
	if len(encoded) != MinLen {
		t.Fatalf("root handle length = %d, want %d", len(encoded), MinLen)
	}
	decoded, err := Decode(encoded, 9)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Len != 0 {
		t.Fatalf("Len = %d, want 0", decoded.Len)
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode(make([]byte, MinLen-1), 0); err != ErrStale {
		t.Fatalf("err = %v, want ErrStale", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	f := FH{Dev: 1, Ino: 1, Len: 5}
	encoded := Encode(f)
	truncated := encoded[:len(encoded)-1]
	if _, err := Decode(truncated, 0); err != ErrStale {
		t.Fatalf("err = %v, want ErrStale", err)
	}
}

func TestDecodeLenFieldExceedsMax(t *testing.T) {
	buf := make([]byte, MinLen)
	buf[20] = byte(MaxComponents + 1)
	if _, err := Decode(buf, 0); err != ErrStale {
		t.Fatalf("err = %v, want ErrStale", err)
	}
}

func TestDecodePasswordHashMismatch(t *testing.T) {
	f := FH{Dev: 1, Ino: 1, PWHash: 1}
	encoded := Encode(f)
	if _, err := Decode(encoded, 2); err != ErrStale {
		t.Fatalf("err = %v, want ErrStale (pwhash mismatch)", err)
	}
}

func TestInoHashFolds64Bits(t *testing.T) {
	got := InoHash(0x0102030405060708)
	want := byte(0x01 ^ 0x02 ^ 0x03 ^ 0x04 ^ 0x05 ^ 0x06 ^ 0x07 ^ 0x08)
	if got != want {
		t.Fatalf("InoHash = %#x, want %#x", got, want)
	}
}

func TestExtendAppendsChildInodeHashNotParent(t *testing.T) {
	parent := FH{Dev: 1, Ino: 999, Gen: 1, PWHash: 7, Len: 1}
	parent.Inos[0] = 0xAA

	childIno := uint64(55)
	extended, err := Extend(parent, 1, childIno, 2, 7, nil)
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if extended.Len != 2 {
		t.Fatalf("Len = %d, want 2", extended.Len)
	}
	if extended.Inos[0] != 0xAA {
		t.Fatalf("existing breadcrumb byte was overwritten: got %#x", extended.Inos[0])
	}
	if got, want := extended.Inos[1], InoHash(childIno); got != want {
		t.Fatalf("appended hash = %#x, want hash of child inode %#x (not parent's)", got, want)
	}
	if extended.Ino != childIno {
		t.Fatalf("Ino = %d, want %d", extended.Ino, childIno)
	}
}

func TestExtendFailsAtMaxComponents(t *testing.T) {
	parent := FH{Dev: 1, Ino: 1, Len: MaxComponents}
	if _, err := Extend(parent, 1, 2, 3, 0, nil); err != ErrNameTooLong {
		t.Fatalf("err = %v, want ErrNameTooLong", err)
	}
}

func TestExtendResynthesizesRemovableExportRoot(t *testing.T) {
	synthetic := FH{Dev: 9, Ino: 1, Len: 0}
	realRoot := FH{Dev: 9, Ino: 2, Len: 0}
	called := false

	extended, err := Extend(synthetic, 9, 42, 1, 0, func(in FH) (FH, bool) {
		called = true
		if in != synthetic {
			t.Fatalf("resynthesize callback got %+v, want %+v", in, synthetic)
		}
		return realRoot, true
	})
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if !called {
		t.Fatal("resynthesizeRoot callback was not invoked for a len==0 parent")
	}
	if extended.Ino != 42 {
		t.Fatalf("Ino = %d, want 42", extended.Ino)
	}
	if extended.Len != 1 {
		t.Fatalf("Len = %d, want 1", extended.Len)
	}
}

func TestIsValid(t *testing.T) {
	if Invalid.IsValid() {
		t.Fatal("zero-valued FH reported valid")
	}
	if !(FH{Dev: 1}).IsValid() {
		t.Fatal("non-zero FH reported invalid")
	}
}

func TestStringIsHexOfEncode(t *testing.T) {
	f := FH{Dev: 1, Ino: 2, Gen: 3, PWHash: 4}
	s := f.String()
	if len(s) != len(Encode(f))*2 {
		t.Fatalf("String length = %d, want %d", len(s), len(Encode(f))*2)
	}
	if bytes.ContainsAny([]byte(s), "XYZ") {
		t.Fatal("unexpected characters in hex string")
	}
}
