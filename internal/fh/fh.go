// Package fh implements the C2 filehandle codec: a stable, stateless,
// opaque encoding of (device, inode, generation) plus a hash-guided path
// breadcrumb, per spec.md §3 and §4.2.
//
// The wire format is a packed little-endian record, NOT XDR — the rest of
// the protocol stack is big-endian per RFC 4506, but the filehandle itself
// is an opaque blob from the client's point of view and its internal byte
// order is this server's own choice. unfs3's C implementation got this "for
// free" by memcpy-ing a packed struct; we make the encoding explicit instead
// of relying on memory layout (see DESIGN.md's note on this).
package fh

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxComponents is the maximum number of path-component hash bytes a
// filehandle can carry (spec.md §6: "maximum FH component count is 43").
const MaxComponents = 43

// MinLen is the encoded length of a filehandle with zero path components
// (the mount root): 4 (dev) + 8 (ino) + 4 (gen) + 4 (pwhash) + 1 (len).
const MinLen = 21

// MaxLen is the encoded length of a filehandle with the maximum number of
// path components.
const MaxLen = MinLen + MaxComponents

// ErrStale is returned by Decode when the bytes cannot be a valid,
// currently-authenticated filehandle: too short, a length field that
// disagrees with the buffer, or a stale password hash.
var ErrStale = errors.New("stale filehandle")

// ErrNameTooLong is returned by Extend when the handle is already at
// MaxComponents.
var ErrNameTooLong = errors.New("filehandle path too deep")

// FH is the decoded, in-memory form of an opaque NFSv3 filehandle.
type FH struct {
	Dev    uint32
	Ino    uint64
	Gen    uint32
	PWHash uint32
	Len    uint8
	Inos   [MaxComponents]byte
}

// Invalid is the zero-valued filehandle unfs3 returns from composition or
// extension failures; (dev,ino)==(0,0) identifies it per spec.md §3.
var Invalid = FH{}

// IsValid reports whether fh is the invalid sentinel.
func (f FH) IsValid() bool { return f.Dev != 0 || f.Ino != 0 }

// Length returns the encoded byte length of fh: 21 + Len.
func (f FH) Length() int { return MinLen + int(f.Len) }

// Encode serialises fh to its packed little-endian wire form.
func Encode(f FH) []byte {
	buf := make([]byte, f.Length())
	binary.LittleEndian.PutUint32(buf[0:4], f.Dev)
	binary.LittleEndian.PutUint64(buf[4:12], f.Ino)
	binary.LittleEndian.PutUint32(buf[12:16], f.Gen)
	binary.LittleEndian.PutUint32(buf[16:20], f.PWHash)
	buf[20] = f.Len
	copy(buf[21:], f.Inos[:f.Len])
	return buf
}

// Decode parses a filehandle and validates it against the server's current
// export password hash. It fails closed with ErrStale on any structural
// problem or a password-hash mismatch, per spec.md §4.2 and the testable
// property in §8 ("decode(bytes) fails with Stale iff: length <21, length
// != 21+bytes[len_offset], or pwhash field != current server pwhash").
// It also fails with ErrStale when the length byte exceeds MaxComponents.
func Decode(data []byte, currentPWHash uint32) (FH, error) {
	if len(data) < MinLen {
		return FH{}, ErrStale
	}
	length := int(data[20])
	if length > MaxComponents {
		return FH{}, ErrStale
	}
	if len(data) != MinLen+length {
		return FH{}, ErrStale
	}

	var f FH
	f.Dev = binary.LittleEndian.Uint32(data[0:4])
	f.Ino = binary.LittleEndian.Uint64(data[4:12])
	f.Gen = binary.LittleEndian.Uint32(data[12:16])
	f.PWHash = binary.LittleEndian.Uint32(data[16:20])
	f.Len = data[20]
	copy(f.Inos[:], data[21:21+length])

	if f.PWHash != currentPWHash {
		return FH{}, ErrStale
	}
	return f, nil
}

// InoHash is unfs3's FH_HASH: an 8-bit XOR fold of a 64-bit inode number,
// used both by composition (one hash per path component) and by the
// resolver's directory-entry matching.
func InoHash(ino uint64) byte {
	var h uint64
	for shift := uint(0); shift < 64; shift += 8 {
		h ^= ino >> shift
	}
	return byte(h)
}

// Extend appends one path-component hash (of childIno) to parent and
// rewrites the (dev,ino,gen) triple to describe the child, producing a
// filehandle for the child without re-walking the whole path. This is the
// fast path LOOKUP/CREATE/MKDIR/etc. use instead of calling compose() from
// scratch. It fails with ErrNameTooLong once parent.Len==MaxComponents.
//
// resynthesizeRoot is invoked only when parent.Len==0 and parent encodes a
// removable-export synthetic root (ino==1); it must return the export's
// real root filehandle (via the resolver, per spec.md §4.2) so the
// component hash has a genuine root inode to build from.
func Extend(parent FH, childDev uint32, childIno uint64, childGen uint32, pwhash uint32, resynthesizeRoot func(FH) (FH, bool)) (FH, error) {
	work := parent

	if work.Len == 0 && work.Ino == 1 && resynthesizeRoot != nil {
		if real, ok := resynthesizeRoot(work); ok {
			work = real
		}
	}

	if work.Len == MaxComponents {
		return FH{}, ErrNameTooLong
	}

	work.Dev = childDev
	work.Ino = childIno
	work.Gen = childGen
	work.PWHash = pwhash
	work.Inos[work.Len] = InoHash(childIno)
	work.Len++
	return work, nil
}

// String renders a filehandle for logs (hex, matching the teacher's
// fmt.Sprintf("%x", handle) convention).
func (f FH) String() string {
	return fmt.Sprintf("%x", Encode(f))
}
