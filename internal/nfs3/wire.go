package nfs3

import (
	"bytes"
	"fmt"

	xdr "github.com/rasky/go-xdr/xdr2"

	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/nstatus"
	"github.com/unfs3go/unfsd/internal/xdrutil"
)

// writeFileAttr encodes fattr3.
func writeFileAttr(buf *bytes.Buffer, a attr.FileAttr) {
	_ = xdrutil.WriteUint32(buf, uint32(a.Type))
	_ = xdrutil.WriteUint32(buf, a.Mode)
	_ = xdrutil.WriteUint32(buf, a.Nlink)
	_ = xdrutil.WriteUint32(buf, a.UID)
	_ = xdrutil.WriteUint32(buf, a.GID)
	_ = xdrutil.WriteUint64(buf, a.Size)
	_ = xdrutil.WriteUint64(buf, a.Used)
	_ = xdrutil.WriteUint32(buf, a.RdevMajor)
	_ = xdrutil.WriteUint32(buf, a.RdevMinor)
	_ = xdrutil.WriteUint64(buf, a.FSID)
	_ = xdrutil.WriteUint64(buf, a.FileID)
	_ = xdrutil.WriteUint32(buf, a.ATimeSec)
	_ = xdrutil.WriteUint32(buf, a.ATimeNsec)
	_ = xdrutil.WriteUint32(buf, a.MTimeSec)
	_ = xdrutil.WriteUint32(buf, a.MTimeNsec)
	_ = xdrutil.WriteUint32(buf, a.CTimeSec)
	_ = xdrutil.WriteUint32(buf, a.CTimeNsec)
}

// writePostOpAttr encodes post_op_attr: a present flag followed by fattr3
// when present.
func writePostOpAttr(buf *bytes.Buffer, a attr.FileAttr, present bool) {
	_ = xdrutil.WriteBool(buf, present)
	if present {
		writeFileAttr(buf, a)
	}
}

// writePreOpAttr encodes pre_op_attr (wcc_attr).
func writePreOpAttr(buf *bytes.Buffer, p attr.PreOpAttr, present bool) {
	_ = xdrutil.WriteBool(buf, present)
	if present {
		_ = xdrutil.WriteUint64(buf, p.Size)
		_ = xdrutil.WriteUint32(buf, p.MTimeSec)
		_ = xdrutil.WriteUint32(buf, p.MTimeNsec)
		_ = xdrutil.WriteUint32(buf, p.CTimeSec)
		_ = xdrutil.WriteUint32(buf, p.CTimeNsec)
	}
}

// writeWCCData encodes wcc_data: pre-op then post-op attrs.
func writeWCCData(buf *bytes.Buffer, w attr.WCC) {
	writePreOpAttr(buf, w.Before, w.HasBefore)
	writePostOpAttr(buf, w.After, w.HasAfter)
}

// writePostOpFH encodes post_op_fh3.
func writePostOpFH(buf *bytes.Buffer, handle fh.FH, present bool) {
	_ = xdrutil.WriteBool(buf, present)
	if present {
		_ = xdrutil.WriteOpaque(buf, fh.Encode(handle))
	}
}

func readFH3(r *bytes.Reader) (fh.FH, []byte, error) {
	raw, err := xdrutil.ReadOpaque(r)
	if err != nil {
		return fh.FH{}, nil, fmt.Errorf("read filehandle: %w", err)
	}
	return fh.FH{}, raw, nil
}

// diropArgs is the common (dir filehandle, name) pair used by LOOKUP,
// CREATE, MKDIR, REMOVE, RMDIR, SYMLINK, MKNOD.
type diropArgs struct {
	DirRaw []byte
	Name   string
}

func readDiropArgs(r *bytes.Reader) (diropArgs, error) {
	_, raw, err := readFH3(r)
	if err != nil {
		return diropArgs{}, err
	}
	name, err := xdrutil.ReadString(r)
	if err != nil {
		return diropArgs{}, fmt.Errorf("read name: %w", err)
	}
	return diropArgs{DirRaw: raw, Name: name}, nil
}

// readArgs3, writeArgs3, accessArgs3 and commitArgs3 mirror RFC 1813's
// fixed-shape argument structs field for field, so the generic reflection
// decoder in github.com/rasky/go-xdr/xdr2 can fill them directly instead of
// a hand-rolled field-by-field read. Replies stay hand-encoded (see the
// xdrutil package doc comment): they are unions keyed on the status field, which
// xdr2 has no struct-tag vocabulary for.
type readArgs3 struct {
	File   []byte
	Offset uint64
	Count  uint32
}

func decodeReadArgs(args []byte) (readArgs3, error) {
	var a readArgs3
	_, err := xdr.Unmarshal(bytes.NewReader(args), &a)
	return a, err
}

type writeArgs3 struct {
	File   []byte
	Offset uint64
	Count  uint32
	Stable uint32
	Data   []byte
}

func decodeWriteArgs(args []byte) (writeArgs3, error) {
	var a writeArgs3
	_, err := xdr.Unmarshal(bytes.NewReader(args), &a)
	return a, err
}

type accessArgs3 struct {
	File   []byte
	Access uint32
}

func decodeAccessArgs(args []byte) (accessArgs3, error) {
	var a accessArgs3
	_, err := xdr.Unmarshal(bytes.NewReader(args), &a)
	return a, err
}

type commitArgs3 struct {
	File   []byte
	Offset uint64
	Count  uint32
}

func decodeCommitArgs(args []byte) (commitArgs3, error) {
	var a commitArgs3
	_, err := xdr.Unmarshal(bytes.NewReader(args), &a)
	return a, err
}

// sattr3 fields actually consulted by SETATTR/CREATE/MKDIR: the rest
// (the atime/mtime set-to-server-time and set-to-client-time variants) are
// decoded and discarded, so SETATTR leaves atime and mtime unchanged.
type sattr3 struct {
	HasMode bool
	Mode    uint32
	HasUID  bool
	UID     uint32
	HasGID  bool
	GID     uint32
	HasSize bool
	Size    uint64
}

func readSattr3(r *bytes.Reader) (sattr3, error) {
	var s sattr3
	var err error
	if s.HasMode, err = xdrutil.ReadBool(r); err != nil {
		return s, err
	}
	if s.HasMode {
		if s.Mode, err = xdrutil.ReadUint32(r); err != nil {
			return s, err
		}
	}
	if s.HasUID, err = xdrutil.ReadBool(r); err != nil {
		return s, err
	}
	if s.HasUID {
		if s.UID, err = xdrutil.ReadUint32(r); err != nil {
			return s, err
		}
	}
	if s.HasGID, err = xdrutil.ReadBool(r); err != nil {
		return s, err
	}
	if s.HasGID {
		if s.GID, err = xdrutil.ReadUint32(r); err != nil {
			return s, err
		}
	}
	if s.HasSize, err = xdrutil.ReadBool(r); err != nil {
		return s, err
	}
	if s.HasSize {
		if s.Size, err = xdrutil.ReadUint64(r); err != nil {
			return s, err
		}
	}
	// set_atime / set_mtime discriminated unions: read and discard.
	for i := 0; i < 2; i++ {
		kind, err := xdrutil.ReadUint32(r)
		if err != nil {
			return s, err
		}
		if kind == 2 { // SET_TO_CLIENT_TIME
			if _, err := xdrutil.ReadUint32(r); err != nil {
				return s, err
			}
			if _, err := xdrutil.ReadUint32(r); err != nil {
				return s, err
			}
		}
	}
	return s, nil
}

// writeStatusOnly encodes a reply body that is just the status (NULL-like
// failure shells for procedures whose success case is handled elsewhere).
func writeStatusOnly(status nstatus.Status) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	return buf.Bytes()
}
