// Package onc implements the ONC-RPC (Sun RPC, RFC 5531) message envelope
// shared by the NFSv3, MOUNT and PORTMAP programs: call/reply header
// encode/decode, AUTH_NULL/AUTH_UNIX credential parsing, and the
// accept/reject status vocabulary. It carries no knowledge of any specific
// RPC program; program-specific procedure tables live in their own packages
// and are handed the procedure argument bytes already split out of the call.
package onc

import (
	"bytes"
	"fmt"

	"github.com/unfs3go/unfsd/internal/xdrutil"
)

// MsgType distinguishes an RPC CALL from an RPC REPLY.
type MsgType uint32

const (
	Call  MsgType = 0
	Reply MsgType = 1
)

// AuthFlavor identifies the RPC credential scheme of a call.
type AuthFlavor uint32

const (
	AuthNull AuthFlavor = 0
	AuthUnix AuthFlavor = 1
	// AuthShort and AUTH_DES/RPCSEC_GSS are not implemented; a call
	// presenting them is accepted (NFSv3 does not require verifying the
	// credential to serve a request) but its UID/GID fields are left zero,
	// which squash rules then treat as the anonymous identity.
)

// OpaqueAuth is the generic {flavor, body} pair used for both the
// credential and verifier fields of a call, and the verifier of a reply.
type OpaqueAuth struct {
	Flavor AuthFlavor
	Body   []byte
}

// UnixCred is the decoded body of an AUTH_UNIX credential (RFC 5531 §8.2).
type UnixCred struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// CallHeader is the fixed portion of an RPC call message, with the
// program's procedure arguments left undecoded in Args.
type CallHeader struct {
	XID       uint32
	Program   uint32
	Version   uint32
	Procedure uint32
	Cred      OpaqueAuth
	Verf      OpaqueAuth
}

const rpcVersion2 = 2

// DecodeCall parses an RPC call message, returning the header and the
// remaining bytes (the program's procedure-specific arguments).
func DecodeCall(data []byte) (*CallHeader, []byte, error) {
	r := bytes.NewReader(data)

	xid, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read xid: %w", err)
	}
	msgType, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read msg type: %w", err)
	}
	if MsgType(msgType) != Call {
		return nil, nil, fmt.Errorf("not a call message: type=%d", msgType)
	}
	rpcvers, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read rpcvers: %w", err)
	}
	if rpcvers != rpcVersion2 {
		return nil, nil, fmt.Errorf("unsupported rpc version %d", rpcvers)
	}
	prog, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read program: %w", err)
	}
	vers, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read version: %w", err)
	}
	proc, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read procedure: %w", err)
	}
	cred, err := readOpaqueAuth(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read cred: %w", err)
	}
	verf, err := readOpaqueAuth(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read verf: %w", err)
	}

	remaining := make([]byte, r.Len())
	if _, err := r.Read(remaining); err != nil && r.Len() != 0 {
		return nil, nil, fmt.Errorf("read args: %w", err)
	}

	return &CallHeader{
		XID:       xid,
		Program:   prog,
		Version:   vers,
		Procedure: proc,
		Cred:      cred,
		Verf:      verf,
	}, remaining, nil
}

func readOpaqueAuth(r *bytes.Reader) (OpaqueAuth, error) {
	flavor, err := xdrutil.ReadUint32(r)
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("read flavor: %w", err)
	}
	body, err := xdrutil.ReadOpaque(r)
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("read body: %w", err)
	}
	return OpaqueAuth{Flavor: AuthFlavor(flavor), Body: body}, nil
}

// ParseUnixCred decodes an AUTH_UNIX credential body.
func ParseUnixCred(body []byte) (*UnixCred, error) {
	r := bytes.NewReader(body)

	stamp, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read stamp: %w", err)
	}
	machine, err := xdrutil.ReadString(r)
	if err != nil {
		return nil, fmt.Errorf("read machinename: %w", err)
	}
	uid, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read uid: %w", err)
	}
	gid, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read gid: %w", err)
	}
	ngids, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, fmt.Errorf("read gids len: %w", err)
	}
	if ngids > 64 {
		return nil, fmt.Errorf("gids count %d exceeds maximum 64", ngids)
	}
	gids := make([]uint32, ngids)
	for i := range gids {
		gids[i], err = xdrutil.ReadUint32(r)
		if err != nil {
			return nil, fmt.Errorf("read gid[%d]: %w", i, err)
		}
	}

	return &UnixCred{Stamp: stamp, MachineName: machine, UID: uid, GID: gid, GIDs: gids}, nil
}

// AcceptStat is the acceptance outcome of an RPC call (RFC 5531 §7.2).
type AcceptStat uint32

const (
	Success      AcceptStat = 0
	ProgUnavail  AcceptStat = 1
	ProgMismatch AcceptStat = 2
	ProcUnavail  AcceptStat = 3
	GarbageArgs  AcceptStat = 4
	SystemErr    AcceptStat = 5
)

// EncodeAcceptedReply wraps an already-encoded procedure result (which, for
// NFSv3 and MOUNT, embeds its own protocol status as its first field) in the
// RPC-level "call accepted, status SUCCESS" envelope.
func EncodeAcceptedReply(xid uint32, body []byte) []byte {
	var buf bytes.Buffer
	writeReplyHeader(&buf, xid)
	writeAcceptedPrologue(&buf, Success)
	buf.Write(body)
	return buf.Bytes()
}

// EncodeProgMismatch builds the RPC_MISMATCH-style accepted reply used when
// a call names a program version this server does not implement.
func EncodeProgMismatch(xid uint32, low, high uint32) []byte {
	var buf bytes.Buffer
	writeReplyHeader(&buf, xid)
	writeAcceptedPrologue(&buf, ProgMismatch)
	_ = xdrutil.WriteUint32(&buf, low)
	_ = xdrutil.WriteUint32(&buf, high)
	return buf.Bytes()
}

// EncodeAcceptStat builds an accepted reply carrying no body, for the
// PROG_UNAVAIL / PROC_UNAVAIL / GARBAGE_ARGS / SYSTEM_ERR cases.
func EncodeAcceptStat(xid uint32, stat AcceptStat) []byte {
	var buf bytes.Buffer
	writeReplyHeader(&buf, xid)
	writeAcceptedPrologue(&buf, stat)
	return buf.Bytes()
}

// EncodeCall builds a complete RPC call message (header plus already-XDR-
// encoded procedure arguments), used by the portmap client to register this
// server with the system portmapper (spec.md §6, "Registration is optional").
func EncodeCall(xid, program, version, procedure uint32, cred, verf OpaqueAuth, args []byte) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, xid)
	_ = xdrutil.WriteUint32(&buf, uint32(Call))
	_ = xdrutil.WriteUint32(&buf, rpcVersion2)
	_ = xdrutil.WriteUint32(&buf, program)
	_ = xdrutil.WriteUint32(&buf, version)
	_ = xdrutil.WriteUint32(&buf, procedure)
	writeOpaqueAuth(&buf, cred)
	writeOpaqueAuth(&buf, verf)
	buf.Write(args)
	return buf.Bytes()
}

func writeOpaqueAuth(buf *bytes.Buffer, a OpaqueAuth) {
	_ = xdrutil.WriteUint32(buf, uint32(a.Flavor))
	_ = xdrutil.WriteOpaque(buf, a.Body)
}

// ReplyHeader is the decoded form of an RPC reply's fixed envelope, used by
// client-side callers (the portmap registration client).
type ReplyHeader struct {
	XID    uint32
	Accept AcceptStat
}

// DecodeReply parses an RPC reply message, returning the header and the
// remaining bytes (the program's procedure-specific result).
func DecodeReply(data []byte) (*ReplyHeader, []byte, error) {
	r := bytes.NewReader(data)

	xid, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read xid: %w", err)
	}
	msgType, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read msg type: %w", err)
	}
	if MsgType(msgType) != Reply {
		return nil, nil, fmt.Errorf("not a reply message: type=%d", msgType)
	}
	replyStat, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read reply_stat: %w", err)
	}
	if replyStat != 0 { // MSG_DENIED
		return nil, nil, fmt.Errorf("rpc call denied")
	}
	if _, err := readOpaqueAuth(r); err != nil {
		return nil, nil, fmt.Errorf("read verf: %w", err)
	}
	acceptStat, err := xdrutil.ReadUint32(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read accept_stat: %w", err)
	}

	remaining := make([]byte, r.Len())
	if r.Len() > 0 {
		if _, err := r.Read(remaining); err != nil {
			return nil, nil, fmt.Errorf("read result: %w", err)
		}
	}

	return &ReplyHeader{XID: xid, Accept: AcceptStat(acceptStat)}, remaining, nil
}

func writeReplyHeader(buf *bytes.Buffer, xid uint32) {
	_ = xdrutil.WriteUint32(buf, xid)
	_ = xdrutil.WriteUint32(buf, uint32(Reply))
	_ = xdrutil.WriteUint32(buf, 0) // reply_stat = MSG_ACCEPTED
}

func writeAcceptedPrologue(buf *bytes.Buffer, stat AcceptStat) {
	// verifier: AUTH_NULL, zero-length body
	_ = xdrutil.WriteUint32(buf, uint32(AuthNull))
	_ = xdrutil.WriteUint32(buf, 0)
	_ = xdrutil.WriteUint32(buf, uint32(stat))
}
