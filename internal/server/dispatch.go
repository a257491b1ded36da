package server

import (
	"bytes"
	"context"
	"net"

	"github.com/google/uuid"

	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/fh"
	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/metrics"
	"github.com/unfs3go/unfsd/internal/mount"
	"github.com/unfs3go/unfsd/internal/nfs3"
	"github.com/unfs3go/unfsd/internal/nstatus"
	"github.com/unfs3go/unfsd/internal/onc"
	"github.com/unfs3go/unfsd/internal/portmap"
	"github.com/unfs3go/unfsd/internal/xdrutil"
)

// nfsProc is one entry of the NFSv3 procedure table: its name for metrics,
// its handler, and whether it mutates the target filesystem (checked
// against the owning export's read-only flag before the handler ever
// runs, per spec.md §7's "RO export" access error).
type nfsProc struct {
	name       string
	handler    func(*nfs3.Server, []byte, nfs3.Request) []byte
	writeClass bool
}

var nfsTable = map[uint32]nfsProc{
	nfs3.ProcNull:        {"NULL", (*nfs3.Server).Null, false},
	nfs3.ProcGetattr:     {"GETATTR", (*nfs3.Server).Getattr, false},
	nfs3.ProcSetattr:     {"SETATTR", (*nfs3.Server).Setattr, true},
	nfs3.ProcLookup:      {"LOOKUP", (*nfs3.Server).Lookup, false},
	nfs3.ProcAccess:      {"ACCESS", (*nfs3.Server).Access, false},
	nfs3.ProcReadlink:    {"READLINK", (*nfs3.Server).Readlink, false},
	nfs3.ProcRead:        {"READ", (*nfs3.Server).Read, false},
	nfs3.ProcWrite:       {"WRITE", (*nfs3.Server).Write, true},
	nfs3.ProcCreate:      {"CREATE", (*nfs3.Server).Create, true},
	nfs3.ProcMkdir:       {"MKDIR", (*nfs3.Server).Mkdir, true},
	nfs3.ProcSymlink:     {"SYMLINK", (*nfs3.Server).Symlink, true},
	nfs3.ProcMknod:       {"MKNOD", (*nfs3.Server).Mknod, true},
	nfs3.ProcRemove:      {"REMOVE", (*nfs3.Server).Remove, true},
	nfs3.ProcRmdir:       {"RMDIR", (*nfs3.Server).Rmdir, true},
	nfs3.ProcRename:      {"RENAME", (*nfs3.Server).Rename, true},
	nfs3.ProcLink:        {"LINK", (*nfs3.Server).Link, true},
	nfs3.ProcReaddir:     {"READDIR", (*nfs3.Server).Readdir, false},
	nfs3.ProcReaddirplus: {"READDIRPLUS", (*nfs3.Server).Readdirplus, false},
	nfs3.ProcFsstat:      {"FSSTAT", (*nfs3.Server).Fsstat, false},
	nfs3.ProcFsinfo:      {"FSINFO", (*nfs3.Server).Fsinfo, false},
	nfs3.ProcPathconf:    {"PATHCONF", (*nfs3.Server).Pathconf, false},
	nfs3.ProcCommit:      {"COMMIT", (*nfs3.Server).Commit, true},
}

var mountProcNames = map[uint32]string{
	mount.ProcNull:    "NULL",
	mount.ProcMnt:     "MNT",
	mount.ProcDump:    "DUMP",
	mount.ProcUmnt:    "UMNT",
	mount.ProcUmntAll: "UMNTALL",
	mount.ProcExport:  "EXPORT",
}

// Dispatch routes one already-decoded RPC call to the NFSv3, MOUNT or
// PORTMAP program and returns the complete encoded reply, ready to write
// back to the transport. It is the only place allowed to touch ctx's
// shared state; callers (the transport loop) must never call Dispatch
// concurrently, the single-threaded contract spec.md §5 requires.
func Dispatch(ctx *Context, call *onc.CallHeader, args []byte, clientAddr net.Addr) []byte {
	reqCtx := logger.WithRequestID(context.Background(), uuid.NewString())

	switch call.Program {
	case nfs3.Program:
		if call.Version != nfs3.Version {
			return onc.EncodeProgMismatch(call.XID, nfs3.Version, nfs3.Version)
		}
		return dispatchNFS(ctx, reqCtx, call, args, clientAddr)

	case mount.Program:
		if call.Version != mount.Version1 && call.Version != mount.Version3 {
			return onc.EncodeProgMismatch(call.XID, mount.Version1, mount.Version3)
		}
		return dispatchMount(ctx, reqCtx, call, args, clientAddr)

	case portmap.Program:
		if call.Version != portmap.Version {
			return onc.EncodeProgMismatch(call.XID, portmap.Version, portmap.Version)
		}
		metrics.RecordCall("portmap", "DISPATCH")
		body := ctx.PortmapServer.Dispatch(call.Procedure, args)
		return onc.EncodeAcceptedReply(call.XID, body)

	default:
		return onc.EncodeAcceptStat(call.XID, onc.ProgUnavail)
	}
}

func dispatchNFS(ctx *Context, reqCtx context.Context, call *onc.CallHeader, args []byte, clientAddr net.Addr) []byte {
	proc, ok := nfsTable[call.Procedure]
	if !ok {
		return onc.EncodeAcceptStat(call.XID, onc.ProcUnavail)
	}
	metrics.RecordCall("nfs", proc.name)

	if call.Procedure == nfs3.ProcNull {
		return onc.EncodeAcceptedReply(call.XID, proc.handler(ctx.NFS, args, nfs3.Request{}))
	}

	raw, ok := peekLeadFH(args)
	if !ok {
		return onc.EncodeAcceptedReply(call.XID, statusOnly(nstatus.ErrInval))
	}
	target, err := fh.Decode(raw, ctx.PWHash())
	if err != nil {
		return onc.EncodeAcceptedReply(call.XID, statusOnly(nstatus.ErrStale))
	}
	entry, ok := ctx.rootForHandle(target)
	if !ok {
		return onc.EncodeAcceptedReply(call.XID, statusOnly(nstatus.ErrStale))
	}
	if !exports.HostMatches(entry.Host, clientIP(clientAddr)) {
		return onc.EncodeAcceptedReply(call.XID, statusOnly(nstatus.ErrAcces))
	}
	if proc.writeClass && entry.ReadOnly {
		return onc.EncodeAcceptedReply(call.XID, statusOnly(nstatus.ErrROFS))
	}

	cred := unixCredFromCall(call)
	req := nfs3.Request{Cred: squash(entry, cred), ExportRoot: entry.Path}

	logger.DebugCtx(reqCtx, "nfs call", "proc", proc.name, "export", entry.Path)

	body := runAsCaller(ctx, req.Cred, func() []byte {
		return proc.handler(ctx.NFS, args, req)
	})
	return onc.EncodeAcceptedReply(call.XID, body)
}

func dispatchMount(ctx *Context, reqCtx context.Context, call *onc.CallHeader, args []byte, clientAddr net.Addr) []byte {
	name, ok := mountProcNames[call.Procedure]
	if !ok {
		return onc.EncodeAcceptStat(call.XID, onc.ProcUnavail)
	}
	metrics.RecordCall("mount", name)
	logger.DebugCtx(reqCtx, "mount call", "proc", name)

	switch call.Procedure {
	case mount.ProcNull:
		return onc.EncodeAcceptedReply(call.XID, nil)

	case mount.ProcMnt:
		r := bytes.NewReader(args)
		dirpath, err := xdrutil.ReadString(r)
		if err != nil {
			return onc.EncodeAcceptedReply(call.XID, mount.EncodeMntReply(nstatus.MountErrIO, fh.FH{}, nil, call.Version == mount.Version3))
		}
		if dirpath == "@getnonce" {
			nonce := ctx.Mount.MntGetNonce()
			var buf bytes.Buffer
			_ = xdrutil.WriteUint32(&buf, uint32(nstatus.MountOK))
			_ = xdrutil.WriteOpaque(&buf, nonce)
			return onc.EncodeAcceptedReply(call.XID, buf.Bytes())
		}
		host, port := splitHostPort(clientAddr)
		status, handle, flavors := ctx.Mount.Mnt(dirpath, host, port)
		return onc.EncodeAcceptedReply(call.XID, mount.EncodeMntReply(status, handle, flavors, call.Version == mount.Version3))

	case mount.ProcDump:
		return onc.EncodeAcceptedReply(call.XID, mount.EncodeDumpReply(ctx.Mount.Dump()))

	case mount.ProcUmnt:
		r := bytes.NewReader(args)
		dirpath, err := xdrutil.ReadString(r)
		if err != nil {
			return onc.EncodeAcceptedReply(call.XID, nil)
		}
		host, _ := splitHostPort(clientAddr)
		ctx.Mount.Umnt(host, dirpath)
		return onc.EncodeAcceptedReply(call.XID, nil)

	case mount.ProcUmntAll:
		host, _ := splitHostPort(clientAddr)
		ctx.Mount.UmntAll(host)
		return onc.EncodeAcceptedReply(call.XID, nil)

	case mount.ProcExport:
		return onc.EncodeAcceptedReply(call.XID, mount.EncodeExportReply(ctx.Mount.Export()))

	default:
		return onc.EncodeAcceptStat(call.XID, onc.ProcUnavail)
	}
}

// peekLeadFH extracts the opaque filehandle bytes from the front of args
// without decoding the rest of the procedure's argument struct: every
// NFSv3 procedure but NULL begins its argument list with an nfs_fh3,
// which lets the prologue recover the target export before any
// procedure-specific decoding happens.
func peekLeadFH(args []byte) ([]byte, bool) {
	raw, err := xdrutil.ReadOpaque(bytes.NewReader(args))
	if err != nil {
		return nil, false
	}
	return raw, true
}

func statusOnly(status nstatus.Status) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, uint32(status))
	return buf.Bytes()
}

func unixCredFromCall(call *onc.CallHeader) *onc.UnixCred {
	if call.Cred.Flavor != onc.AuthUnix {
		return nil
	}
	cred, err := onc.ParseUnixCred(call.Cred.Body)
	if err != nil {
		return nil
	}
	return cred
}

// clientIP extracts the bare IP from a transport address, or nil if it
// can't be parsed — exports.HostMatches treats a nil IP as matching nothing
// but a wildcard host, which is the safe default for an unrecognized
// address shape.
func clientIP(addr net.Addr) net.IP {
	host, _ := splitHostPort(addr)
	return net.ParseIP(host)
}

func splitHostPort(addr net.Addr) (string, int) {
	if addr == nil {
		return "", 65535
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		host = addr.String()
	}
	return host, mount.ClientPort(addr)
}
