// Package portmap implements the PORTMAP v2 surface unfsd needs (RFC 1057
// §4): a client that registers/deregisters this server's NFS and MOUNT
// ports with the host's portmapper, and a minimal built-in responder that
// answers PORTMAP calls arriving on unfsd's own NFS and MOUNT ports. See SPEC_FULL.md's "PORTMAP v2
// GETPORT/SET/UNSET client + minimal responder" supplemented feature.
package portmap

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/onc"
	"github.com/unfs3go/unfsd/internal/xdrutil"
)

// Program and version (RFC 1057 Appendix A).
const (
	Program = 100000
	Version = 2
)

// Procedure numbers.
const (
	ProcNull    = 0
	ProcSet     = 1
	ProcUnset   = 2
	ProcGetPort = 3
	ProcDump    = 4
)

// Protocol values for the mapping's protocol field.
const (
	ProtoTCP = 6
	ProtoUDP = 17
)

// mapping is one (program, version, protocol) -> port registration.
type mapping struct {
	Program, Version, Protocol, Port uint32
}

// Registry is the built-in responder's mapping table. It holds only the
// mappings that PMAPPROC_SET calls put into it; unfsd does not record its
// own ports here.
type Registry struct {
	mu       sync.Mutex
	mappings []mapping
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry { return &Registry{} }

// Set records or updates one mapping, mirroring the PMAPPROC_SET contract.
func (r *Registry) Set(program, version, protocol, port uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.mappings {
		m := &r.mappings[i]
		if m.Program == program && m.Version == version && m.Protocol == protocol {
			m.Port = port
			return
		}
	}
	r.mappings = append(r.mappings, mapping{program, version, protocol, port})
}

// Unset removes every mapping for (program, version), any protocol,
// mirroring PMAPPROC_UNSET.
func (r *Registry) Unset(program, version uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.mappings[:0]
	for _, m := range r.mappings {
		if m.Program != program || m.Version != version {
			kept = append(kept, m)
		}
	}
	r.mappings = kept
}

// GetPort answers PMAPPROC_GETPORT: the registered port, or 0 if unmapped.
func (r *Registry) GetPort(program, version, protocol uint32) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.mappings {
		if m.Program == program && m.Version == version && m.Protocol == protocol {
			return m.Port
		}
	}
	return 0
}

// Dump lists every registered mapping, for PMAPPROC_DUMP.
func (r *Registry) Dump() []mapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mapping, len(r.mappings))
	copy(out, r.mappings)
	return out
}

// Server answers the built-in PORTMAP program for calls that reach unfsd's
// NFS and MOUNT ports (the dispatcher routes them here by program number).
// It does not listen on the portmapper port, and -p only skips
// registration with the system portmapper.
type Server struct {
	Registry *Registry
}

// Dispatch decodes one PORTMAP procedure call and returns its encoded
// reply body, ready for onc.EncodeAcceptedReply.
func (s *Server) Dispatch(procedure uint32, args []byte) []byte {
	switch procedure {
	case ProcNull:
		return nil
	case ProcSet:
		m, err := decodeMapping(args)
		if err != nil {
			return encodeBool(false)
		}
		s.Registry.Set(m.Program, m.Version, m.Protocol, m.Port)
		return encodeBool(true)
	case ProcUnset:
		m, err := decodeMapping(args)
		if err != nil {
			return encodeBool(false)
		}
		s.Registry.Unset(m.Program, m.Version)
		return encodeBool(true)
	case ProcGetPort:
		m, err := decodeMapping(args)
		if err != nil {
			return encodeUint32(0)
		}
		return encodeUint32(s.Registry.GetPort(m.Program, m.Version, m.Protocol))
	case ProcDump:
		return encodeDump(s.Registry.Dump())
	default:
		return nil
	}
}

func decodeMapping(args []byte) (mapping, error) {
	r := bytes.NewReader(args)
	var m mapping
	var err error
	if m.Program, err = xdrutil.ReadUint32(r); err != nil {
		return m, err
	}
	if m.Version, err = xdrutil.ReadUint32(r); err != nil {
		return m, err
	}
	if m.Protocol, err = xdrutil.ReadUint32(r); err != nil {
		return m, err
	}
	if m.Port, err = xdrutil.ReadUint32(r); err != nil {
		return m, err
	}
	return m, nil
}

func encodeBool(v bool) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteBool(&buf, v)
	return buf.Bytes()
}

func encodeUint32(v uint32) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, v)
	return buf.Bytes()
}

func encodeDump(mappings []mapping) []byte {
	var buf bytes.Buffer
	for _, m := range mappings {
		_ = xdrutil.WriteBool(&buf, true)
		_ = xdrutil.WriteUint32(&buf, m.Program)
		_ = xdrutil.WriteUint32(&buf, m.Version)
		_ = xdrutil.WriteUint32(&buf, m.Protocol)
		_ = xdrutil.WriteUint32(&buf, m.Port)
	}
	_ = xdrutil.WriteBool(&buf, false)
	return buf.Bytes()
}

// Client speaks PMAPPROC_SET/UNSET to the system portmapper over UDP, used
// at startup/shutdown to register and deregister unfsd's NFS and MOUNT
// ports (spec.md §6, §4.9's "deregisters with the portmap binder" on fatal
// signal).
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient builds a Client targeting the system portmapper, conventionally
// 127.0.0.1:111.
func NewClient(addr string) *Client {
	return &Client{addr: addr, timeout: 2 * time.Second}
}

func (c *Client) call(procedure uint32, args []byte) ([]byte, error) {
	conn, err := net.DialTimeout("udp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("dial portmapper %s: %w", c.addr, err)
	}
	defer conn.Close()

	call := onc.EncodeCall(1, Program, Version, procedure, onc.OpaqueAuth{}, onc.OpaqueAuth{}, args)
	_ = conn.SetDeadline(time.Now().Add(c.timeout))
	if _, err := conn.Write(call); err != nil {
		return nil, fmt.Errorf("write portmapper call: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("read portmapper reply: %w", err)
	}
	_, result, err := onc.DecodeReply(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("decode portmapper reply: %w", err)
	}
	return result, nil
}

func encodeSetArgs(program, version, protocol, port uint32) []byte {
	var buf bytes.Buffer
	_ = xdrutil.WriteUint32(&buf, program)
	_ = xdrutil.WriteUint32(&buf, version)
	_ = xdrutil.WriteUint32(&buf, protocol)
	_ = xdrutil.WriteUint32(&buf, port)
	return buf.Bytes()
}

// Register maps (program, version, protocol) to port with the system
// portmapper. Failure is non-fatal to the caller (unfsd logs a warning and
// continues unregistered, matching unfs3's best-effort registration).
func (c *Client) Register(program, version, protocol, port uint32) error {
	result, err := c.call(ProcSet, encodeSetArgs(program, version, protocol, port))
	if err != nil {
		return err
	}
	r := bytes.NewReader(result)
	ok, err := xdrutil.ReadBool(r)
	if err != nil {
		return fmt.Errorf("decode set result: %w", err)
	}
	if !ok {
		return fmt.Errorf("portmapper rejected registration for program %d version %d", program, version)
	}
	return nil
}

// Unregister removes every mapping for (program, version) from the system
// portmapper, called during clean and fatal-signal shutdown alike.
func (c *Client) Unregister(program, version uint32) error {
	_, err := c.call(ProcUnset, encodeSetArgs(program, version, 0, 0))
	return err
}

// RegisterAll registers the NFS and MOUNT programs (TCP and UDP, every
// MOUNT version) with the system portmapper, logging and continuing past
// any single failure.
func RegisterAll(c *Client, nfsProgram, nfsVersion uint32, mountProgram uint32, mountVersions []uint32, nfsPort, mountPort uint32) {
	attempts := []struct {
		program, version, protocol, port uint32
		label                            string
	}{
		{nfsProgram, nfsVersion, ProtoTCP, nfsPort, "nfs/tcp"},
		{nfsProgram, nfsVersion, ProtoUDP, nfsPort, "nfs/udp"},
	}
	for _, v := range mountVersions {
		attempts = append(attempts,
			struct {
				program, version, protocol, port uint32
				label                            string
			}{mountProgram, v, ProtoTCP, mountPort, "mount/tcp"},
			struct {
				program, version, protocol, port uint32
				label                            string
			}{mountProgram, v, ProtoUDP, mountPort, "mount/udp"},
		)
	}
	for _, a := range attempts {
		if err := c.Register(a.program, a.version, a.protocol, a.port); err != nil {
			logger.Warn("portmap registration failed", "service", a.label, "error", err)
		}
	}
}

// DeregisterAll deregisters the NFS and MOUNT programs, called on clean and
// fatal-signal shutdown (spec.md §4.9).
func DeregisterAll(c *Client, nfsProgram, nfsVersion uint32, mountProgram uint32, mountVersions []uint32) {
	if err := c.Unregister(nfsProgram, nfsVersion); err != nil {
		logger.Warn("portmap deregistration failed", "service", "nfs", "error", err)
	}
	for _, v := range mountVersions {
		if err := c.Unregister(mountProgram, v); err != nil {
			logger.Warn("portmap deregistration failed", "service", "mount", "version", v, "error", err)
		}
	}
}
