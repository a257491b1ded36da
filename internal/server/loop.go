package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/unfs3go/unfsd/internal/config"
	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/metrics"
	"github.com/unfs3go/unfsd/internal/nfs3"
	"github.com/unfs3go/unfsd/internal/onc"
)

const maxUDPDatagram = nfs3.MaxDataUDP + 4096

// Listeners holds every transport socket the dispatch loop reads from: one
// UDP and one TCP listener per RPC port, matching spec.md §6 ("ONC-RPC over
// UDP and TCP; ... program 100003 ...; MOUNT program 100005 ... Registration
// is optional"). NFSv3, MOUNT and PORTMAP calls are demultiplexed by
// Dispatch's switch on the call's program number, not by which port they
// arrived on, so either listener will serve any of the three programs.
type Listeners struct {
	NFSUDP   *net.UDPConn
	NFSTCP   *net.TCPListener
	MountUDP *net.UDPConn
	MountTCP *net.TCPListener
}

// Bind opens the configured NFS and MOUNT ports. UDP listeners are skipped
// when cfg.TCPOnly is set (the -t flag). Port 0 asks the kernel for an
// ephemeral port, the -u ("unprivileged") behaviour config.Parse already
// applies to cfg.NFSPort/cfg.MountPort.
func Bind(cfg *config.Config) (*Listeners, error) {
	l := &Listeners{}

	nfsAddr := net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.NFSPort))
	mountAddr := net.JoinHostPort(cfg.BindAddr, fmt.Sprintf("%d", cfg.MountPort))

	tcpL, err := net.Listen("tcp", nfsAddr)
	if err != nil {
		return nil, fmt.Errorf("bind nfs tcp %s: %w", nfsAddr, err)
	}
	l.NFSTCP = tcpL.(*net.TCPListener)

	mtcpL, err := net.Listen("tcp", mountAddr)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("bind mount tcp %s: %w", mountAddr, err)
	}
	l.MountTCP = mtcpL.(*net.TCPListener)

	if !cfg.TCPOnly {
		udpConn, err := net.ListenPacket("udp", nfsAddr)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("bind nfs udp %s: %w", nfsAddr, err)
		}
		l.NFSUDP = udpConn.(*net.UDPConn)

		mudpConn, err := net.ListenPacket("udp", mountAddr)
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("bind mount udp %s: %w", mountAddr, err)
		}
		l.MountUDP = mudpConn.(*net.UDPConn)
	}

	return l, nil
}

// Close shuts down every bound listener, ignoring errors (used both on a
// failed partial bind and on clean shutdown).
func (l *Listeners) Close() {
	if l.NFSUDP != nil {
		_ = l.NFSUDP.Close()
	}
	if l.NFSTCP != nil {
		_ = l.NFSTCP.Close()
	}
	if l.MountUDP != nil {
		_ = l.MountUDP.Close()
	}
	if l.MountTCP != nil {
		_ = l.MountTCP.Close()
	}
}

// NFSPort reports the actual bound NFS TCP port (useful when cfg.NFSPort
// was 0), for portmap registration.
func (l *Listeners) NFSPort() int {
	return l.NFSTCP.Addr().(*net.TCPAddr).Port
}

// MountPort reports the actual bound MOUNT TCP port.
func (l *Listeners) MountPort() int {
	return l.MountTCP.Addr().(*net.TCPAddr).Port
}

// request is one decoded-enough-to-route RPC call, queued by a transport
// reader goroutine for the single dispatch loop to process.
type request struct {
	call *onc.CallHeader
	args []byte
	addr net.Addr
	// reply delivers the encoded response to the client; its errors are
	// logged, never fatal to the loop.
	reply func([]byte) error
}

// Serve runs the single-threaded dispatch loop (spec.md §4.9/§5): it reads
// decoded requests off an internal channel fed by transport reader
// goroutines and processes exactly one at a time, interleaved with a
// one-second idle-sweep tick. This channel-fed consumer loop is the Go
// rendering of the spec's literal "poll/select over raw descriptors" —
// Go's net package gives every connection its own blocking read, so the
// "wait for any transport fd to become readable" step is implemented as
// "wait for any reader goroutine to hand off a fully-decoded request",
// which preserves the contract that actually matters (dispatch processes
// one request a time, and owns every shared cache unlocked) without
// reimplementing readiness polling unix.Select already does better.
func Serve(ctx *Context, l *Listeners, stop <-chan struct{}) {
	reqCh := make(chan request, 64)
	done := make(chan struct{})
	defer close(done)

	if l.NFSUDP != nil {
		go serveUDP(l.NFSUDP, reqCh, done)
	}
	if l.MountUDP != nil {
		go serveUDP(l.MountUDP, reqCh, done)
	}
	go serveTCP(l.NFSTCP, reqCh, done)
	go serveTCP(l.MountTCP, reqCh, done)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return

		case <-ticker.C:
			ctx.FDCache.Sweep()
			unused, open, pending := ctx.FDCache.Counts()
			metrics.ObserveFDCache(metrics.FDCacheCounts{Unused: unused, Open: open, PendingError: pending})

		case req := <-reqCh:
			reply := Dispatch(ctx, req.call, req.args, req.addr)
			if err := req.reply(reply); err != nil {
				logger.Warn("reply delivery failed", "xid", req.call.XID, "error", err)
			}
		}
	}
}

func serveUDP(conn *net.UDPConn, reqCh chan<- request, done <-chan struct{}) {
	buf := make([]byte, maxUDPDatagram)
	for {
		_ = conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.Warn("udp read failed", "local", conn.LocalAddr(), "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		call, args, err := onc.DecodeCall(data)
		if err != nil {
			logger.Warn("malformed rpc call over udp", "error", err)
			continue
		}

		clientAddr := addr
		select {
		case reqCh <- request{call: call, args: args, addr: clientAddr, reply: func(b []byte) error {
			_, err := conn.WriteToUDP(b, clientAddr)
			return err
		}}:
		case <-done:
			return
		}
	}
}

func serveTCP(l *net.TCPListener, reqCh chan<- request, done <-chan struct{}) {
	for {
		_ = l.SetDeadline(time.Now().Add(time.Second))
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logger.Warn("tcp accept failed", "local", l.Addr(), "error", err)
			continue
		}
		go serveTCPConn(conn, reqCh, done)
	}
}

func serveTCPConn(conn net.Conn, reqCh chan<- request, done <-chan struct{}) {
	defer conn.Close()
	writeMu := make(chan struct{}, 1)
	writeMu <- struct{}{}

	for {
		msg, err := readRecordMarked(conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug("tcp connection closed", "remote", conn.RemoteAddr(), "error", err)
			}
			return
		}

		call, args, err := onc.DecodeCall(msg)
		if err != nil {
			logger.Warn("malformed rpc call over tcp", "remote", conn.RemoteAddr(), "error", err)
			continue
		}

		clientAddr := conn.RemoteAddr()
		reply := func(b []byte) error {
			<-writeMu
			defer func() { writeMu <- struct{}{} }()
			return writeRecordMarked(conn, b)
		}

		select {
		case reqCh <- request{call: call, args: args, addr: clientAddr, reply: reply}:
		case <-done:
			return
		}
	}
}

// readRecordMarked reads one complete RPC message framed by RFC 5531 §10's
// record marking: a sequence of fragments, each prefixed by a 4-byte
// big-endian header whose top bit marks the last fragment and whose low 31
// bits give that fragment's length.
func readRecordMarked(r io.Reader) ([]byte, error) {
	var msg []byte
	for {
		var hdr [4]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(hdr[:])
		last := word&0x80000000 != 0
		length := word &^ 0x80000000

		frag := make([]byte, length)
		if _, err := io.ReadFull(r, frag); err != nil {
			return nil, err
		}
		msg = append(msg, frag...)

		if last {
			return msg, nil
		}
	}
}

// writeRecordMarked writes msg as a single, final record-marking fragment.
func writeRecordMarked(w io.Writer, msg []byte) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(msg))|0x80000000)
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write record marker: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("write record body: %w", err)
	}
	return nil
}
