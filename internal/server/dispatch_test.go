package server

import (
	"bytes"
	"net"
	"testing"

	"github.com/unfs3go/unfsd/internal/nstatus"
	"github.com/unfs3go/unfsd/internal/onc"
	"github.com/unfs3go/unfsd/internal/xdrutil"
)

func TestPeekLeadFHExtractsOpaqueFromFrontOfArgs(t *testing.T) {
	var buf bytes.Buffer
	want := []byte{1, 2, 3, 4, 5}
	if err := xdrutil.WriteOpaque(&buf, want); err != nil {
		t.Fatalf("WriteOpaque: %v", err)
	}
	// A trailing field after the filehandle, as any real procedure args
	// struct would have, must not confuse the peek.
	_ = xdrutil.WriteUint32(&buf, 42)

	got, ok := peekLeadFH(buf.Bytes())
	if !ok {
		t.Fatal("peekLeadFH reported failure on well-formed args")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("peekLeadFH = %v, want %v", got, want)
	}
}

func TestPeekLeadFHFailsOnTruncatedArgs(t *testing.T) {
	if _, ok := peekLeadFH([]byte{0, 0, 0, 10, 1, 2}); ok {
		t.Fatal("peekLeadFH succeeded on a length prefix longer than the remaining bytes")
	}
}

func TestStatusOnlyEncodesBareStatusWord(t *testing.T) {
	body := statusOnly(nstatus.ErrStale)
	got, err := xdrutil.ReadUint32(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("ReadUint32: %v", err)
	}
	if nstatus.Status(got) != nstatus.ErrStale {
		t.Fatalf("statusOnly encoded %d, want %d", got, nstatus.ErrStale)
	}
}

func TestClientIPParsesHostFromTCPAndUDPAddr(t *testing.T) {
	tcp := &net.TCPAddr{IP: net.ParseIP("192.0.2.7"), Port: 4000}
	if got := clientIP(tcp); got == nil || !got.Equal(net.ParseIP("192.0.2.7")) {
		t.Fatalf("clientIP(tcp) = %v, want 192.0.2.7", got)
	}

	udp := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 2049}
	if got := clientIP(udp); got == nil || !got.Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("clientIP(udp) = %v, want 2001:db8::1", got)
	}
}

func TestClientIPNilAddrReturnsNil(t *testing.T) {
	if got := clientIP(nil); got != nil {
		t.Fatalf("clientIP(nil) = %v, want nil", got)
	}
}

func TestSplitHostPortFromTCPAddr(t *testing.T) {
	addr := &net.TCPAddr{IP: net.ParseIP("10.0.0.5"), Port: 1234}
	host, port := splitHostPort(addr)
	if host != "10.0.0.5" {
		t.Fatalf("host = %q, want 10.0.0.5", host)
	}
	if port != 1234 {
		t.Fatalf("port = %d, want 1234", port)
	}
}

func TestSplitHostPortNilAddr(t *testing.T) {
	host, port := splitHostPort(nil)
	if host != "" {
		t.Fatalf("host = %q, want empty", host)
	}
	if port != 65535 {
		t.Fatalf("port = %d, want 65535 for an unknown client port", port)
	}
}

func TestUnixCredFromCallRejectsNonAuthUnix(t *testing.T) {
	call := &onc.CallHeader{Cred: onc.OpaqueAuth{Flavor: onc.AuthNull}}
	if unixCredFromCall(call) != nil {
		t.Fatal("unixCredFromCall must return nil for an AUTH_NULL call")
	}
}

func TestUnixCredFromCallParsesAuthUnix(t *testing.T) {
	var body bytes.Buffer
	_ = xdrutil.WriteUint32(&body, 0)          // stamp
	_ = xdrutil.WriteString(&body, "testhost") // machine name
	_ = xdrutil.WriteUint32(&body, 1000)       // uid
	_ = xdrutil.WriteUint32(&body, 1000)       // gid
	_ = xdrutil.WriteUint32(&body, 0)          // no auxiliary gids

	call := &onc.CallHeader{Cred: onc.OpaqueAuth{Flavor: onc.AuthUnix, Body: body.Bytes()}}
	cred := unixCredFromCall(call)
	if cred == nil {
		t.Fatal("unixCredFromCall returned nil for a well-formed AUTH_UNIX call")
	}
	if cred.UID != 1000 || cred.GID != 1000 {
		t.Fatalf("cred = %+v, want uid=1000 gid=1000", cred)
	}
}
