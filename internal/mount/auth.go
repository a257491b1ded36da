// Package mount implements the MOUNT protocol (RFC 1813 Appendix I),
// versions 1 and 3: MNT, UMNT, UMNTALL, DUMP, EXPORT, plus the nonce/
// password/OTP command-prefix authenticator unfsd layers onto MNT's
// dirpath argument. See spec.md §4.10.
package mount

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/host"
)

const nonceLen = 32

// Authenticator implements the @getnonce / @password / @otp dirpath
// command scheme. One Authenticator is shared by the whole server; its
// nonce rotates each time an OTP round completes.
type Authenticator struct {
	mu    sync.Mutex
	nonce []byte
}

// NewAuthenticator builds an Authenticator with a freshly generated nonce.
func NewAuthenticator() (*Authenticator, error) {
	a := &Authenticator{}
	if err := a.regenerate(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authenticator) regenerate() error {
	n, err := host.RandomBytes(nonceLen)
	if err != nil {
		return fmt.Errorf("generate mount nonce: %w", err)
	}
	a.nonce = n
	return nil
}

// Nonce returns a copy of the current nonce, for the @getnonce command.
func (a *Authenticator) Nonce() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]byte, len(a.nonce))
	copy(out, a.nonce)
	return out
}

// Rotate regenerates the nonce; called after an @otp round completes,
// matching unfs3's gen_nonce() call at the end of the privileged branch.
func (a *Authenticator) Rotate() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regenerate()
}

// otpHex computes MD5(nonce‖password) and returns it as lowercase hex.
func (a *Authenticator) otpHex(password string) string {
	a.mu.Lock()
	nonce := append([]byte(nil), a.nonce...)
	a.mu.Unlock()

	sum := md5.Sum(append(nonce, []byte(password)...))
	return hex.EncodeToString(sum[:])
}

// Command is the parsed form of a MNT dirpath argument: either a plain
// path to mount, or one of the three authenticator command prefixes.
type Command struct {
	IsGetNonce bool
	Path       string
	// Authenticated is true once a @password or @otp command's credential
	// has been checked against the export's configured password.
	Authenticated   bool
	AuthCheckFailed bool
}

// ParseDirpath recognises the @getnonce / @password:<pw>/<path> /
// @otp:<hex32>/<path> prefixes; anything else is treated as a plain path.
func (a *Authenticator) ParseDirpath(dirpath string, lookupPassword func(path string) (string, bool)) Command {
	switch {
	case dirpath == "@getnonce":
		return Command{IsGetNonce: true}

	case strings.HasPrefix(dirpath, "@password:"):
		rest := strings.TrimPrefix(dirpath, "@password:")
		pw, path, ok := strings.Cut(rest, "/")
		if !ok {
			return Command{Path: dirpath, AuthCheckFailed: true}
		}
		path = "/" + path
		configured, hasPW := lookupPassword(path)
		ok = !hasPW || pw == configured
		_ = a.Rotate()
		return Command{Path: path, Authenticated: ok, AuthCheckFailed: !ok}

	case strings.HasPrefix(dirpath, "@otp:"):
		rest := strings.TrimPrefix(dirpath, "@otp:")
		if len(rest) < hex.EncodedLen(16)+1 {
			return Command{Path: dirpath, AuthCheckFailed: true}
		}
		otp := rest[:hex.EncodedLen(16)]
		remainder := rest[hex.EncodedLen(16):]
		remainder = strings.TrimPrefix(remainder, "/")
		path := "/" + remainder

		configured, hasPW := lookupPassword(path)
		ok := hasPW && strings.EqualFold(otp, a.otpHex(configured))
		_ = a.Rotate()
		return Command{Path: path, Authenticated: ok, AuthCheckFailed: !ok}

	default:
		return Command{Path: dirpath}
	}
}

// Authorize implements the final mount decision from spec.md §4.10: the
// resolved path must be exported to the caller, the caller must be from a
// privileged port or the export allow insecure, and either the export has
// no password or the caller authenticated.
func Authorize(entry exports.Entry, found bool, clientPort int, cmd Command) bool {
	if !found {
		return false
	}
	if !entry.Insecure && clientPort >= 1024 {
		return false
	}
	if entry.Password == "" {
		return true
	}
	return cmd.Authenticated
}

// ClientPort extracts the source port from a net.Addr, used by Authorize's
// privileged-port check.
func ClientPort(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.Port
	case *net.TCPAddr:
		return a.Port
	default:
		return 65535
	}
}
