package mount

import "testing"

func TestParseDirpathGetNonce(t *testing.T) {
	a, err := NewAuthenticator()
	if err != nil {
		t.Fatal(err)
	}
	cmd := a.ParseDirpath("@getnonce", nil)
	if !cmd.IsGetNonce {
		t.Fatal("expected IsGetNonce")
	}
}

func TestParseDirpathPlainPath(t *testing.T) {
	a, _ := NewAuthenticator()
	cmd := a.ParseDirpath("/srv/nfs", nil)
	if cmd.IsGetNonce || cmd.Path != "/srv/nfs" {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseDirpathPasswordMatch(t *testing.T) {
	a, _ := NewAuthenticator()
	cmd := a.ParseDirpath("@password:hunter2/srv/nfs", func(path string) (string, bool) {
		if path != "/srv/nfs" {
			t.Fatalf("lookupPassword called with %q", path)
		}
		return "hunter2", true
	})
	if !cmd.Authenticated || cmd.AuthCheckFailed {
		t.Fatalf("cmd = %+v", cmd)
	}
	if cmd.Path != "/srv/nfs" {
		t.Fatalf("Path = %q", cmd.Path)
	}
}

func TestParseDirpathPasswordMismatch(t *testing.T) {
	a, _ := NewAuthenticator()
	cmd := a.ParseDirpath("@password:wrong/srv/nfs", func(string) (string, bool) {
		return "hunter2", true
	})
	if cmd.Authenticated || !cmd.AuthCheckFailed {
		t.Fatalf("cmd = %+v", cmd)
	}
}

func TestParseDirpathOTPMatchesAndRotatesNonce(t *testing.T) {
	a, _ := NewAuthenticator()
	nonceBefore := a.Nonce()

	otp := a.otpHex("hunter2")
	cmd := a.ParseDirpath("@otp:"+otp+"/srv/nfs", func(string) (string, bool) {
		return "hunter2", true
	})
	if !cmd.Authenticated {
		t.Fatalf("expected OTP match, got cmd = %+v", cmd)
	}

	nonceAfter := a.Nonce()
	same := true
	for i := range nonceBefore {
		if nonceBefore[i] != nonceAfter[i] {
			same = false
		}
	}
	if same {
		t.Fatal("nonce was not rotated after a completed OTP round")
	}
}

func TestParseDirpathOTPMismatchStillRotates(t *testing.T) {
	a, _ := NewAuthenticator()
	nonceBefore := a.Nonce()

	bogus := "00000000000000000000000000000000"[:32]
	cmd := a.ParseDirpath("@otp:"+bogus+"/srv/nfs", func(string) (string, bool) {
		return "hunter2", true
	})
	if cmd.Authenticated {
		t.Fatal("bogus OTP reported as authenticated")
	}

	nonceAfter := a.Nonce()
	same := true
	for i := range nonceBefore {
		if nonceBefore[i] != nonceAfter[i] {
			same = false
		}
	}
	if same {
		t.Fatal("nonce was not rotated after a failed OTP round")
	}
}

func TestAuthorizeRequiresExportMatch(t *testing.T) {
	if Authorize(exportsEntryNoPassword(), false, 500, Command{}) {
		t.Fatal("Authorize succeeded with found=false")
	}
}

func TestAuthorizeRejectsUnprivilegedPortWithoutInsecure(t *testing.T) {
	if Authorize(exportsEntryNoPassword(), true, 2000, Command{}) {
		t.Fatal("Authorize succeeded from an unprivileged port on a secure export")
	}
}

func TestAuthorizeNoPasswordNeedsNoAuthentication(t *testing.T) {
	if !Authorize(exportsEntryNoPassword(), true, 500, Command{}) {
		t.Fatal("Authorize failed for a passwordless export from a privileged port")
	}
}

func TestAuthorizeRequiresAuthenticationWhenPasswordSet(t *testing.T) {
	entry := exportsEntryNoPassword()
	entry.Password = "x"
	if Authorize(entry, true, 500, Command{Authenticated: false}) {
		t.Fatal("Authorize succeeded without authentication on a password-protected export")
	}
	if !Authorize(entry, true, 500, Command{Authenticated: true}) {
		t.Fatal("Authorize failed despite a successful authentication")
	}
}
