package exports

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func writeExports(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "exports")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParseBasicLine(t *testing.T) {
	path := writeExports(t, "/srv/nfs *(rw,insecure)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	entries := tbl.All()
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.Path != "/srv/nfs" || e.ReadOnly || !e.Insecure {
		t.Fatalf("entry = %+v", e)
	}
}

func TestParseSkipsBlankAndCommentLines(t *testing.T) {
	path := writeExports(t, "\n# comment\n/srv host(ro)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(tbl.All()) != 1 {
		t.Fatalf("len(entries) = %d, want 1", len(tbl.All()))
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	path := writeExports(t, "/srv host(bogus)\n")
	if _, err := Parse(path); err == nil {
		t.Fatal("expected an error for an unknown export flag")
	}
}

func TestParsePasswordAndFSIDFlags(t *testing.T) {
	path := writeExports(t, "/srv host(password=secret,fsid=9,anonuid=65534,anongid=65534)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	e := tbl.All()[0]
	if e.Password != "secret" || !e.HasFSID || e.FSID != 9 || e.AnonUID != 65534 || e.AnonGID != 65534 {
		t.Fatalf("entry = %+v", e)
	}
}

func TestLookupMatchesWildcardHost(t *testing.T) {
	path := writeExports(t, "/srv *(rw)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Lookup("/srv/sub/dir", net.ParseIP("10.0.0.1")); !ok {
		t.Fatal("Lookup failed to match a subdirectory under a wildcard export")
	}
}

func TestLookupPrefersLongestMatchingExport(t *testing.T) {
	path := writeExports(t, "/srv *(rw)\n/srv/special *(ro)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := tbl.Lookup("/srv/special/file", net.ParseIP("10.0.0.1"))
	if !ok {
		t.Fatal("Lookup miss")
	}
	if e.Path != "/srv/special" {
		t.Fatalf("matched %q, want the more specific /srv/special export", e.Path)
	}
}

func TestLookupRejectsHostNotInCIDR(t *testing.T) {
	path := writeExports(t, "/srv 10.0.0.0/24(rw)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := tbl.Lookup("/srv", net.ParseIP("192.168.1.1")); ok {
		t.Fatal("Lookup matched a client outside the exported CIDR")
	}
}

func TestIsExportRoot(t *testing.T) {
	path := writeExports(t, "/srv/nfs *(rw,removable,fsid=3)\n")
	tbl, err := Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := tbl.IsExportRoot("/srv/nfs")
	if !ok || !e.Removable || e.FSID != 3 {
		t.Fatalf("IsExportRoot = %+v, %v", e, ok)
	}
	if _, ok := tbl.IsExportRoot("/srv/nfs/sub"); ok {
		t.Fatal("IsExportRoot matched a non-root path")
	}
}
