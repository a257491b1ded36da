package mount

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/nstatus"
	"github.com/unfs3go/unfsd/internal/resolver"
)

func TestMntGrantsHandleForInsecureExport(t *testing.T) {
	root := t.TempDir()
	exportsPath := filepath.Join(root, "exports")
	if err := os.WriteFile(exportsPath, []byte(root+" *(rw,insecure)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tbl, err := exports.Parse(exportsPath)
	if err != nil {
		t.Fatal(err)
	}
	res := resolver.New(nil, false)
	srv, err := NewServer(tbl, res, 77)
	if err != nil {
		t.Fatal(err)
	}

	status, handle, flavors := srv.Mnt(root, "client1", 2000)
	if status != nstatus.MountOK {
		t.Fatalf("status = %v, want MountOK", status)
	}
	if handle.PWHash != 77 {
		t.Fatalf("PWHash = %d, want 77", handle.PWHash)
	}
	if len(flavors) == 0 {
		t.Fatal("expected at least one auth flavor")
	}

	dump := srv.Dump()
	if len(dump) != 1 || dump[0].Hostname != "client1" {
		t.Fatalf("Dump = %+v", dump)
	}

	srv.Umnt("client1", root)
	if len(srv.Dump()) != 0 {
		t.Fatal("Umnt did not remove the mount entry")
	}
}

func TestMntRejectsUnlistedExport(t *testing.T) {
	root := t.TempDir()
	exportsPath := filepath.Join(root, "exports")
	if err := os.WriteFile(exportsPath, []byte("/somewhere-else *(rw,insecure)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tbl, err := exports.Parse(exportsPath)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(tbl, resolver.New(nil, false), 1)
	if err != nil {
		t.Fatal(err)
	}

	status, _, _ := srv.Mnt(root, "client1", 2000)
	if status != nstatus.MountErrAcces {
		t.Fatalf("status = %v, want MountErrAcces", status)
	}
}

func TestMntRejectsUnprivilegedPortWithoutInsecureFlag(t *testing.T) {
	root := t.TempDir()
	exportsPath := filepath.Join(root, "exports")
	if err := os.WriteFile(exportsPath, []byte(root+" *(rw)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tbl, err := exports.Parse(exportsPath)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(tbl, resolver.New(nil, false), 1)
	if err != nil {
		t.Fatal(err)
	}

	status, _, _ := srv.Mnt(root, "client1", 2000)
	if status != nstatus.MountErrAcces {
		t.Fatalf("status = %v, want MountErrAcces for an unprivileged-port mount on a secure export", status)
	}
}

func TestUmntAllRemovesOnlyMatchingHost(t *testing.T) {
	root := t.TempDir()
	exportsPath := filepath.Join(root, "exports")
	if err := os.WriteFile(exportsPath, []byte(root+" *(rw,insecure)\n"), 0644); err != nil {
		t.Fatal(err)
	}
	tbl, err := exports.Parse(exportsPath)
	if err != nil {
		t.Fatal(err)
	}
	srv, err := NewServer(tbl, resolver.New(nil, false), 1)
	if err != nil {
		t.Fatal(err)
	}

	srv.Mnt(root, "client1", 500)
	srv.Mnt(root, "client2", 500)
	srv.UmntAll("client1")

	dump := srv.Dump()
	if len(dump) != 1 || dump[0].Hostname != "client2" {
		t.Fatalf("Dump after UmntAll(client1) = %+v", dump)
	}
}
