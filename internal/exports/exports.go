// Package exports parses and validates the unfsd exports file and answers
// export-table questions for the resolver, attribute engine, access logic
// and mount authenticator. See spec.md §6 ("Exports file") and §4.10.
package exports

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Entry is one parsed exports-file line: a path exported to a host (or
// wildcard) with a set of option flags.
type Entry struct {
	Path   string `validate:"required"`
	Host   string `validate:"required"`
	ReadOnly        bool
	RootSquash      bool
	NoRootSquash    bool
	AllSquash       bool
	Removable       bool
	Insecure        bool
	Password        string
	AnonUID         uint32
	HasAnonUID      bool
	AnonGID         uint32
	HasAnonGID      bool
	FSID            uint32
	HasFSID         bool
}

// Table is the parsed, queryable exports file.
type Table struct {
	entries []Entry
}

var validate = validator.New()

// Parse reads and validates an exports file. Each non-blank, non-comment
// line has the shape "path host(flag,flag=value,...)".
func Parse(path string) (*Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open exports file: %w", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("exports file line %d: %w", lineNo, err)
		}
		if err := validate.Struct(entry); err != nil {
			return nil, fmt.Errorf("exports file line %d: %w", lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read exports file: %w", err)
	}
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("exports file path %q must be absolute", path)
	}
	return &Table{entries: entries}, nil
}

func parseLine(line string) (Entry, error) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return Entry{}, fmt.Errorf("expected \"path host(flags)\", got %q", line)
	}
	exportPath := fields[0]
	rest := strings.Join(fields[1:], " ")

	openParen := strings.IndexByte(rest, '(')
	var host, flagsRaw string
	if openParen == -1 {
		host = rest
	} else {
		closeParen := strings.LastIndexByte(rest, ')')
		if closeParen == -1 || closeParen < openParen {
			return Entry{}, fmt.Errorf("unterminated flag list in %q", rest)
		}
		host = rest[:openParen]
		flagsRaw = rest[openParen+1 : closeParen]
	}
	host = strings.TrimSpace(host)

	e := Entry{Path: exportPath, Host: host, RootSquash: true}
	if flagsRaw == "" {
		return e, nil
	}
	for _, tok := range strings.Split(flagsRaw, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val, hasVal := strings.Cut(tok, "=")
		switch key {
		case "ro":
			e.ReadOnly = true
		case "rw":
			e.ReadOnly = false
		case "root_squash":
			e.RootSquash = true
			e.NoRootSquash = false
		case "no_root_squash":
			e.NoRootSquash = true
			e.RootSquash = false
		case "all_squash":
			e.AllSquash = true
		case "removable":
			e.Removable = true
		case "insecure":
			e.Insecure = true
		case "password":
			if !hasVal {
				return Entry{}, fmt.Errorf("password flag requires a value")
			}
			e.Password = val
		case "anonuid":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Entry{}, fmt.Errorf("invalid anonuid %q: %w", val, err)
			}
			e.AnonUID = uint32(n)
			e.HasAnonUID = true
		case "anongid":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Entry{}, fmt.Errorf("invalid anongid %q: %w", val, err)
			}
			e.AnonGID = uint32(n)
			e.HasAnonGID = true
		case "fsid":
			n, err := strconv.ParseUint(val, 10, 32)
			if err != nil {
				return Entry{}, fmt.Errorf("invalid fsid %q: %w", val, err)
			}
			e.FSID = uint32(n)
			e.HasFSID = true
		default:
			return Entry{}, fmt.Errorf("unknown export flag %q", key)
		}
	}
	return e, nil
}

// Lookup finds the export entry covering path for the given client
// address, or ok=false if nothing matches.
func (t *Table) Lookup(path string, client net.IP) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range t.entries {
		if !pathUnder(e.Path, path) {
			continue
		}
		if !hostMatches(e.Host, client) {
			continue
		}
		if !found || len(e.Path) > len(best.Path) {
			best, found = e, true
		}
	}
	return best, found
}

// IsExportRoot reports whether path is exactly the root of some export,
// and if so whether that export is REMOVABLE (the resolver's synthetic
// (fsid,1) filehandle special case).
func (t *Table) IsExportRoot(path string) (e Entry, ok bool) {
	for _, e := range t.entries {
		if filepath.Clean(e.Path) == filepath.Clean(path) {
			return e, true
		}
	}
	return Entry{}, false
}

// RemovableFSIDForDevice is wired into attr.Policy.RemovableFSIDFor: it
// reports the preset fsid of a removable export sharing the device dev
// belongs to. The caller supplies a deviceOf callback since this package
// has no stat access of its own.
func (t *Table) RemovableFSIDForDevice(dev uint64, deviceOf func(path string) (uint64, bool)) (uint32, bool) {
	for _, e := range t.entries {
		if !e.Removable || !e.HasFSID {
			continue
		}
		if d, ok := deviceOf(e.Path); ok && d == dev {
			return e.FSID, true
		}
	}
	return 0, false
}

// RootForDev finds the export whose root path stats to dev (a removable
// export's FSID counts as its dev too, matching the filehandle it hands
// out), so the dispatcher can recover "which export is this incoming
// filehandle under" from the filehandle's Dev field alone. The caller
// supplies deviceOf for the same import-cycle reason as
// RemovableFSIDForDevice.
func (t *Table) RootForDev(dev uint32, deviceOf func(path string) (uint32, bool)) (Entry, bool) {
	for _, e := range t.entries {
		if e.Removable && e.HasFSID && e.FSID == dev {
			return e, true
		}
		if d, ok := deviceOf(e.Path); ok && d == dev {
			return e, true
		}
	}
	return Entry{}, false
}

func pathUnder(exportPath, candidate string) bool {
	ep := filepath.Clean(exportPath)
	cp := filepath.Clean(candidate)
	if ep == cp {
		return true
	}
	return strings.HasPrefix(cp, ep+string(filepath.Separator))
}

// HostMatches reports whether client satisfies the host specification from
// an export line (wildcard, CIDR, literal IP, or DNS hostname) — exported so
// the dispatcher can enforce "not exported to this client" (spec.md §7)
// against the export RootForDev already found by filehandle, the same
// matching Lookup applies when resolving by path.
func HostMatches(hostSpec string, client net.IP) bool {
	return hostMatches(hostSpec, client)
}

func hostMatches(hostSpec string, client net.IP) bool {
	if hostSpec == "*" || hostSpec == "" {
		return true
	}
	if _, cidr, err := net.ParseCIDR(hostSpec); err == nil {
		return cidr.Contains(client)
	}
	if ip := net.ParseIP(hostSpec); ip != nil {
		return ip.Equal(client)
	}
	addrs, err := net.LookupIP(hostSpec)
	if err != nil {
		return false
	}
	for _, a := range addrs {
		if a.Equal(client) {
			return true
		}
	}
	return false
}

// All returns every parsed entry, for the DUMP/EXPORT MOUNT procedures
// and the -T CLI table dump.
func (t *Table) All() []Entry {
	return t.entries
}
