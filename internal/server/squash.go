package server

import (
	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/onc"
)

// defaultAnonUID/defaultAnonGID are the conventional "nobody"/"nogroup" ids used when an
// export's squash flags apply but no explicit anonuid/anongid override was
// configured, matching what every common NFS server defaults to.
const (
	defaultAnonUID uint32 = 65534
	defaultAnonGID uint32 = 65534
)

// squash maps a raw AUTH_UNIX credential through an export's squash flags
// into the credential the rest of the request is served under, per
// spec.md §5: "the mapping obeys export squash flags (no_root_squash,
// all_squash, anonuid, anongid)". A call with no AUTH_UNIX credential
// (AUTH_NULL, or a flavor this server doesn't parse) is treated as the
// anonymous identity, never as root.
func squash(entry exports.Entry, cred *onc.UnixCred) attr.Cred {
	anonUID, anonGID := defaultAnonUID, defaultAnonGID
	if entry.HasAnonUID {
		anonUID = entry.AnonUID
	}
	if entry.HasAnonGID {
		anonGID = entry.AnonGID
	}

	if cred == nil {
		return attr.Cred{UID: anonUID, GID: anonGID}
	}

	if entry.AllSquash {
		return attr.Cred{UID: anonUID, GID: anonGID}
	}
	if cred.UID == 0 && !entry.NoRootSquash {
		return attr.Cred{UID: anonUID, GID: anonGID}
	}
	return attr.Cred{UID: cred.UID, GID: cred.GID, Groups: cred.GIDs}
}
