package server

import (
	"github.com/unfs3go/unfsd/internal/attr"
	"github.com/unfs3go/unfsd/internal/host"
	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/nstatus"
)

// runAsCaller invokes fn under the caller's squashed credential, per
// spec.md §5: "the core switches to root, resolves/opens where privileges
// are required, switches to the caller's mapped uid/gid for the actual
// operation, and guarantees restoration on all exit paths." Scoped
// fsuid/fsgid switching only works (and only matters) when this process
// itself runs as root; an unprivileged deployment relies on the kernel's
// own permission checks against the server's fixed uid instead, matching
// what every unprivileged NFS userspace server does.
func runAsCaller(ctx *Context, cred attr.Cred, fn func() []byte) []byte {
	if !ctx.isRoot {
		return fn()
	}

	var result []byte
	err := host.WithCredential(cred.UID, cred.GID, cred.Groups, func() error {
		result = fn()
		return nil
	})
	if err != nil {
		logger.Error("credential switch failed", "uid", cred.UID, "gid", cred.GID, "err", err)
		return statusOnly(nstatus.ErrIO)
	}
	return result
}
