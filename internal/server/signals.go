package server

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/portmap"
)

// HandleSignals implements spec.md §6's signal table: SIGHUP re-reads the
// exports file, SIGUSR1 logs the cache snapshot, SIGTERM/SIGINT/SIGQUIT
// trigger the stop channel for a clean shutdown, SIGSEGV logs and exits
// immediately, and SIGPIPE/SIGUSR2/SIGALRM are ignored (explicitly, so Go's
// default SIGPIPE-kills-the-process behaviour for a half-closed socket
// write never takes this server down). It runs until stop is closed.
func HandleSignals(ctx *Context, exportsFile string, stop chan<- struct{}) {
	ch := make(chan os.Signal, 8)
	signal.Notify(ch,
		syscall.SIGHUP, syscall.SIGUSR1,
		syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT,
		syscall.SIGSEGV,
		syscall.SIGPIPE, syscall.SIGUSR2, syscall.SIGALRM,
	)
	defer signal.Stop(ch)

	for sig := range ch {
		switch sig {
		case syscall.SIGHUP:
			if err := ctx.Reload(exportsFile); err != nil {
				logger.Error("exports reload failed", "error", err)
				continue
			}
			logger.Info("exports reloaded", "path", exportsFile)

		case syscall.SIGUSR1:
			fhSize, fd, verifier, epoch, mounts := ctx.Snapshot()
			logger.Info("cache stats",
				"fh_cache_size", fhSize,
				"fd_unused", fd.Unused, "fd_open", fd.Open, "fd_pending_error", fd.PendingError,
				"write_verifier", verifier,
				"readdir_epoch", epoch,
				"mounts", mounts,
			)

		case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
			logger.Info("shutting down", "signal", sig)
			close(stop)
			return

		case syscall.SIGSEGV:
			logger.Error("SIGSEGV received, exiting")
			os.Exit(1)

		case syscall.SIGPIPE, syscall.SIGUSR2, syscall.SIGALRM:
			// Ignored, per spec.md §6.
		}
	}
}

// Shutdown deregisters from the portmapper (if registered) and purges the
// FD cache, logging any errors surfaced from in-flight writes — the
// "deregisters with the portmap binder, purges C5" half of spec.md §4.9's
// fatal-signal path, shared with the clean-shutdown path since both must
// leave no dangling registration or unflushed descriptor behind.
func Shutdown(ctx *Context, pmClient *portmap.Client, mountVersions []uint32, nfsPort, mountPort uint32) {
	if pmClient != nil {
		portmap.DeregisterAll(pmClient, 100003, 3, 100005, mountVersions)
	}
	for _, err := range ctx.FDCache.Purge() {
		logger.Error("fd cache purge surfaced a deferred error", "error", err)
	}
}
