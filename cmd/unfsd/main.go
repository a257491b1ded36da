// Command unfsd is a user-space NFSv3 + MOUNT v1/v3 server (RFC 1813): a
// single binary, configured by a flat flag set and an exports file, with no
// subcommands — see spec.md §6.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/olekukonko/tablewriter"

	"github.com/unfs3go/unfsd/internal/config"
	"github.com/unfs3go/unfsd/internal/debughttp"
	"github.com/unfs3go/unfsd/internal/exports"
	"github.com/unfs3go/unfsd/internal/logger"
	"github.com/unfs3go/unfsd/internal/mount"
	"github.com/unfs3go/unfsd/internal/portmap"
	"github.com/unfs3go/unfsd/internal/server"
)

func main() {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		config.Usage()
		os.Exit(1)
	}
	if cfg.Help {
		config.Usage()
		os.Exit(0)
	}

	if err := logger.Init(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	expTable, err := exports.Parse(cfg.ExportsFile)
	if err != nil {
		logger.Error("failed to parse exports file", "path", cfg.ExportsFile, "error", err)
		os.Exit(1)
	}

	if cfg.ParseOnlyAndExit {
		printExportsTable(expTable)
		os.Exit(0)
	}

	if !cfg.Detach {
		if err := daemonize(os.Args[1:]); err != nil {
			fmt.Fprintln(os.Stderr, "unfsd: daemonize:", err)
			os.Exit(1)
		}
		return
	}

	os.Exit(run(cfg, expTable))
}

// daemonize re-execs the current binary with "-d" appended (so the child
// never re-daemonizes) under a new session, matching the teacher's
// daemon_unix.go re-exec pattern: detach stdio, Setsid, print the child's
// PID, and let the parent return immediately.
func daemonize(argv []string) error {
	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable path: %w", err)
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	childArgs := append(append([]string{}, argv...), "-d")
	cmd := exec.Command(executable, childArgs...)
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	fmt.Printf("unfsd started in background (PID %d)\n", cmd.Process.Pid)
	return nil
}

// run executes the server in the foreground: bind listeners, register with
// the portmapper, install signal handling, and block until a clean shutdown
// signal arrives. Its return value is the process exit code.
func run(cfg *config.Config, expTable *exports.Table) int {
	ctx, err := server.New(cfg, expTable)
	if err != nil {
		logger.Error("failed to build server context", "error", err)
		return 1
	}

	listeners, err := server.Bind(cfg)
	if err != nil {
		logger.Error("failed to bind listeners", "error", err)
		return 1
	}
	defer listeners.Close()

	var pidFile *server.PIDFile
	if cfg.PIDFile != "" {
		pidFile, err = server.WritePIDFile(cfg.PIDFile)
		if err != nil {
			logger.Error("failed to write pid file", "error", err)
			return 1
		}
		defer pidFile.Remove()
	}

	var pmClient *portmap.Client
	if !cfg.SkipPortmap {
		pmClient = portmap.NewClient("127.0.0.1:111")
		portmap.RegisterAll(pmClient, 100003, 3, 100005, []uint32{mount.Version1, mount.Version3},
			uint32(listeners.NFSPort()), uint32(listeners.MountPort()))
	}

	var debugSrv *debughttp.Server
	if cfg.DebugHTTPAddr != "" {
		debugSrv = debughttp.New(cfg.DebugHTTPAddr, func() debughttp.CacheSnapshot {
			fhSize, fd, verifier, epoch, mounts := ctx.Snapshot()
			return debughttp.CacheSnapshot{
				FHCacheSize:   fhSize,
				FDCache:       fd,
				WriteVerifier: fmt.Sprintf("%x", verifier),
				ReaddirEpoch:  epoch,
				MountCount:    mounts,
			}
		})
		go func() {
			if err := debugSrv.Serve(); err != nil {
				logger.Warn("debug http listener stopped", "error", err)
			}
		}()
		defer func() { _ = debugSrv.Shutdown(context.Background()) }()
	}

	logger.Info("unfsd starting",
		"nfs_port", listeners.NFSPort(), "mount_port", listeners.MountPort(),
		"exports", cfg.ExportsFile, "pid", os.Getpid())

	stop := make(chan struct{})
	go server.HandleSignals(ctx, cfg.ExportsFile, stop)

	server.Serve(ctx, listeners, stop)

	server.Shutdown(ctx, pmClient, []uint32{mount.Version1, mount.Version3},
		uint32(listeners.NFSPort()), uint32(listeners.MountPort()))
	logger.Info("unfsd stopped")
	return 0
}

func printExportsTable(t *exports.Table) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"path", "host", "ro", "squash", "password", "fsid"})
	for _, e := range t.All() {
		squash := "root_squash"
		switch {
		case e.AllSquash:
			squash = "all_squash"
		case e.NoRootSquash:
			squash = "no_root_squash"
		}
		ro := "rw"
		if e.ReadOnly {
			ro = "ro"
		}
		hasPW := "no"
		if e.Password != "" {
			hasPW = "yes"
		}
		fsid := ""
		if e.HasFSID {
			fsid = fmt.Sprintf("%d", e.FSID)
		}
		table.Append([]string{e.Path, e.Host, ro, squash, hasPW, fsid})
	}
	table.Render()
}
