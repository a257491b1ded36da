// Package config parses unfsd's CLI flags into a validated Config. The
// flag surface is the literal getopt-style switch set from spec.md §6;
// parsing uses spf13/pflag for GNU-style short flags, and the resulting
// struct is checked with go-playground/validator/v10 the way the teacher
// validates its own Config struct.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
)

// Config is the fully parsed, validated set of unfsd's startup options.
type Config struct {
	Detach           bool   // -d: true stays attached to the terminal; false (the default) daemonizes
	ExportsFile      string `validate:"required"`
	PIDFile          string
	NFSPort          int `validate:"gte=0,lte=65535"`
	MountPort        int `validate:"gte=0,lte=65535"`
	Unprivileged     bool // -u
	TCPOnly          bool // -t
	SkipPortmap      bool // -p
	SingleUser       bool // -s
	BruteForce       bool // -b
	BindAddr         string
	ReadableExecs    bool   // -r
	ParseOnlyAndExit bool   // -T
	Help             bool   // -h
	DebugHTTPAddr    string // enables the optional debug listener when non-empty
	LogLevel         string
	LogFormat        string
}

var validate = validator.New()

// Parse parses argv (excluding the program name) into a Config, applying
// unfsd's defaults before validation. It returns Help=true without error
// when -h was given; callers print usage and exit 0 in that case.
func Parse(argv []string) (*Config, error) {
	fs := pflag.NewFlagSet("unfsd", pflag.ContinueOnError)

	cfg := &Config{
		ExportsFile: "/etc/exports",
		NFSPort:     2049,
		MountPort:   635,
		LogLevel:    "INFO",
		LogFormat:   "text",
	}

	fs.BoolVarP(&cfg.Detach, "stay-attached", "d", false, "stay attached to the controlling terminal instead of daemonizing")
	fs.StringVarP(&cfg.ExportsFile, "exports", "e", cfg.ExportsFile, "exports file path (must be absolute)")
	fs.StringVarP(&cfg.PIDFile, "pid-file", "i", "", "pid file path")
	fs.IntVarP(&cfg.NFSPort, "nfs-port", "n", cfg.NFSPort, "NFS service port")
	fs.IntVarP(&cfg.MountPort, "mount-port", "m", cfg.MountPort, "MOUNT service port")
	fs.BoolVarP(&cfg.Unprivileged, "unprivileged", "u", false, "bind unprivileged (ephemeral) ports")
	fs.BoolVarP(&cfg.TCPOnly, "tcp-only", "t", false, "serve TCP only, no UDP")
	fs.BoolVarP(&cfg.SkipPortmap, "no-portmap", "p", false, "skip portmap registration")
	fs.BoolVarP(&cfg.SingleUser, "single-user", "s", false, "single-user mode")
	fs.BoolVarP(&cfg.BruteForce, "brute-force", "b", false, "enable brute-force mountpoint-scan filehandle resolution")
	fs.StringVarP(&cfg.BindAddr, "bind", "l", "", "interface address to bind")
	fs.BoolVarP(&cfg.ReadableExecs, "readable-executables", "r", false, "propagate execute bits into read bits")
	fs.BoolVarP(&cfg.ParseOnlyAndExit, "parse-only", "T", false, "parse the exports file and exit")
	fs.BoolVarP(&cfg.Help, "help", "h", false, "show usage")
	fs.StringVar(&cfg.DebugHTTPAddr, "debug-http", "", "bind address for the optional /metrics and /debug/cache listener (disabled if empty)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "DEBUG, INFO, WARN or ERROR")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "text or json")

	if err := fs.Parse(argv); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	if cfg.Help {
		return cfg, nil
	}

	if cfg.Unprivileged {
		if !fs.Changed("nfs-port") {
			cfg.NFSPort = 0
		}
		if !fs.Changed("mount-port") {
			cfg.MountPort = 0
		}
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if !filepath.IsAbs(cfg.ExportsFile) {
		return nil, fmt.Errorf("-e exports file path must be absolute, got %q", cfg.ExportsFile)
	}
	return cfg, nil
}

// Usage writes a one-line usage banner to stderr, for -h and parse errors.
// It lists no flags: the flag set whose defaults it prints is a fresh, empty
// one.
func Usage() {
	fs := pflag.NewFlagSet("unfsd", pflag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	fmt.Fprintln(os.Stderr, "usage: unfsd [options]")
	fs.PrintDefaults()
}
