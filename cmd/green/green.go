package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/verdantlabs/green/internal"
	"github.com/verdantlabs/green/internal/cli"
	"github.com/verdantlabs/green/internal/config"
	"github.com/verdantlabs/green/internal/paths"
)

// The rustc wrapper entry point.
//
// Initializes logging, installs signal handling, and dispatches the
// invocation. Cargo reads this process's stdout and stderr, so logs go
// to a file when enabled and are suppressed below warning otherwise.
func main() {
	slog.SetDefault(logger())

	slog.Debug("build", "version", internal.VersionString())
	slog.Debug("green is running",
		"pid", os.Getpid(),
		"cwd", cwd(),
		"args", os.Args,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	code := cli.Execute(ctx)
	cancel()
	os.Exit(code)
}

// Creates the logger per the CARGOGREEN_LOG* environment.
func logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel()}

	if os.Getenv(config.EnvLog) != "" {
		path := os.Getenv(config.EnvLogPath)
		if path == "" {
			path = paths.DefaultLog()
		}
		if err := os.MkdirAll(filepath.Dir(path), paths.DefaultDirMode); err == nil {
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, paths.DefaultFileMode); err == nil {
				return slog.New(slog.NewTextHandler(f, opts))
			}
		}
	}

	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Returns the log level derived from the environment and build flags.
func logLevel() slog.Level {
	switch strings.ToLower(os.Getenv(config.EnvLog)) {
	case "debug", "trace":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	if internal.IsDebug() {
		return slog.LevelDebug
	}
	// Quiet by default: stdout/stderr belong to cargo.
	return slog.LevelWarn
}

// Returns the current working directory or "(unknown)".
func cwd() string {
	cwd, err := os.Getwd()
	if err != nil {
		return "(unknown)"
	}
	return cwd
}
