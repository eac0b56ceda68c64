// Copyright 2026 The Tetherd Authors
// SPDX-License-Identifier: Apache-2.0

// Tetherd is the headless remote-development daemon. It accepts
// client connections over TCP, tracks project worktrees with
// versioned snapshots, streams diffs both ways, and proxies
// language-analysis subprocesses per project.
//
// On startup:
//  1. Loads configuration from --config (or TETHERD_CONFIG).
//  2. Binds the listen address and accepts connections.
//  3. Each connection opens with session-hello or session-resume;
//     everything after rides the framed session protocol.
//
// SIGINT/SIGTERM drain: the listener closes, sessions tear down, and
// subprocesses are killed before exit.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tetherhq/tetherd/host"
	"github.com/tetherhq/tetherd/lib/config"
	"github.com/tetherhq/tetherd/lib/process"
	"github.com/tetherhq/tetherd/lib/version"
	"github.com/tetherhq/tetherd/transport"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		listen      string
		logLevel    string
		showVersion bool
	)
	pflag.StringVar(&configPath, "config", "", "path to the daemon config file (default: $TETHERD_CONFIG)")
	pflag.StringVar(&listen, "listen", "", "listen address override")
	pflag.StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	pflag.BoolVar(&showVersion, "version", false, "print version and exit")
	pflag.Parse()

	if showVersion {
		fmt.Println(version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Listen = listen
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slogLevel(cfg.LogLevel),
	}))
	logger.Info("tetherd starting",
		"version", version.Info(),
		"listen", cfg.Listen,
		"projects", len(cfg.Projects))

	h := host.New(host.Options{Config: cfg, Logger: logger})

	listener, err := transport.NewTCPListener(cfg.Listen)
	if err != nil {
		return err
	}
	logger.Info("listening", "address", listener.Address())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- listener.Serve(ctx, h.HandleConn)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("accept loop: %w", err)
		}
	}

	listener.Close()
	h.Shutdown()
	logger.Info("tetherd stopped")
	return nil
}

func slogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
