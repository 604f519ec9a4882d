// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Command epgrec runs the recording reservation engine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ManuGH/epgrec/internal/config"
	"github.com/ManuGH/epgrec/internal/daemon"
	xglog "github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/version"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "storage":
			os.Exit(runStorageCLI(os.Args[2:]))
		}
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		os.Exit(0)
	}

	// Safe defaults until the configuration is loaded.
	xglog.Configure(xglog.Config{
		Level:   "info",
		Service: "epgrec",
		Version: version.Version,
	})
	logger := xglog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := strings.TrimSpace(*configPath)
	if path == "" {
		path = resolveDefaultConfigPath()
	}

	loader := config.NewLoader(path, version.Version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(xglog.FieldEvent, "config.load_failed").
			Str(xglog.FieldPath, path).
			Msg("failed to load configuration")
	}

	xglog.Configure(xglog.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: cfg.Log.Service,
		Version: cfg.Version,
	})
	logger = xglog.WithComponent("main")

	source := "env+defaults"
	if path != "" {
		source = "file"
	}
	logger.Info().
		Str(xglog.FieldEvent, "config.loaded").
		Str("source", source).
		Str(xglog.FieldPath, path).
		Msg("configuration loaded")

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		logger.Fatal().Err(err).Str(xglog.FieldPath, cfg.DataDir).Msg("cannot create data directory")
	}

	var holder *config.Holder
	if path != "" {
		holder = config.NewHolder(cfg, loader, path)
	}

	mgr, err := daemon.Build(ctx, cfg, holder)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str(xglog.FieldEvent, "startup.failed").
			Msg("failed to initialize daemon")
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Error().Err(err).Msg("daemon stopped with error")
		os.Exit(1)
	}
	logger.Info().Msg("daemon stopped")
}

// resolveDefaultConfigPath returns $EPGREC_DATA_DIR/config.yaml when it exists.
func resolveDefaultConfigPath() string {
	dataDir := strings.TrimSpace(config.ParseString(config.EnvPrefix+"DATA_DIR", config.Defaults().DataDir))
	p := filepath.Join(dataDir, "config.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}
