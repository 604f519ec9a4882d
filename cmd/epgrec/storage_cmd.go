// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/ManuGH/epgrec/internal/config"
	"github.com/ManuGH/epgrec/internal/persistence/sqlite"
	"github.com/ManuGH/epgrec/internal/version"
)

func runStorageCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printStorageUsage(os.Stdout)
		return 0
	}

	switch args[0] {
	case "verify":
		return runStorageVerify(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printStorageUsage(os.Stderr)
		return 2
	}
}

func printStorageUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  epgrec storage verify [--path PATH] [--mode quick|full]")
	_, _ = fmt.Fprintln(w, "")
	_, _ = fmt.Fprintln(w, "Flags:")
	_, _ = fmt.Fprintln(w, "  --path string  SQLite database file (default: the configured database)")
	_, _ = fmt.Fprintln(w, "  --mode string  Verification mode: quick (default) or full")
}

func runStorageVerify(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("epgrec storage verify", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var path, mode string
	fs.StringVar(&path, "path", "", "Path to the SQLite database file")
	fs.StringVar(&mode, "mode", "quick", "Verification mode: quick or full")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode != "quick" && mode != "full" {
		_, _ = fmt.Fprintf(stderr, "Error: invalid mode %q. Use 'quick' or 'full'.\n", mode)
		return 2
	}

	if path == "" {
		cfg, err := config.NewLoader(resolveDefaultConfigPath(), version.Version).Load()
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
			return 1
		}
		path = cfg.DBPath
	}
	if _, err := os.Stat(path); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	issues, err := sqlite.VerifyIntegrity(ctx, path, mode)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if len(issues) > 0 {
		_, _ = fmt.Fprintf(stderr, "%s: integrity check failed\n", path)
		for _, issue := range issues {
			_, _ = fmt.Fprintf(stderr, "  %s\n", issue)
		}
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s: ok (%s)\n", path, mode)
	return 0
}
