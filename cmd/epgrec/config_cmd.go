// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ManuGH/epgrec/internal/config"
	"github.com/ManuGH/epgrec/internal/version"
	"gopkg.in/yaml.v3"
)

func runConfigCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage(os.Stdout)
		return 0
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:], os.Stdout, os.Stderr)
	case "dump":
		return runConfigDump(args[1:], os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printConfigUsage(os.Stderr)
		return 2
	}
}

func printConfigUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage:")
	_, _ = fmt.Fprintln(w, "  epgrec config validate [--file|-f config.yaml]")
	_, _ = fmt.Fprintln(w, "  epgrec config dump [--file|-f config.yaml] [--format=yaml|json]")
}

func configFlags(name string, stderr io.Writer) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	var file string
	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")
	return fs, &file
}

func runConfigValidate(args []string, stdout, stderr io.Writer) int {
	fs, file := configFlags("epgrec config validate", stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		path = resolveDefaultConfigPath()
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required (no config.yaml found in $EPGREC_DATA_DIR)")
		return 2
	}

	if _, err := config.NewLoader(path, version.Version).Load(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error in %s:\n  %v\n", path, err)
		return 1
	}
	_, _ = fmt.Fprintf(stdout, "%s is valid\n", path)
	return 0
}

func runConfigDump(args []string, stdout, stderr io.Writer) int {
	fs, file := configFlags("epgrec config dump", stderr)
	format := fs.String("format", "yaml", "output format: yaml or json")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := strings.TrimSpace(*file)
	if path == "" {
		path = resolveDefaultConfigPath()
	}
	cfg, err := config.NewLoader(path, version.Version).Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Configuration error: %v\n", err)
		return 1
	}
	if cfg.Dispatch.WebhookToken != "" {
		cfg.Dispatch.WebhookToken = "***"
	}

	switch strings.ToLower(*format) {
	case "yaml":
		enc := yaml.NewEncoder(stdout)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		_ = enc.Close()
	case "json":
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	default:
		_, _ = fmt.Fprintf(stderr, "Error: unknown format %q\n", *format)
		return 2
	}
	return 0
}
