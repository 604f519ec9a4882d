// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package config loads the daemon configuration from defaults, a strict
// YAML file and EPGREC_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
)

// AppConfig is the effective configuration of the daemon.
type AppConfig struct {
	Version string `yaml:"-"`

	DataDir    string `yaml:"dataDir"`
	DBPath     string `yaml:"dbPath"`
	ExportPath string `yaml:"exportPath"`
	Timezone   string `yaml:"timezone"`

	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Format  string `yaml:"format"` // json or console
	Service string `yaml:"service"`
}

// EngineConfig controls the recompute engine and its refresh scheduler.
type EngineConfig struct {
	Horizon         time.Duration  `yaml:"horizon"`
	LockWindow      time.Duration  `yaml:"lockWindow"`
	RefreshInterval time.Duration  `yaml:"refreshInterval"`
	StartupDelay    time.Duration  `yaml:"startupDelay"`
	Tuners          map[string]int `yaml:"tuners"`
}

type EncodeModeConfig struct {
	Mode      int    `yaml:"mode"`
	Directory string `yaml:"directory"`
}

// DefaultsConfig holds the record options applied when neither the
// reservation nor its rule sets them.
type DefaultsConfig struct {
	Directory      string             `yaml:"directory"`
	RecordedFormat string             `yaml:"recordedFormat"`
	Encode         []EncodeModeConfig `yaml:"encode"`
	DelTs          bool               `yaml:"delTs"`
}

// DispatchConfig configures delivery of capture instructions. An empty
// WebhookURL only logs them.
type DispatchConfig struct {
	WebhookURL       string        `yaml:"webhookUrl"`
	WebhookToken     string        `yaml:"webhookToken"`
	Timeout          time.Duration `yaml:"timeout"`
	RetryInterval    time.Duration `yaml:"retryInterval"`
	RetryRate        float64       `yaml:"retryRate"`
	BreakerThreshold int           `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listenAddr"`
}

type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled"`
	Exporter     string  `yaml:"exporter"`
	Endpoint     string  `yaml:"endpoint"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"samplingRate"`
}

// Defaults returns the built-in configuration.
func Defaults() AppConfig {
	return AppConfig{
		DataDir:  "/var/lib/epgrec",
		Timezone: "Asia/Tokyo",
		Log: LogConfig{
			Level:   "info",
			Format:  "json",
			Service: "epgrec",
		},
		Engine: EngineConfig{
			Horizon:         8 * 24 * time.Hour,
			LockWindow:      5 * time.Minute,
			RefreshInterval: time.Minute,
			StartupDelay:    5 * time.Second,
			Tuners:          map[string]int{"GR": 1, "BS": 1, "CS": 1, "SKY": 0},
		},
		Dispatch: DispatchConfig{
			Timeout:          10 * time.Second,
			RetryInterval:    10 * time.Second,
			RetryRate:        5,
			BreakerThreshold: 3,
			BreakerReset:     30 * time.Second,
		},
		Metrics: MetricsConfig{ListenAddr: ":9464"},
		Telemetry: TelemetryConfig{
			Exporter:     "grpc",
			Environment:  "production",
			SamplingRate: 1.0,
		},
	}
}

// ResolvePaths fills paths derived from DataDir.
func (c *AppConfig) ResolvePaths() {
	if abs, err := filepath.Abs(c.DataDir); err == nil {
		c.DataDir = abs
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "epgrec.sqlite")
	}
	if c.ExportPath == "" {
		c.ExportPath = filepath.Join(c.DataDir, "reserves.json")
	}
}

// EngineSettings converts the configuration into an engine settings
// snapshot.
func (c AppConfig) EngineSettings() (dvr.Settings, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return dvr.Settings{}, fmt.Errorf("load timezone %q: %w", c.Timezone, err)
	}

	tuners := make(dvr.Capacity, len(c.Engine.Tuners))
	for _, k := range slices.Sorted(maps.Keys(c.Engine.Tuners)) {
		ct, err := epg.ParseChannelType(k)
		if err != nil {
			return dvr.Settings{}, err
		}
		tuners[ct] = c.Engine.Tuners[k]
	}

	var enc dvr.Encode
	for i, m := range c.Defaults.Encode {
		if i >= dvr.MaxEncodeModes {
			break
		}
		enc.Modes[i] = &dvr.EncodeMode{Mode: m.Mode, Directory: m.Directory}
	}
	delTs := c.Defaults.DelTs
	enc.DelTs = &delTs

	return dvr.Settings{
		Tuners:     tuners,
		Horizon:    c.Engine.Horizon,
		LockWindow: c.Engine.LockWindow,
		Location:   loc,
		Defaults: dvr.Defaults{
			RecordOption: dvr.RecordOption{
				Directory:      c.Defaults.Directory,
				RecordedFormat: c.Defaults.RecordedFormat,
			},
			Encode: enc,
		},
	}, nil
}
