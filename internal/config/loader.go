// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of every environment variable the loader reads.
const EnvPrefix = "EPGREC_"

// Loader handles configuration loading with precedence ENV > file > defaults.
type Loader struct {
	configPath      string
	version         string
	ConsumedEnvKeys map[string]struct{}
}

// NewLoader creates a loader. An empty configPath skips the file layer.
func NewLoader(configPath, version string) *Loader {
	return &Loader{
		configPath:      configPath,
		version:         version,
		ConsumedEnvKeys: make(map[string]struct{}),
	}
}

func (l *Loader) envString(key, defaultVal string) string {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseString(key, defaultVal)
}

func (l *Loader) envBool(key string, defaultVal bool) bool {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseBool(key, defaultVal)
}

func (l *Loader) envInt(key string, defaultVal int) int {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseInt(key, defaultVal)
}

func (l *Loader) envFloat(key string, defaultVal float64) float64 {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseFloat(key, defaultVal)
}

func (l *Loader) envDuration(key string, defaultVal time.Duration) time.Duration {
	l.ConsumedEnvKeys[key] = struct{}{}
	return ParseDuration(key, defaultVal)
}

// Load builds the configuration: defaults, then the strict YAML file, then
// the environment. The result is validated.
func (l *Loader) Load() (AppConfig, error) {
	cfg := Defaults()

	if l.configPath != "" {
		if err := l.loadFile(l.configPath, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	l.mergeEnv(&cfg)
	l.warnUnknownEnv()

	cfg.Version = l.version
	cfg.ResolvePaths()

	if err := Validate(cfg); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFile decodes the YAML file at path over cfg. Unknown fields are an
// error.
func (l *Loader) loadFile(path string, cfg *AppConfig) error {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

func (l *Loader) mergeEnv(cfg *AppConfig) {
	cfg.DataDir = l.envString(EnvPrefix+"DATA_DIR", cfg.DataDir)
	cfg.DBPath = l.envString(EnvPrefix+"DB_PATH", cfg.DBPath)
	cfg.ExportPath = l.envString(EnvPrefix+"EXPORT_PATH", cfg.ExportPath)
	cfg.Timezone = l.envString(EnvPrefix+"TIMEZONE", cfg.Timezone)

	cfg.Log.Level = l.envString(EnvPrefix+"LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = l.envString(EnvPrefix+"LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Service = l.envString(EnvPrefix+"LOG_SERVICE", cfg.Log.Service)

	cfg.Engine.Horizon = l.envDuration(EnvPrefix+"HORIZON", cfg.Engine.Horizon)
	cfg.Engine.LockWindow = l.envDuration(EnvPrefix+"LOCK_WINDOW", cfg.Engine.LockWindow)
	cfg.Engine.RefreshInterval = l.envDuration(EnvPrefix+"REFRESH_INTERVAL", cfg.Engine.RefreshInterval)
	cfg.Engine.StartupDelay = l.envDuration(EnvPrefix+"STARTUP_DELAY", cfg.Engine.StartupDelay)
	if cfg.Engine.Tuners == nil {
		cfg.Engine.Tuners = make(map[string]int)
	}
	for _, ct := range epg.ChannelTypes {
		k := string(ct)
		cfg.Engine.Tuners[k] = l.envInt(EnvPrefix+"TUNERS_"+k, cfg.Engine.Tuners[k])
	}

	cfg.Dispatch.WebhookURL = l.envString(EnvPrefix+"DISPATCH_WEBHOOK_URL", cfg.Dispatch.WebhookURL)
	cfg.Dispatch.WebhookToken = l.envString(EnvPrefix+"DISPATCH_WEBHOOK_TOKEN", cfg.Dispatch.WebhookToken)
	cfg.Dispatch.Timeout = l.envDuration(EnvPrefix+"DISPATCH_TIMEOUT", cfg.Dispatch.Timeout)
	cfg.Dispatch.RetryInterval = l.envDuration(EnvPrefix+"DISPATCH_RETRY_INTERVAL", cfg.Dispatch.RetryInterval)
	cfg.Dispatch.RetryRate = l.envFloat(EnvPrefix+"DISPATCH_RETRY_RATE", cfg.Dispatch.RetryRate)

	cfg.Metrics.ListenAddr = l.envString(EnvPrefix+"METRICS_LISTEN", cfg.Metrics.ListenAddr)

	cfg.Telemetry.Enabled = l.envBool(EnvPrefix+"TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.Exporter = l.envString(EnvPrefix+"TELEMETRY_EXPORTER", cfg.Telemetry.Exporter)
	cfg.Telemetry.Endpoint = l.envString(EnvPrefix+"TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = l.envFloat(EnvPrefix+"TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
}

// warnUnknownEnv logs EPGREC_* variables nothing reads; usually typos.
func (l *Loader) warnUnknownEnv() {
	var unknown []string
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if !strings.HasPrefix(key, EnvPrefix) {
			continue
		}
		if _, ok := l.ConsumedEnvKeys[key]; !ok {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) == 0 {
		return
	}
	slices.Sort(unknown)
	logger := log.WithComponent("config")
	logger.Warn().Strs("keys", unknown).Msg("ignoring unknown environment variables")
}
