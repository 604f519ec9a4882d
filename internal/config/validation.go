// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"fmt"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/validate"
)

// Validate checks cfg and returns a validate.ValidationError listing every
// problem found.
func Validate(cfg AppConfig) error {
	v := validate.New()

	v.NotEmpty("dataDir", cfg.DataDir)
	v.OneOf("log.level", cfg.Log.Level, validate.LogLevels)
	v.OneOf("log.format", cfg.Log.Format, []string{"json", "console"})
	if _, err := time.LoadLocation(cfg.Timezone); err != nil {
		v.AddError("timezone", err.Error(), cfg.Timezone)
	}

	v.PositiveDuration("engine.horizon", cfg.Engine.Horizon)
	v.MinDuration("engine.lockWindow", cfg.Engine.LockWindow, 0)
	v.MinDuration("engine.refreshInterval", cfg.Engine.RefreshInterval, time.Second)
	for k, n := range cfg.Engine.Tuners {
		field := "engine.tuners." + k
		if !epg.ChannelType(k).Valid() {
			v.AddError(field, "unknown channel type", k)
			continue
		}
		v.Range(field, n, 0, 64)
	}

	if len(cfg.Defaults.Encode) > dvr.MaxEncodeModes {
		v.AddError("defaults.encode", fmt.Sprintf("at most %d encode modes", dvr.MaxEncodeModes), len(cfg.Defaults.Encode))
	}
	for i, m := range cfg.Defaults.Encode {
		v.NonNegative(fmt.Sprintf("defaults.encode[%d].mode", i), m.Mode)
	}

	v.HTTPURL("dispatch.webhookUrl", cfg.Dispatch.WebhookURL)
	v.PositiveDuration("dispatch.retryInterval", cfg.Dispatch.RetryInterval)
	if cfg.Dispatch.RetryRate <= 0 {
		v.AddError("dispatch.retryRate", "must be positive", cfg.Dispatch.RetryRate)
	}
	v.NonNegative("dispatch.breakerThreshold", cfg.Dispatch.BreakerThreshold)

	v.ListenAddr("metrics.listenAddr", cfg.Metrics.ListenAddr)

	if cfg.Telemetry.Enabled {
		v.OneOf("telemetry.exporter", cfg.Telemetry.Exporter, []string{"grpc", "http"})
		v.NotEmpty("telemetry.endpoint", cfg.Telemetry.Endpoint)
		v.Fraction("telemetry.samplingRate", cfg.Telemetry.SamplingRate)
	}

	return v.Err()
}
