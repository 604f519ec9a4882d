// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"fmt"

	"github.com/ManuGH/epgrec/internal/config"
	"github.com/ManuGH/epgrec/internal/dispatch"
	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/encode"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/persistence/sqlite"
	"github.com/ManuGH/epgrec/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Build wires the store, dispatcher, encode tracker, engine and scheduler
// for cfg. The returned manager owns them and closes them on shutdown.
func Build(ctx context.Context, cfg config.AppConfig, holder *config.Holder) (*Manager, error) {
	settings, err := cfg.EngineSettings()
	if err != nil {
		return nil, err
	}

	tp, err := telemetry.NewProvider(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Log.Service,
		ServiceVersion: cfg.Version,
		Environment:    cfg.Telemetry.Environment,
		ExporterType:   cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		SamplingRate:   cfg.Telemetry.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	store, err := sqlite.NewStore(ctx, cfg.DBPath, sqlite.DefaultConfig())
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}

	var backend dvr.Dispatcher = dispatch.NewLogBackend()
	if cfg.Dispatch.WebhookURL != "" {
		backend = dispatch.NewWebhook(cfg.Dispatch.WebhookURL, cfg.Dispatch.WebhookToken, cfg.Dispatch.Timeout)
	}
	queue := dispatch.NewQueue(backend, dispatch.Config{
		RetryInterval:    cfg.Dispatch.RetryInterval,
		RetryRate:        rate.Limit(cfg.Dispatch.RetryRate),
		BreakerThreshold: cfg.Dispatch.BreakerThreshold,
		BreakerReset:     cfg.Dispatch.BreakerReset,
	})

	tracker := encode.NewTracker()
	engine := dvr.NewEngine(store, queue, settings,
		dvr.WithCaptureSink(tracker),
		dvr.WithExportPath(cfg.ExportPath),
	)
	if err := engine.Restore(ctx); err != nil {
		_ = store.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	sched := dvr.NewScheduler(engine)
	if cfg.Engine.RefreshInterval > 0 {
		sched.BaseInterval = cfg.Engine.RefreshInterval
		if sched.MaxInterval < sched.BaseInterval {
			sched.MaxInterval = sched.BaseInterval
		}
	}
	if cfg.Engine.StartupDelay > 0 {
		sched.StartupDelay = cfg.Engine.StartupDelay
	}

	m, err := NewManager(Deps{
		Logger:         log.WithComponent("daemon"),
		Config:         cfg,
		Engine:         engine,
		Scheduler:      sched,
		Queue:          queue,
		Encoder:        tracker,
		Holder:         holder,
		MetricsHandler: promhttp.Handler(),
	})
	if err != nil {
		_ = store.Close()
		_ = tp.Shutdown(ctx)
		return nil, err
	}

	m.RegisterShutdownHook("telemetry", tp.Shutdown)
	m.RegisterShutdownHook("store", func(context.Context) error { return store.Close() })
	return m, nil
}
