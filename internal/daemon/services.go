// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/ManuGH/epgrec/internal/config"
	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// funcService adapts a blocking function to suture.Service.
type funcService struct {
	name string
	run  func(ctx context.Context) error
}

func (s funcService) Serve(ctx context.Context) error { return s.run(ctx) }
func (s funcService) String() string                  { return s.name }

// settingsApplier turns configuration reloads into engine settings and a
// recompute.
type settingsApplier struct {
	engine  *dvr.Engine
	updates chan config.AppConfig
	logger  zerolog.Logger
}

func newSettingsApplier(engine *dvr.Engine, holder *config.Holder) *settingsApplier {
	a := &settingsApplier{
		engine:  engine,
		updates: make(chan config.AppConfig, 1),
		logger:  log.WithComponent("settings"),
	}
	holder.RegisterListener(a.updates)
	return a
}

func (a *settingsApplier) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cfg := <-a.updates:
			a.apply(cfg)
		}
	}
}

func (a *settingsApplier) apply(cfg config.AppConfig) {
	s, err := cfg.EngineSettings()
	if err != nil {
		a.logger.Error().Err(err).Msg("reloaded configuration not applied")
		return
	}
	log.Configure(log.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Service: cfg.Log.Service, Version: cfg.Version})
	a.engine.SetSettings(s)
	a.engine.Trigger(dvr.TriggerConfig)
	a.logger.Info().Msg("engine settings updated from configuration")
}

func (a *settingsApplier) String() string { return "settings-applier" }

// httpService runs an http.Server until ctx is done.
type httpService struct {
	name   string
	server *http.Server
	logger zerolog.Logger
}

func (s *httpService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("%s listen: %w", s.name, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("http server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s: %w", s.name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("http server shutdown")
		}
		<-errCh
		return ctx.Err()
	}
}

func (s *httpService) String() string { return s.name }

// eventHook logs supervisor events.
func eventHook(logger zerolog.Logger) suture.EventHook {
	return func(ev suture.Event) {
		e := logger.Warn()
		if ev.Type() == suture.EventTypeResume {
			e = logger.Info()
		}
		e.Fields(ev.Map()).Str(log.FieldEvent, "supervisor."+eventName(ev.Type())).Msg(ev.String())
	}
}

func eventName(t suture.EventType) string {
	switch t {
	case suture.EventTypeStopTimeout:
		return "stop_timeout"
	case suture.EventTypeServicePanic:
		return "service_panic"
	case suture.EventTypeServiceTerminate:
		return "service_terminate"
	case suture.EventTypeBackoff:
		return "backoff"
	case suture.EventTypeResume:
		return "resume"
	}
	return "unknown"
}
