// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package daemon supervises the long-running parts of epgrec.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

// ShutdownHook is a function that performs cleanup during graceful shutdown.
// Hooks are executed in reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

type namedHook struct {
	name string
	hook ShutdownHook
}

// Manager runs the engine controller, the refresh scheduler, the dispatch
// retry loop, the config watcher and the metrics server under one suture
// supervisor.
type Manager struct {
	deps   Deps
	logger zerolog.Logger

	shutdownHooks []namedHook

	mu       sync.Mutex
	started  bool
	stopping bool
}

// NewManager creates a manager for deps.
func NewManager(deps Deps) (*Manager, error) {
	if err := deps.Validate(); err != nil {
		return nil, fmt.Errorf("invalid dependencies: %w", err)
	}
	return &Manager{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "manager").Logger(),
	}, nil
}

// Handler serves /metrics and /healthz.
func (m *Manager) Handler() http.Handler {
	mux := http.NewServeMux()
	if m.deps.MetricsHandler != nil {
		mux.Handle("/metrics", m.deps.MetricsHandler)
	}
	mux.Handle("/healthz", healthHandler(m.deps.Engine, m.deps.Queue))
	return mux
}

func (m *Manager) supervisor() *suture.Supervisor {
	root := suture.New("epgrec", suture.Spec{
		EventHook:        eventHook(m.logger),
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          10 * time.Second,
	})

	root.Add(funcService{name: "engine", run: m.deps.Engine.Run})
	if m.deps.Scheduler != nil {
		root.Add(m.deps.Scheduler)
	}
	if m.deps.Queue != nil {
		root.Add(m.deps.Queue)
	}
	if m.deps.Holder != nil {
		root.Add(m.deps.Holder)
		root.Add(newSettingsApplier(m.deps.Engine, m.deps.Holder))
	}
	if addr := m.deps.Config.Metrics.ListenAddr; addr != "" {
		root.Add(&httpService{
			name: "metrics-server",
			server: &http.Server{
				Addr:              addr,
				Handler:           m.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			},
			logger: m.logger,
		})
	}
	return root
}

// Start runs all services and blocks until ctx is cancelled, then runs the
// shutdown hooks.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errAlreadyStarted
	}
	m.started = true
	m.mu.Unlock()

	m.logger.Info().
		Str("metrics", m.deps.Config.Metrics.ListenAddr).
		Str("db", m.deps.Config.DBPath).
		Msg("Starting daemon manager")

	root := m.supervisor()
	m.deps.Engine.Trigger(dvr.TriggerStartup)
	err := root.Serve(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	shutdownErr := m.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		return errors.Join(err, shutdownErr)
	}
	return shutdownErr
}

// Shutdown runs the shutdown hooks once.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	if !m.started {
		m.mu.Unlock()
		return ErrManagerNotStarted
	}
	m.stopping = true
	hooks := append([]namedHook(nil), m.shutdownHooks...)
	m.mu.Unlock()

	m.logger.Info().Msg("Shutting down daemon manager")

	var errs []error
	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("Shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().Str("hook", h.name).Dur("duration", time.Since(start)).Msg("Shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Msg("Daemon manager stopped cleanly")
	return nil
}

// RegisterShutdownHook registers a cleanup function to be called during shutdown.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHooks = append(m.shutdownHooks, namedHook{name: name, hook: hook})
}
