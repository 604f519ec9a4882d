// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"fmt"
	"maps"
	"sync"
	"time"

	xglog "github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/metrics"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// Holder holds the effective configuration and reloads it from the file
// when it changes. A failed reload keeps the previous configuration.
type Holder struct {
	mu         sync.RWMutex
	current    AppConfig
	loader     *Loader
	configPath string
	logger     zerolog.Logger

	listenMu  sync.RWMutex
	listeners []chan<- AppConfig
}

// NewHolder creates a holder with an already loaded configuration.
func NewHolder(initial AppConfig, loader *Loader, configPath string) *Holder {
	return &Holder{
		current:    initial,
		loader:     loader,
		configPath: configPath,
		logger:     xglog.WithComponent("config"),
	}
}

// Get returns the current configuration.
func (h *Holder) Get() AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload loads and validates the configuration again and swaps it in.
func (h *Holder) Reload(_ context.Context) error {
	h.logger.Info().Str(xglog.FieldEvent, "config.reload_start").Msg("reloading configuration")

	next, err := h.loader.Load()
	if err != nil {
		metrics.RecordConfigReload(err)
		h.logger.Error().
			Err(err).
			Str(xglog.FieldEvent, "config.reload_failed").
			Msg("failed to load new configuration")
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	old := h.current
	h.current = next
	h.mu.Unlock()

	h.logChanges(old, next)
	h.notifyListeners(next)
	metrics.RecordConfigReload(nil)

	h.logger.Info().Str(xglog.FieldEvent, "config.reload_success").Msg("configuration reloaded successfully")
	return nil
}

// RegisterListener registers a channel that receives every successfully
// reloaded configuration. Sends never block; a full channel misses the
// update.
func (h *Holder) RegisterListener(ch chan<- AppConfig) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	h.listeners = append(h.listeners, ch)
}

func (h *Holder) notifyListeners(cfg AppConfig) {
	h.listenMu.RLock()
	defer h.listenMu.RUnlock()

	for _, ch := range h.listeners {
		select {
		case ch <- cfg:
		default:
			h.logger.Warn().
				Str(xglog.FieldEvent, "config.listener_skip").
				Msg("skipped notifying listener (channel full)")
		}
	}
}

// Serve watches the config file until ctx is done. Without a config file
// it only waits for ctx.
func (h *Holder) Serve(ctx context.Context) error {
	if h.configPath == "" {
		h.logger.Info().
			Str(xglog.FieldEvent, "config.watcher_disabled").
			Msg("config file watcher disabled (using ENV-only configuration)")
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(h.configPath); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}
	h.logger.Info().
		Str(xglog.FieldEvent, "config.watcher_started").
		Str(xglog.FieldPath, h.configPath).
		Msg("watching config file for changes")

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			h.logger.Info().Str(xglog.FieldEvent, "config.watcher_stopped").Msg("config watcher stopped")
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			// editors that replace the file emit Remove/Rename; re-add the path
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				_ = watcher.Add(h.configPath)
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			h.logger.Debug().
				Str(xglog.FieldEvent, "config.file_changed").
				Str("op", event.Op.String()).
				Msg("config file changed")
			if debounce == nil {
				debounce = time.NewTimer(reloadDebounce)
			} else {
				debounce.Reset(reloadDebounce)
			}
			fire = debounce.C

		case <-fire:
			fire = nil
			if err := h.Reload(ctx); err != nil {
				h.logger.Error().
					Err(err).
					Str(xglog.FieldEvent, "config.auto_reload_failed").
					Msg("automatic config reload failed")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			h.logger.Error().
				Err(err).
				Str(xglog.FieldEvent, "config.watcher_error").
				Msg("config watcher error")
		}
	}
}

func (h *Holder) String() string { return "config-watcher" }

func (h *Holder) logChanges(old, next AppConfig) {
	if old.Log.Level != next.Log.Level {
		h.logger.Info().Str("old", old.Log.Level).Str("new", next.Log.Level).Msg("config changed: log.level")
	}
	if old.Timezone != next.Timezone {
		h.logger.Info().Str("old", old.Timezone).Str("new", next.Timezone).Msg("config changed: timezone")
	}
	if old.Engine.Horizon != next.Engine.Horizon {
		h.logger.Info().Dur("old", old.Engine.Horizon).Dur("new", next.Engine.Horizon).Msg("config changed: engine.horizon")
	}
	if old.Engine.LockWindow != next.Engine.LockWindow {
		h.logger.Info().Dur("old", old.Engine.LockWindow).Dur("new", next.Engine.LockWindow).Msg("config changed: engine.lockWindow")
	}
	if !maps.Equal(old.Engine.Tuners, next.Engine.Tuners) {
		h.logger.Info().Interface("old", old.Engine.Tuners).Interface("new", next.Engine.Tuners).Msg("config changed: engine.tuners")
	}
	if old.Dispatch.WebhookURL != next.Dispatch.WebhookURL {
		h.logger.Warn().Msg("config changed: dispatch.webhookUrl (takes effect after restart)")
	}
}
