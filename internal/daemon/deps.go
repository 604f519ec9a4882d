// SPDX-License-Identifier: MIT

package daemon

import (
	"net/http"

	"github.com/ManuGH/epgrec/internal/config"
	"github.com/ManuGH/epgrec/internal/dispatch"
	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/encode"
	"github.com/rs/zerolog"
)

// Deps contains the components the Manager supervises.
type Deps struct {
	Logger zerolog.Logger
	Config config.AppConfig

	Engine    *dvr.Engine
	Scheduler *dvr.Scheduler
	Queue     *dispatch.Queue
	Encoder   *encode.Tracker

	// Holder is optional; without it the configuration is never reloaded.
	Holder *config.Holder

	// MetricsHandler serves /metrics. Nil disables the endpoint.
	MetricsHandler http.Handler
}

// Validate checks if the dependencies are valid.
func (d *Deps) Validate() error {
	if d.Logger.GetLevel() == zerolog.Disabled {
		return ErrMissingLogger
	}
	if d.Engine == nil {
		return ErrMissingEngine
	}
	return nil
}
