// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import "errors"

// Dependency and lifecycle errors of the Manager.
var (
	ErrMissingLogger     = errors.New("daemon: logger is required")
	ErrMissingEngine     = errors.New("daemon: engine is required")
	ErrManagerNotStarted = errors.New("daemon: manager not started")

	errAlreadyStarted = errors.New("daemon: manager already started")
)
