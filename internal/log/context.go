// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package log provides structured logging utilities.
package log

import (
	"context"

	"github.com/rs/zerolog"
)

type ctxKey struct{}

// cycle correlates log lines of one recompute cycle.
type cycle struct {
	id      string
	trigger string
}

// ContextWithCycle attaches the recompute cycle ID and its trigger to ctx.
func ContextWithCycle(ctx context.Context, id, trigger string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, ctxKey{}, cycle{id: id, trigger: trigger})
}

// CycleFromContext returns the cycle ID and trigger stored in ctx.
func CycleFromContext(ctx context.Context) (id, trigger string) {
	if ctx == nil {
		return "", ""
	}
	c, _ := ctx.Value(ctxKey{}).(cycle)
	return c.id, c.trigger
}

// WithContext adds the cycle fields from ctx to logger. Without them the
// logger is returned unchanged.
func WithContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	id, trigger := CycleFromContext(ctx)
	if id == "" && trigger == "" {
		return logger
	}
	b := logger.With()
	if id != "" {
		b = b.Str(FieldCycleID, id)
	}
	if trigger != "" {
		b = b.Str(FieldTrigger, trigger)
	}
	return b.Logger()
}

// WithComponentFromContext is WithComponent plus the cycle fields of ctx.
func WithComponentFromContext(ctx context.Context, component string) zerolog.Logger {
	return WithContext(ctx, WithComponent(component))
}
