// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/rs/zerolog"
)

// LogBackend only logs instructions. It is used when no capture backend is
// configured.
type LogBackend struct {
	logger zerolog.Logger
}

func NewLogBackend() *LogBackend {
	return &LogBackend{logger: log.WithComponent("capture")}
}

func (b *LogBackend) StartCapture(_ context.Context, reserveID string, tuner dvr.Tuner, program epg.Program, window dvr.Window, opts dvr.EffectiveOptions) error {
	b.logger.Info().
		Str(log.FieldReserveID, reserveID).
		Str(log.FieldTuner, tuner.String()).
		Int64(log.FieldProgramID, program.ID).
		Str(log.FieldChannelType, string(program.ChannelType)).
		Str("name", program.Name).
		Int64("start_at", window.StartAt).
		Int64("end_at", window.EndAt).
		Str(log.FieldPath, opts.Directory).
		Msg("start capture")
	return nil
}

func (b *LogBackend) CancelCapture(_ context.Context, reserveID string) error {
	b.logger.Info().Str(log.FieldReserveID, reserveID).Msg("cancel capture")
	return nil
}

func (b *LogBackend) RescheduleCapture(_ context.Context, reserveID string, tuner dvr.Tuner, window dvr.Window) error {
	b.logger.Info().
		Str(log.FieldReserveID, reserveID).
		Str(log.FieldTuner, tuner.String()).
		Int64("start_at", window.StartAt).
		Int64("end_at", window.EndAt).
		Msg("reschedule capture")
	return nil
}
