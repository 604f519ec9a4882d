// SPDX-License-Identifier: MIT

package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the daemon.
const (
	// Recompute attributes
	CycleIDKey         = "recompute.cycle_id"
	CycleTriggerKey    = "recompute.trigger"
	CyclePhaseKey      = "recompute.phase"
	CycleProgramsKey   = "recompute.programs"
	CycleCandidatesKey = "recompute.candidates"
	CycleReservedKey   = "recompute.reserved"
	CycleConflictsKey  = "recompute.conflicts"

	// Reservation attributes
	ReserveIDKey    = "reserve.id"
	ReserveTunerKey = "reserve.tuner"
	ReserveOpKey    = "reserve.op"

	// Encode job attributes
	JobIDKey   = "job.id"
	JobModeKey = "job.encode_mode"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// CycleAttributes creates span attributes identifying a recompute cycle.
func CycleAttributes(cycleID, trigger string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(CycleIDKey, cycleID),
		attribute.String(CycleTriggerKey, trigger),
	}
}

// CycleResultAttributes creates span attributes summarising a finished cycle.
func CycleResultAttributes(programs, candidates, reserved, conflicts int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Int(CycleProgramsKey, programs),
		attribute.Int(CycleCandidatesKey, candidates),
		attribute.Int(CycleReservedKey, reserved),
		attribute.Int(CycleConflictsKey, conflicts),
	}
}

// DispatchAttributes creates span attributes for a capture instruction.
func DispatchAttributes(op, reserveID, tuner string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	attrs = append(attrs, attribute.String(ReserveOpKey, op))
	if reserveID != "" {
		attrs = append(attrs, attribute.String(ReserveIDKey, reserveID))
	}
	if tuner != "" {
		attrs = append(attrs, attribute.String(ReserveTunerKey, tuner))
	}
	return attrs
}

// JobAttributes identifies an encode job queued for a reservation.
func JobAttributes(jobID, reserveID string, mode int) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(JobIDKey, jobID),
		attribute.String(ReserveIDKey, reserveID),
		attribute.Int(JobModeKey, mode),
	}
}

// AbortAttributes describes a recompute cycle that failed in phase.
func AbortAttributes(phase string, err error) []attribute.KeyValue {
	kind := "error"
	switch {
	case errors.Is(err, context.Canceled):
		kind = "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		kind = "timeout"
	}
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, kind),
		attribute.String(CyclePhaseKey, phase),
	}
}
