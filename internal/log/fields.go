// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCycleID   = "cycle_id"
	FieldRuleID    = "rule_id"
	FieldManualID  = "manual_id"
	FieldReserveID = "reserve_id"
	FieldProgramID = "program_id"
	FieldJobID     = "job_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldTrigger   = "trigger"

	// Allocation fields
	FieldChannelType = "channel_type"
	FieldTuner       = "tuner"
	FieldStatus      = "status"

	// State fields
	FieldOldState = "old_state"
	FieldNewState = "new_state"

	// Path fields
	FieldPath = "path"
)
