// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"context"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
)

// EPGStore is the read side of the program guide plus the recorded history.
type EPGStore interface {
	// FindProgramsInWindow returns programs intersecting [startAt, endAt).
	// A nil channelType selects every type.
	FindProgramsInWindow(ctx context.Context, startAt, endAt int64, channelType *epg.ChannelType) ([]epg.Program, error)
	FindServices(ctx context.Context, types []epg.ChannelType, onlyWithLogo bool) ([]epg.Channel, error)
	FindProgram(ctx context.Context, id int64) (epg.Program, error)
	// FindRecordedNames returns recorded entries that started at or after since.
	FindRecordedNames(ctx context.Context, since int64) ([]Recorded, error)
	AddRecorded(ctx context.Context, r Recorded) error
}

// RuleStore persists rules. GetRule, UpdateRule and DeleteRule return
// ErrRuleNotFound for unknown ids.
type RuleStore interface {
	ListRules(ctx context.Context) ([]Rule, error)
	GetRule(ctx context.Context, id int64) (Rule, error)
	AddRule(ctx context.Context, r Rule) (int64, error)
	UpdateRule(ctx context.Context, r Rule) error
	DeleteRule(ctx context.Context, id int64) error
}

// ReserveStore persists manual requests, per key flags and the published
// reservation set. GetManual and DeleteManual return ErrReserveNotFound for
// unknown ids.
type ReserveStore interface {
	ListManual(ctx context.Context) ([]ManualReserve, error)
	GetManual(ctx context.Context, id int64) (ManualReserve, error)
	AddManual(ctx context.Context, m ManualReserve) (int64, error)
	DeleteManual(ctx context.Context, id int64) error

	ListFlags(ctx context.Context) (map[Key]Flags, error)
	SetFlags(ctx context.Context, k Key, f Flags) error

	// SaveReserves replaces the published set atomically.
	SaveReserves(ctx context.Context, reserves []Reserve) error
	LoadReserves(ctx context.Context) ([]Reserve, error)
}

// Store is the persistence collaborator of the engine.
type Store interface {
	EPGStore
	RuleStore
	ReserveStore
}

// Dispatcher receives capture instructions. Implementations must serialize
// instructions per reservation id. A dispatcher that cannot reach its
// backend returns an error wrapping ErrDispatchUnavailable and keeps the
// instruction for retry.
type Dispatcher interface {
	StartCapture(ctx context.Context, reserveID string, tuner Tuner, program epg.Program, window Window, opts EffectiveOptions) error
	CancelCapture(ctx context.Context, reserveID string) error
	RescheduleCapture(ctx context.Context, reserveID string, tuner Tuner, window Window) error
}

// CaptureResult describes a finished capture.
type CaptureResult struct {
	RecordedID int64  `json:"recordedId,omitempty"`
	Path       string `json:"path,omitempty"`
}

// CaptureSink is notified of completed captures with their effective options.
type CaptureSink interface {
	CaptureCompleted(ctx context.Context, r Reserve, opts EffectiveOptions, result CaptureResult)
}

// Settings is the immutable configuration snapshot of a recompute cycle.
type Settings struct {
	Tuners Capacity
	// Horizon is how far ahead of now programs are considered.
	Horizon time.Duration
	// LockWindow keeps reserved items starting within it on their tuner.
	LockWindow time.Duration
	Location   *time.Location
	Defaults   Defaults
}

// DefaultSettings returns settings with one tuner per channel type.
func DefaultSettings() Settings {
	return Settings{
		Tuners:     Capacity{epg.GR: 1, epg.BS: 1, epg.CS: 1, epg.SKY: 0},
		Horizon:    8 * 24 * time.Hour,
		LockWindow: 5 * time.Minute,
		Location:   time.Local,
	}
}

// State is the phase of the recompute state machine.
type State string

const (
	StateIdle       State = "idle"
	StateCollecting State = "collecting"
	StateMatching   State = "matching"
	StateResolving  State = "resolving"
	StateDiffing    State = "diffing"
	StatePublishing State = "publishing"
)

// States lists the phases in cycle order.
var States = []State{StateIdle, StateCollecting, StateMatching, StateResolving, StateDiffing, StatePublishing}

// Trigger names the reason a cycle runs.
type Trigger string

const (
	TriggerStartup   Trigger = "startup"
	TriggerEPG       Trigger = "epg"
	TriggerRule      Trigger = "rule"
	TriggerManual    Trigger = "manual"
	TriggerFlags     Trigger = "flags"
	TriggerCapture   Trigger = "capture"
	TriggerConfig    Trigger = "config"
	TriggerScheduled Trigger = "scheduled"
	TriggerRequest   Trigger = "request"
)

// CycleReport is the bounded summary of one recompute cycle.
type CycleReport struct {
	CycleID    string       `json:"cycleId"`
	Trigger    Trigger      `json:"trigger"`
	StartedAt  time.Time    `json:"startedAt"`
	FinishedAt time.Time    `json:"finishedAt"`
	DurationMs int64        `json:"durationMs"`
	WindowFrom int64        `json:"windowFrom"` // unix ms
	WindowTo   int64        `json:"windowTo"`   // unix ms
	Status     string       `json:"status"`     // "success" | "failed"
	Error      string       `json:"error,omitempty"`
	Summary    CycleSummary `json:"summary"`
	Rules      []RuleReport `json:"rules,omitempty"`
}

// CycleSummary provides counters of a cycle.
type CycleSummary struct {
	ProgramsScanned    int `json:"programsScanned"`
	RulesEvaluated     int `json:"rulesEvaluated"`
	RulesFailed        int `json:"rulesFailed"`
	Candidates         int `json:"candidates"`
	Reserved           int `json:"reserved"`
	Conflicts          int `json:"conflicts"`
	Skips              int `json:"skips"`
	Overlaps           int `json:"overlaps"`
	Executing          int `json:"executing"`
	Added              int `json:"added"`
	Removed            int `json:"removed"`
	Changed            int `json:"changed"`
	InstructionsIssued int `json:"instructionsIssued"`
	InstructionsFailed int `json:"instructionsFailed"`
}

// RuleReport is the matching outcome of a single rule in a cycle.
type RuleReport struct {
	RuleID  int64  `json:"ruleId"`
	Matched int    `json:"matched"`
	Error   string `json:"error,omitempty"`
}

// ListFilter narrows List. Zero values match everything.
type ListFilter struct {
	ChannelType epg.ChannelType
	RuleID      int64
	// ManualOnly restricts the result to manual reservations.
	ManualOnly bool
}

func (f ListFilter) match(r Reserve) bool {
	if f.ChannelType != "" && r.Program.ChannelType != f.ChannelType {
		return false
	}
	if f.RuleID != 0 && r.RuleID() != f.RuleID {
		return false
	}
	if f.ManualOnly {
		if _, ok := r.Origin.(ManualOrigin); !ok {
			return false
		}
	}
	return true
}
