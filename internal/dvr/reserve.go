// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ManuGH/epgrec/internal/epg"
)

// Status is the allocation outcome of a reservation.
type Status string

const (
	StatusReserved Status = "reserved"
	StatusConflict Status = "conflict"
	StatusSkip     Status = "skip"
	StatusOverlap  Status = "overlap"
)

// Statuses lists every status in partition order.
var Statuses = []Status{StatusReserved, StatusConflict, StatusSkip, StatusOverlap}

func (s Status) Valid() bool {
	switch s {
	case StatusReserved, StatusConflict, StatusSkip, StatusOverlap:
		return true
	}
	return false
}

// Origin identifies where a reservation comes from. It is either a
// RuleOrigin or a ManualOrigin.
type Origin interface {
	key(programID int64) Key
	rank() int
	sourceID() int64
}

// RuleOrigin marks a reservation derived from a rule match.
type RuleOrigin struct {
	RuleID         int64
	DisableOverlap bool
}

func (o RuleOrigin) key(programID int64) Key { return Key{RuleID: o.RuleID, ProgramID: programID} }
func (RuleOrigin) rank() int { return 1 }
func (o RuleOrigin) sourceID() int64 { return o.RuleID }

// ManualOrigin marks a reservation the user added by hand.
type ManualOrigin struct {
	ManualID      int64
	TimeSpecified bool
}

func (o ManualOrigin) key(int64) Key { return Key{ManualID: o.ManualID} }
func (ManualOrigin) rank() int { return 0 }
func (o ManualOrigin) sourceID() int64 { return o.ManualID }

// Key identifies a reservation across recompute cycles. Manual reservations
// are keyed by their manual id alone, rule reservations by rule and program.
type Key struct {
	RuleID    int64
	ManualID  int64
	ProgramID int64
}

// Manual reports whether the key belongs to a manual reservation.
func (k Key) Manual() bool { return k.ManualID != 0 }

// String renders the key as a reservation id: "m<manualId>" or
// "r<ruleId>-p<programId>".
func (k Key) String() string {
	if k.Manual() {
		return "m" + strconv.FormatInt(k.ManualID, 10)
	}
	return fmt.Sprintf("r%d-p%d", k.RuleID, k.ProgramID)
}

// ParseKey parses a reservation id produced by Key.String.
func ParseKey(id string) (Key, error) {
	switch {
	case strings.HasPrefix(id, "m"):
		n, err := strconv.ParseInt(id[1:], 10, 64)
		if err != nil || n <= 0 {
			return Key{}, fmt.Errorf("%w: malformed id %q", ErrReserveNotFound, id)
		}
		return Key{ManualID: n}, nil
	case strings.HasPrefix(id, "r"):
		rule, program, ok := strings.Cut(id[1:], "-p")
		if !ok {
			return Key{}, fmt.Errorf("%w: malformed id %q", ErrReserveNotFound, id)
		}
		r, err1 := strconv.ParseInt(rule, 10, 64)
		p, err2 := strconv.ParseInt(program, 10, 64)
		if err1 != nil || err2 != nil || r <= 0 || p <= 0 {
			return Key{}, fmt.Errorf("%w: malformed id %q", ErrReserveNotFound, id)
		}
		return Key{RuleID: r, ProgramID: p}, nil
	}
	return Key{}, fmt.Errorf("%w: malformed id %q", ErrReserveNotFound, id)
}

// Tuner is a capture slot of one channel type.
type Tuner struct {
	Type  epg.ChannelType `json:"type"`
	Index int             `json:"index"`
}

// IsZero reports whether no tuner is assigned.
func (t Tuner) IsZero() bool { return t.Type == "" }

func (t Tuner) String() string {
	if t.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s-%d", t.Type, t.Index)
}

// Window is a half-open capture window in unix milliseconds.
type Window struct {
	StartAt int64 `json:"startAt"`
	EndAt   int64 `json:"endAt"`
}

// Flags are user toggles persisted per reservation key.
type Flags struct {
	Skip           bool `json:"skip"`
	DisableOverlap bool `json:"disableOverlap"`
}

// Reserve is a reservation as computed by a recompute cycle.
type Reserve struct {
	Origin       Origin
	Program      epg.Program
	AllowEndLack bool
	Option       *RecordOption
	Encode       *Encode

	Status Status
	// IsOverlap is set on reserved items whose capture starts late because
	// the tuner frees up after the program start.
	IsOverlap bool
	Window    Window
	Tuner     Tuner
}

// Key returns the identity of the reservation.
func (r Reserve) Key() Key { return r.Origin.key(r.Program.ID) }

// ID returns the external reservation id.
func (r Reserve) ID() string { return r.Key().String() }

// RuleID returns the originating rule, or 0 for manual reservations.
func (r Reserve) RuleID() int64 {
	if o, ok := r.Origin.(RuleOrigin); ok {
		return o.RuleID
	}
	return 0
}

// Equal reports whether two reservations carry the same allocation.
func (r Reserve) Equal(o Reserve) bool {
	return r.Key() == o.Key() &&
		r.Status == o.Status &&
		r.IsOverlap == o.IsOverlap &&
		r.Window == o.Window &&
		r.Tuner == o.Tuner &&
		r.Program.StartAt == o.Program.StartAt &&
		r.Program.EndAt == o.Program.EndAt
}

type reserveJSON struct {
	ID              string        `json:"id"`
	RuleID          int64         `json:"ruleId,omitempty"`
	ManualID        int64         `json:"manualId,omitempty"`
	IsTimeSpecified bool          `json:"isTimeSpecified,omitempty"`
	DisableOverlap  bool          `json:"disableOverlap,omitempty"`
	Program         epg.Program   `json:"program"`
	AllowEndLack    bool          `json:"allowEndLack"`
	Option          *RecordOption `json:"option,omitempty"`
	Encode          *Encode       `json:"encode,omitempty"`
	Status          Status        `json:"status"`
	IsOverlap       bool          `json:"isOverlap,omitempty"`
	Window          Window        `json:"window"`
	Tuner           string        `json:"tuner,omitempty"`
}

// MarshalJSON flattens the origin into ruleId/manualId fields.
func (r Reserve) MarshalJSON() ([]byte, error) {
	out := reserveJSON{
		ID:           r.ID(),
		Program:      r.Program,
		AllowEndLack: r.AllowEndLack,
		Option:       r.Option,
		Encode:       r.Encode,
		Status:       r.Status,
		IsOverlap:    r.IsOverlap,
		Window:       r.Window,
		Tuner:        r.Tuner.String(),
	}
	switch o := r.Origin.(type) {
	case RuleOrigin:
		out.RuleID = o.RuleID
		out.DisableOverlap = o.DisableOverlap
	case ManualOrigin:
		out.ManualID = o.ManualID
		out.IsTimeSpecified = o.TimeSpecified
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores a reservation written by MarshalJSON.
func (r *Reserve) UnmarshalJSON(data []byte) error {
	var in reserveJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	switch {
	case in.ManualID != 0:
		r.Origin = ManualOrigin{ManualID: in.ManualID, TimeSpecified: in.IsTimeSpecified}
	case in.RuleID != 0:
		r.Origin = RuleOrigin{RuleID: in.RuleID, DisableOverlap: in.DisableOverlap}
	default:
		return fmt.Errorf("reserve %q has no origin", in.ID)
	}
	tuner, err := ParseTuner(in.Tuner)
	if err != nil {
		return err
	}
	r.Program = in.Program
	r.AllowEndLack = in.AllowEndLack
	r.Option = in.Option
	r.Encode = in.Encode
	r.Status = in.Status
	r.IsOverlap = in.IsOverlap
	r.Window = in.Window
	r.Tuner = tuner
	return nil
}

// ParseTuner parses the "<type>-<index>" form of Tuner.String. An empty
// string yields the zero tuner.
func ParseTuner(s string) (Tuner, error) {
	if s == "" {
		return Tuner{}, nil
	}
	typ, idx, ok := strings.Cut(s, "-")
	if !ok {
		return Tuner{}, fmt.Errorf("malformed tuner %q", s)
	}
	ct, err := epg.ParseChannelType(typ)
	if err != nil {
		return Tuner{}, err
	}
	n, err := strconv.Atoi(idx)
	if err != nil || n < 0 {
		return Tuner{}, fmt.Errorf("malformed tuner %q", s)
	}
	return Tuner{Type: ct, Index: n}, nil
}

// Partitions is the aggregate view of a reservation set by status.
type Partitions struct {
	Reserves  []Reserve `json:"reserves"`
	Conflicts []Reserve `json:"conflicts"`
	Skips     []Reserve `json:"skips"`
	Overlaps  []Reserve `json:"overlaps"`
}

// Partition splits reserves by status, preserving order.
func Partition(reserves []Reserve) Partitions {
	p := Partitions{
		Reserves:  []Reserve{},
		Conflicts: []Reserve{},
		Skips:     []Reserve{},
		Overlaps:  []Reserve{},
	}
	for _, r := range reserves {
		switch r.Status {
		case StatusReserved:
			p.Reserves = append(p.Reserves, r)
		case StatusConflict:
			p.Conflicts = append(p.Conflicts, r)
		case StatusSkip:
			p.Skips = append(p.Skips, r)
		case StatusOverlap:
			p.Overlaps = append(p.Overlaps, r)
		}
	}
	return p
}

// Len returns the total number of reservations across all partitions.
func (p Partitions) Len() int {
	return len(p.Reserves) + len(p.Conflicts) + len(p.Skips) + len(p.Overlaps)
}
