// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"cmp"
	"slices"
)

// Op is a dispatch instruction kind.
type Op string

const (
	OpStart      Op = "start"
	OpReschedule Op = "reschedule"
	OpCancel     Op = "cancel"
)

// Instruction is a change to send to the capture backend. Reserve is the new
// state for start and reschedule, the previous state for cancel.
type Instruction struct {
	Op      Op
	Reserve Reserve
}

// Delta is the difference between two published reservation sets.
type Delta struct {
	Added   []Key
	Removed []Key
	// Changed lists keys present in both sets whose status, tuner or window
	// changed.
	Changed      []Key
	Instructions []Instruction
}

// Empty reports whether nothing changed.
func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Diff compares two reservation sets by key. Instructions are emitted only
// for reserved items: cancels first so that tuners are released, then
// reschedules, then starts.
func Diff(prev, next []Reserve) Delta {
	before := make(map[Key]Reserve, len(prev))
	for _, r := range prev {
		before[r.Key()] = r
	}
	after := make(map[Key]Reserve, len(next))
	for _, r := range next {
		after[r.Key()] = r
	}

	var d Delta
	var cancels, reschedules, starts []Instruction

	for _, r := range prev {
		k := r.Key()
		n, ok := after[k]
		if !ok {
			d.Removed = append(d.Removed, k)
		}
		if r.Status == StatusReserved && (!ok || n.Status != StatusReserved) {
			cancels = append(cancels, Instruction{Op: OpCancel, Reserve: r})
		}
	}

	for _, r := range next {
		k := r.Key()
		p, ok := before[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case p.Status != r.Status || p.Tuner != r.Tuner || p.Window != r.Window || p.IsOverlap != r.IsOverlap:
			d.Changed = append(d.Changed, k)
		}
		if r.Status != StatusReserved {
			continue
		}
		switch {
		case !ok || p.Status != StatusReserved:
			starts = append(starts, Instruction{Op: OpStart, Reserve: r})
		case p.Tuner != r.Tuner || p.Window != r.Window:
			reschedules = append(reschedules, Instruction{Op: OpReschedule, Reserve: r})
		}
	}

	slices.SortFunc(cancels, func(a, b Instruction) int {
		return cmp.Compare(a.Reserve.ID(), b.Reserve.ID())
	})

	d.Instructions = make([]Instruction, 0, len(cancels)+len(reschedules)+len(starts))
	d.Instructions = append(d.Instructions, cancels...)
	d.Instructions = append(d.Instructions, reschedules...)
	d.Instructions = append(d.Instructions, starts...)
	return d
}
