// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/ManuGH/epgrec/internal/epg"
)

// Capacity is the number of tuners per channel type. Missing types have no
// tuners.
type Capacity map[epg.ChannelType]int

// Candidate is a desired reservation entering the resolver.
type Candidate struct {
	Origin       Origin
	Program      epg.Program
	AllowEndLack bool
	Option       *RecordOption
	Encode       *Encode
	Skip         bool
}

// Key returns the identity of the reservation the candidate would become.
func (c Candidate) Key() Key { return c.Origin.key(c.Program.ID) }

// Claim pins a tuner for a window.
type Claim struct {
	Key    Key
	Tuner  Tuner
	Window Window
}

// ResolveInput is everything the resolver needs for one pass.
type ResolveInput struct {
	Candidates []Candidate
	Capacity   Capacity
	// Locked are reservations about to start. A locked candidate keeps its
	// tuner as long as it is still desired and the tuner still exists.
	Locked []Claim
	// Busy are captures in progress. They occupy their tuner unconditionally.
	Busy []Claim
}

// Resolve assigns tuners to candidates and classifies every candidate as
// reserved, conflict, skip or overlap. The result depends only on the
// content of the input, never on the order of Candidates, and is sorted by
// start, manual before rule, source id, program id.
func Resolve(in ResolveInput) []Reserve {
	cands := slices.Clone(in.Candidates)
	slices.SortFunc(cands, func(a, b Candidate) int {
		return compareOrder(a.Origin, a.Program, b.Origin, b.Program)
	})

	groups := make(map[epg.ChannelType][]Candidate)
	for _, c := range cands {
		groups[c.Program.ChannelType] = append(groups[c.Program.ChannelType], c)
	}

	locked := make(map[Key]Claim, len(in.Locked))
	for _, cl := range in.Locked {
		locked[cl.Key] = cl
	}

	types := make([]epg.ChannelType, 0, len(groups))
	for t := range groups {
		types = append(types, t)
	}
	slices.Sort(types)

	out := make([]Reserve, 0, len(cands))
	for _, t := range types {
		var busy []Claim
		for _, cl := range in.Busy {
			if cl.Tuner.Type == t {
				busy = append(busy, cl)
			}
		}
		out = append(out, resolveType(t, groups[t], in.Capacity[t], locked, busy)...)
	}

	slices.SortFunc(out, func(a, b Reserve) int {
		return compareOrder(a.Origin, a.Program, b.Origin, b.Program)
	})
	return out
}

// compareOrder is the total order of the resolver: start time, manual before
// rule, source id, program id, end time.
func compareOrder(ao Origin, ap epg.Program, bo Origin, bp epg.Program) int {
	if c := cmp.Compare(ap.StartAt, bp.StartAt); c != 0 {
		return c
	}
	if c := cmp.Compare(ao.rank(), bo.rank()); c != 0 {
		return c
	}
	if c := cmp.Compare(ao.sourceID(), bo.sourceID()); c != 0 {
		return c
	}
	if c := cmp.Compare(ap.ID, bp.ID); c != 0 {
		return c
	}
	return cmp.Compare(ap.EndAt, bp.EndAt)
}

// slot is one tuner. busyUntil is the end of the last window placed by the
// sweep; pinned holds windows fixed before the sweep.
type slot struct {
	busyUntil int64
	pinned    []Window
}

func (s *slot) overlapsPinned(w Window) bool {
	for _, p := range s.pinned {
		if p.StartAt < w.EndAt && w.StartAt < p.EndAt {
			return true
		}
	}
	return false
}

// freeSpan returns the earliest part of w during which the slot is free. It
// starts at or after w.StartAt and ends at w.EndAt or where the next pinned
// window begins.
func (s *slot) freeSpan(w Window) (Window, bool) {
	from := max(s.busyUntil, w.StartAt)
	for moved := true; moved; {
		moved = false
		for _, p := range s.pinned {
			if p.StartAt <= from && p.EndAt > from {
				from = p.EndAt
				moved = true
			}
		}
	}
	if from >= w.EndAt {
		return Window{}, false
	}
	to := w.EndAt
	for _, p := range s.pinned {
		if p.StartAt > from && p.StartAt < to {
			to = p.StartAt
		}
	}
	return Window{StartAt: from, EndAt: to}, true
}

func resolveType(t epg.ChannelType, cands []Candidate, capacity int, locked map[Key]Claim, busy []Claim) []Reserve {
	slots := make([]slot, max(capacity, 0))

	for _, cl := range busy {
		if cl.Tuner.Index >= 0 && cl.Tuner.Index < len(slots) {
			s := &slots[cl.Tuner.Index]
			s.pinned = append(s.pinned, cl.Window)
		}
	}

	out := make([]Reserve, 0, len(cands))
	done := make(map[Key]bool)
	// primaries records the status of the first reservation that claimed a
	// program, for overlap detection.
	primaries := make(map[int64]Status)

	for _, c := range cands {
		cl, ok := locked[c.Key()]
		if !ok || c.Skip || cl.Tuner.Type != t || cl.Tuner.Index < 0 || cl.Tuner.Index >= len(slots) {
			continue
		}
		w := Window{StartAt: max(c.Program.StartAt, cl.Window.StartAt), EndAt: c.Program.EndAt}
		if c.AllowEndLack {
			w.EndAt = min(w.EndAt, cl.Window.EndAt)
		}
		s := &slots[cl.Tuner.Index]
		if w.EndAt <= w.StartAt || s.overlapsPinned(w) {
			continue
		}
		s.pinned = append(s.pinned, w)

		r := newReserve(c)
		r.Status = StatusReserved
		r.Tuner = cl.Tuner
		r.Window = w
		r.IsOverlap = w.StartAt > c.Program.StartAt || w.EndAt < c.Program.EndAt
		out = append(out, r)
		done[c.Key()] = true
		if c.Program.ID != 0 {
			if _, seen := primaries[c.Program.ID]; !seen {
				primaries[c.Program.ID] = StatusReserved
			}
		}
	}

	for _, c := range cands {
		if done[c.Key()] {
			continue
		}
		r := newReserve(c)

		if c.Skip {
			r.Status = StatusSkip
			out = append(out, r)
			continue
		}

		if o, ok := c.Origin.(RuleOrigin); ok && !o.DisableOverlap && c.Program.ID != 0 {
			if primary, seen := primaries[c.Program.ID]; seen {
				if primary == StatusReserved {
					r.Status = StatusOverlap
				} else {
					r.Status = StatusConflict
				}
				out = append(out, r)
				continue
			}
		}

		allocate(t, slots, c, &r)
		out = append(out, r)
		if c.Program.ID != 0 {
			if _, seen := primaries[c.Program.ID]; !seen {
				primaries[c.Program.ID] = r.Status
			}
		}
	}
	return out
}

// allocate places c on the free slot with the earliest busyUntil, lowest index
// first. When no slot is free for the whole window and c allows end lack, the
// slot with the longest free part of the window is used and the capture is
// truncated to it, starting late or ending early.
func allocate(t epg.ChannelType, slots []slot, c Candidate, r *Reserve) {
	w := Window{StartAt: c.Program.StartAt, EndAt: c.Program.EndAt}
	if w.EndAt <= w.StartAt {
		r.Status = StatusConflict
		return
	}

	best := -1
	partial, span := -1, Window{}
	for i := range slots {
		got, ok := slots[i].freeSpan(w)
		if !ok {
			continue
		}
		if got == w {
			if best < 0 || slots[i].busyUntil < slots[best].busyUntil {
				best = i
			}
			continue
		}
		if partial < 0 || longer(got, span) {
			partial, span = i, got
		}
	}

	switch {
	case best >= 0:
		slots[best].busyUntil = w.EndAt
		r.Status = StatusReserved
		r.Tuner = Tuner{Type: t, Index: best}
	case c.AllowEndLack && partial >= 0:
		slots[partial].busyUntil = span.EndAt
		r.Status = StatusReserved
		r.IsOverlap = true
		r.Window = span
		r.Tuner = Tuner{Type: t, Index: partial}
	default:
		r.Status = StatusConflict
	}
}

// longer orders truncated windows: longer first, then earlier start.
func longer(a, b Window) bool {
	da, db := a.EndAt-a.StartAt, b.EndAt-b.StartAt
	if da != db {
		return da > db
	}
	return a.StartAt < b.StartAt
}

func newReserve(c Candidate) Reserve {
	return Reserve{
		Origin:       c.Origin,
		Program:      c.Program,
		AllowEndLack: c.AllowEndLack,
		Option:       c.Option,
		Encode:       c.Encode,
		Window:       Window{StartAt: c.Program.StartAt, EndAt: c.Program.EndAt},
	}
}

// CheckAllocation verifies that no reserved window shares a tuner with
// another reserved window or a busy claim at the same instant, and that
// every tuner index is within capacity.
func CheckAllocation(reserves []Reserve, capacity Capacity, busy []Claim) error {
	type booking struct {
		w    Window
		id   string
		busy bool
	}
	byTuner := make(map[Tuner][]booking)
	for _, cl := range busy {
		byTuner[cl.Tuner] = append(byTuner[cl.Tuner], booking{w: cl.Window, id: cl.Key.String(), busy: true})
	}
	for _, r := range reserves {
		if r.Status != StatusReserved {
			if !r.Tuner.IsZero() {
				return fmt.Errorf("%s: %s reservation holds tuner %s", r.ID(), r.Status, r.Tuner)
			}
			continue
		}
		if r.Tuner.Type != r.Program.ChannelType || r.Tuner.Index < 0 || r.Tuner.Index >= capacity[r.Tuner.Type] {
			return fmt.Errorf("%s: tuner %s outside capacity", r.ID(), r.Tuner)
		}
		byTuner[r.Tuner] = append(byTuner[r.Tuner], booking{w: r.Window, id: r.ID()})
	}
	for tuner, bs := range byTuner {
		for i := range bs {
			for j := i + 1; j < len(bs); j++ {
				a, b := bs[i], bs[j]
				if a.busy && b.busy {
					continue
				}
				if a.w.StartAt < b.w.EndAt && b.w.StartAt < a.w.EndAt {
					return fmt.Errorf("tuner %s double booked by %s and %s", tuner, a.id, b.id)
				}
			}
		}
	}
	return nil
}
