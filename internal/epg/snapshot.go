// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package epg

import (
	"iter"
	"slices"
)

// Snapshot is an immutable, start-ordered copy of the programs in a window.
// It is loaded once per recompute cycle and never mutated afterwards.
type Snapshot struct {
	from, to int64
	programs []Program
	byID     map[int64]int
	channels map[int64]Channel
}

// NewSnapshot copies programs and channels into an immutable snapshot covering
// [from, to). Programs are ordered by start time, then ID.
func NewSnapshot(from, to int64, programs []Program, channels []Channel) *Snapshot {
	ps := slices.Clone(programs)
	slices.SortFunc(ps, func(a, b Program) int {
		if a.StartAt != b.StartAt {
			if a.StartAt < b.StartAt {
				return -1
			}
			return 1
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})

	byID := make(map[int64]int, len(ps))
	for i, p := range ps {
		byID[p.ID] = i
	}

	chs := make(map[int64]Channel, len(channels))
	for _, c := range channels {
		chs[c.ID] = c
	}

	return &Snapshot{from: from, to: to, programs: ps, byID: byID, channels: chs}
}

// Window returns the snapshot bounds.
func (s *Snapshot) Window() (from, to int64) {
	return s.from, s.to
}

// Len returns the number of programs in the snapshot.
func (s *Snapshot) Len() int {
	return len(s.programs)
}

// Program looks up a program by ID.
func (s *Snapshot) Program(id int64) (Program, bool) {
	i, ok := s.byID[id]
	if !ok {
		return Program{}, false
	}
	return s.programs[i], true
}

// Channel looks up a channel by ID.
func (s *Snapshot) Channel(id int64) (Channel, bool) {
	c, ok := s.channels[id]
	return c, ok
}

// All yields every program in start order. The sequence can be ranged over
// any number of times.
func (s *Snapshot) All() iter.Seq[Program] {
	return func(yield func(Program) bool) {
		for _, p := range s.programs {
			if !yield(p) {
				return
			}
		}
	}
}
