// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"math/rand"
	"slices"
	"testing"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ruleCand(ruleID int64, p epg.Program) Candidate {
	return Candidate{Origin: RuleOrigin{RuleID: ruleID}, Program: p}
}

func manualCand(manualID int64, p epg.Program) Candidate {
	return Candidate{Origin: ManualOrigin{ManualID: manualID}, Program: p}
}

func byKey(rs []Reserve) map[Key]Reserve {
	out := make(map[Key]Reserve, len(rs))
	for _, r := range rs {
		out[r.Key()] = r
	}
	return out
}

func TestResolve_LaterOverlapConflicts(t *testing.T) {
	early := ruleCand(1, program(1, epg.GR, "early", time.Hour, 2*time.Hour))
	late := ruleCand(1, program(2, epg.GR, "late", 110*time.Minute, 3*time.Hour))

	got := byKey(Resolve(ResolveInput{
		Candidates: []Candidate{late, early},
		Capacity:   Capacity{epg.GR: 1},
	}))

	require.Len(t, got, 2)
	assert.Equal(t, StatusReserved, got[early.Key()].Status)
	assert.Equal(t, Tuner{Type: epg.GR, Index: 0}, got[early.Key()].Tuner)
	assert.Equal(t, StatusConflict, got[late.Key()].Status)
	assert.True(t, got[late.Key()].Tuner.IsZero())
}

func TestResolve_AllowEndLackTruncatesStart(t *testing.T) {
	early := ruleCand(1, program(1, epg.GR, "early", time.Hour, 2*time.Hour))
	late := ruleCand(1, program(2, epg.GR, "late", 110*time.Minute, 125*time.Minute))
	late.AllowEndLack = true

	got := byKey(Resolve(ResolveInput{
		Candidates: []Candidate{early, late},
		Capacity:   Capacity{epg.GR: 1},
	}))

	r := got[late.Key()]
	assert.Equal(t, StatusReserved, r.Status)
	assert.True(t, r.IsOverlap)
	assert.Equal(t, Window{StartAt: ms(2 * time.Hour), EndAt: ms(125 * time.Minute)}, r.Window)
	assert.Equal(t, Tuner{Type: epg.GR, Index: 0}, r.Tuner)
	assert.False(t, got[early.Key()].IsOverlap)
}

func TestResolve_LockedKeepsTunerAgainstManual(t *testing.T) {
	locked := ruleCand(1, program(1, epg.GR, "locked", 3*time.Minute, 33*time.Minute))
	manual := manualCand(7, program(2, epg.GR, "manual", 3*time.Minute, 20*time.Minute))

	in := ResolveInput{
		Candidates: []Candidate{manual, locked},
		Capacity:   Capacity{epg.GR: 1},
	}

	// Without the lock the manual reservation wins on rank.
	got := byKey(Resolve(in))
	assert.Equal(t, StatusReserved, got[manual.Key()].Status)
	assert.Equal(t, StatusConflict, got[locked.Key()].Status)

	in.Locked = []Claim{{
		Key:    locked.Key(),
		Tuner:  Tuner{Type: epg.GR, Index: 0},
		Window: Window{StartAt: locked.Program.StartAt, EndAt: locked.Program.EndAt},
	}}
	got = byKey(Resolve(in))
	assert.Equal(t, StatusReserved, got[locked.Key()].Status)
	assert.Equal(t, Tuner{Type: epg.GR, Index: 0}, got[locked.Key()].Tuner)
	assert.Equal(t, StatusConflict, got[manual.Key()].Status)
}

func TestResolve_LockedClaimDroppedWhenTunerGone(t *testing.T) {
	c := ruleCand(1, program(1, epg.GR, "x", 3*time.Minute, 33*time.Minute))
	got := Resolve(ResolveInput{
		Candidates: []Candidate{c},
		Capacity:   Capacity{epg.GR: 1},
		Locked:     []Claim{{Key: c.Key(), Tuner: Tuner{Type: epg.GR, Index: 3}, Window: Window{StartAt: c.Program.StartAt, EndAt: c.Program.EndAt}}},
	})
	require.Len(t, got, 1)
	assert.Equal(t, Tuner{Type: epg.GR, Index: 0}, got[0].Tuner)
}

func TestResolve_BusyTunerBlocksAllocation(t *testing.T) {
	c := ruleCand(1, program(1, epg.GR, "x", 10*time.Minute, time.Hour))
	busy := []Claim{{
		Key:    Key{ManualID: 99},
		Tuner:  Tuner{Type: epg.GR, Index: 0},
		Window: Window{StartAt: ms(-time.Hour), EndAt: ms(30 * time.Minute)},
	}}

	got := Resolve(ResolveInput{Candidates: []Candidate{c}, Capacity: Capacity{epg.GR: 1}, Busy: busy})
	assert.Equal(t, StatusConflict, got[0].Status)

	c.AllowEndLack = true
	got = Resolve(ResolveInput{Candidates: []Candidate{c}, Capacity: Capacity{epg.GR: 1}, Busy: busy})
	assert.Equal(t, StatusReserved, got[0].Status)
	assert.Equal(t, ms(30*time.Minute), got[0].Window.StartAt)
	assert.True(t, got[0].IsOverlap)

	got = Resolve(ResolveInput{Candidates: []Candidate{c}, Capacity: Capacity{epg.GR: 2}, Busy: busy})
	assert.Equal(t, Tuner{Type: epg.GR, Index: 1}, got[0].Tuner)
	assert.False(t, got[0].IsOverlap)
}

func TestResolve_SameProgramFromTwoSources(t *testing.T) {
	p := program(1, epg.GR, "shared", time.Hour, 2*time.Hour)

	t.Run("overlap when primary reserved", func(t *testing.T) {
		got := byKey(Resolve(ResolveInput{
			Candidates: []Candidate{ruleCand(2, p), ruleCand(1, p)},
			Capacity:   Capacity{epg.GR: 2},
		}))
		assert.Equal(t, StatusReserved, got[Key{RuleID: 1, ProgramID: 1}].Status)
		assert.Equal(t, StatusOverlap, got[Key{RuleID: 2, ProgramID: 1}].Status)
	})

	t.Run("manual is primary", func(t *testing.T) {
		got := byKey(Resolve(ResolveInput{
			Candidates: []Candidate{ruleCand(1, p), manualCand(5, p)},
			Capacity:   Capacity{epg.GR: 1},
		}))
		assert.Equal(t, StatusReserved, got[Key{ManualID: 5}].Status)
		assert.Equal(t, StatusOverlap, got[Key{RuleID: 1, ProgramID: 1}].Status)
	})

	t.Run("conflict when primary conflicts", func(t *testing.T) {
		blocker := manualCand(9, program(2, epg.GR, "blocker", 30*time.Minute, 3*time.Hour))
		got := byKey(Resolve(ResolveInput{
			Candidates: []Candidate{ruleCand(1, p), ruleCand(2, p), blocker},
			Capacity:   Capacity{epg.GR: 1},
		}))
		assert.Equal(t, StatusConflict, got[Key{RuleID: 1, ProgramID: 1}].Status)
		assert.Equal(t, StatusConflict, got[Key{RuleID: 2, ProgramID: 1}].Status)
	})

	t.Run("disable overlap competes for a tuner", func(t *testing.T) {
		second := Candidate{Origin: RuleOrigin{RuleID: 2, DisableOverlap: true}, Program: p}
		got := byKey(Resolve(ResolveInput{
			Candidates: []Candidate{ruleCand(1, p), second},
			Capacity:   Capacity{epg.GR: 2},
		}))
		assert.Equal(t, StatusReserved, got[second.Key()].Status)
		assert.Equal(t, 1, got[second.Key()].Tuner.Index)

		got = byKey(Resolve(ResolveInput{
			Candidates: []Candidate{ruleCand(1, p), second},
			Capacity:   Capacity{epg.GR: 1},
		}))
		assert.Equal(t, StatusConflict, got[second.Key()].Status)
	})
}

func TestResolve_SkipHoldsNoTuner(t *testing.T) {
	skipped := ruleCand(1, program(1, epg.GR, "skipped", time.Hour, 2*time.Hour))
	skipped.Skip = true
	other := ruleCand(1, program(2, epg.GR, "other", time.Hour, 2*time.Hour))

	got := byKey(Resolve(ResolveInput{
		Candidates: []Candidate{skipped, other},
		Capacity:   Capacity{epg.GR: 1},
	}))
	assert.Equal(t, StatusSkip, got[skipped.Key()].Status)
	assert.True(t, got[skipped.Key()].Tuner.IsZero())
	assert.Equal(t, StatusReserved, got[other.Key()].Status)
}

func TestResolve_NoCapacityConflicts(t *testing.T) {
	got := Resolve(ResolveInput{
		Candidates: []Candidate{ruleCand(1, program(1, epg.SKY, "x", time.Hour, 2*time.Hour))},
		Capacity:   Capacity{epg.GR: 2},
	})
	assert.Equal(t, StatusConflict, got[0].Status)
}

func TestResolve_PicksEarliestFreeTuner(t *testing.T) {
	a := ruleCand(1, program(1, epg.GR, "a", time.Hour, 2*time.Hour))
	b := ruleCand(1, program(2, epg.GR, "b", time.Hour, 3*time.Hour))
	c := ruleCand(1, program(3, epg.GR, "c", 2*time.Hour, 4*time.Hour))

	got := byKey(Resolve(ResolveInput{Candidates: []Candidate{a, b, c}, Capacity: Capacity{epg.GR: 2}}))
	assert.Equal(t, 0, got[a.Key()].Tuner.Index)
	assert.Equal(t, 1, got[b.Key()].Tuner.Index)
	assert.Equal(t, 0, got[c.Key()].Tuner.Index)
}

// randomCandidates builds a dense mix of sources, types and flags over a
// shared program pool, so that several sources want the same program.
func randomCandidates(rng *rand.Rand, n int) []Candidate {
	types := []epg.ChannelType{epg.GR, epg.BS}
	pool := make([]epg.Program, n/2)
	for i := range pool {
		start := time.Duration(rng.Intn(48))*15*time.Minute + time.Minute
		dur := time.Duration(1+rng.Intn(8)) * 15 * time.Minute
		pool[i] = program(int64(i+1), types[rng.Intn(2)], "p", start, start+dur)
	}

	seen := make(map[Key]bool)
	out := make([]Candidate, 0, n)
	for i := range n {
		p := pool[rng.Intn(len(pool))]
		var c Candidate
		if i%4 == 0 {
			c = manualCand(int64(1000+i), p)
		} else {
			c = Candidate{Origin: RuleOrigin{RuleID: int64(1 + i%3), DisableOverlap: rng.Intn(5) == 0}, Program: p}
		}
		c.AllowEndLack = rng.Intn(3) == 0
		c.Skip = rng.Intn(10) == 0
		if seen[c.Key()] {
			continue
		}
		seen[c.Key()] = true
		out = append(out, c)
	}
	return out
}

// randomClaims pins some candidates to a tuner, the way the engine does for
// reservations inside the lock window, and adds captures already running.
// Some locked claims name a tuner beyond capacity or start late.
func randomClaims(rng *rand.Rand, cands []Candidate, capacity Capacity) (locked, busy []Claim) {
	for _, c := range cands {
		if rng.Intn(4) != 0 {
			continue
		}
		w := Window{StartAt: c.Program.StartAt, EndAt: c.Program.EndAt}
		if rng.Intn(3) == 0 {
			w.StartAt += int64(rng.Intn(30)) * time.Minute.Milliseconds()
		}
		locked = append(locked, Claim{
			Key:    c.Key(),
			Tuner:  Tuner{Type: c.Program.ChannelType, Index: rng.Intn(capacity[c.Program.ChannelType] + 1)},
			Window: w,
		})
	}

	for i := range 4 {
		t := []epg.ChannelType{epg.GR, epg.BS}[rng.Intn(2)]
		start := time.Duration(rng.Intn(48)) * 15 * time.Minute
		busy = append(busy, Claim{
			Key:    Key{ManualID: int64(5000 + i)},
			Tuner:  Tuner{Type: t, Index: rng.Intn(capacity[t])},
			Window: Window{StartAt: ms(start - time.Hour), EndAt: ms(start)},
		})
	}
	return locked, busy
}

func TestResolve_Properties(t *testing.T) {
	capacity := Capacity{epg.GR: 2, epg.BS: 1}

	for seed := int64(1); seed <= 40; seed++ {
		rng := rand.New(rand.NewSource(seed))
		cands := randomCandidates(rng, 40)
		in := ResolveInput{Candidates: cands, Capacity: capacity}
		if seed%2 == 0 {
			in.Locked, in.Busy = randomClaims(rng, cands, capacity)
		}

		first := Resolve(in)

		// every candidate is classified exactly once
		require.Len(t, first, len(cands), "seed %d", seed)
		require.Equal(t, len(cands), Partition(first).Len(), "seed %d", seed)

		require.NoError(t, CheckAllocation(first, capacity, in.Busy), "seed %d", seed)
		for _, r := range first {
			if r.Status == StatusReserved {
				assert.GreaterOrEqual(t, r.Window.StartAt, r.Program.StartAt, "seed %d: %s", seed, r.ID())
				assert.LessOrEqual(t, r.Window.EndAt, r.Program.EndAt, "seed %d: %s", seed, r.ID())
				assert.Less(t, r.Window.StartAt, r.Window.EndAt, "seed %d: %s", seed, r.ID())
			}
		}

		again := Resolve(in)
		require.Empty(t, cmp.Diff(first, again), "seed %d: not idempotent", seed)

		shuffled := ResolveInput{
			Candidates: slices.Clone(cands),
			Capacity:   capacity,
			Locked:     slices.Clone(in.Locked),
			Busy:       slices.Clone(in.Busy),
		}
		rng.Shuffle(len(shuffled.Candidates), func(i, j int) {
			shuffled.Candidates[i], shuffled.Candidates[j] = shuffled.Candidates[j], shuffled.Candidates[i]
		})
		rng.Shuffle(len(shuffled.Locked), func(i, j int) { shuffled.Locked[i], shuffled.Locked[j] = shuffled.Locked[j], shuffled.Locked[i] })
		rng.Shuffle(len(shuffled.Busy), func(i, j int) { shuffled.Busy[i], shuffled.Busy[j] = shuffled.Busy[j], shuffled.Busy[i] })
		reordered := Resolve(shuffled)
		require.Empty(t, cmp.Diff(first, reordered), "seed %d: depends on input order", seed)
	}
}

func TestResolve_AllowEndLackEndsEarly(t *testing.T) {
	c := ruleCand(1, program(1, epg.GR, "x", 10*time.Minute, time.Hour))
	busy := []Claim{{
		Key:    Key{ManualID: 99},
		Tuner:  Tuner{Type: epg.GR, Index: 0},
		Window: Window{StartAt: ms(40 * time.Minute), EndAt: ms(2 * time.Hour)},
	}}

	got := Resolve(ResolveInput{Candidates: []Candidate{c}, Capacity: Capacity{epg.GR: 1}, Busy: busy})
	assert.Equal(t, StatusConflict, got[0].Status)

	c.AllowEndLack = true
	got = Resolve(ResolveInput{Candidates: []Candidate{c}, Capacity: Capacity{epg.GR: 1}, Busy: busy})
	require.Equal(t, StatusReserved, got[0].Status)
	assert.True(t, got[0].IsOverlap)
	assert.Equal(t, Window{StartAt: ms(10 * time.Minute), EndAt: ms(40 * time.Minute)}, got[0].Window)
	require.NoError(t, CheckAllocation(got, Capacity{epg.GR: 1}, busy))

	// the longer free part wins between a late start and an early end
	other := Claim{
		Key:    Key{ManualID: 98},
		Tuner:  Tuner{Type: epg.GR, Index: 1},
		Window: Window{StartAt: ms(-time.Hour), EndAt: ms(20 * time.Minute)},
	}
	got = Resolve(ResolveInput{Candidates: []Candidate{c}, Capacity: Capacity{epg.GR: 2}, Busy: append(busy, other)})
	require.Equal(t, StatusReserved, got[0].Status)
	assert.Equal(t, Tuner{Type: epg.GR, Index: 1}, got[0].Tuner)
	assert.Equal(t, Window{StartAt: ms(20 * time.Minute), EndAt: ms(time.Hour)}, got[0].Window)
}

func TestResolve_LockedEarlyEndKeepsItsWindow(t *testing.T) {
	c := ruleCand(1, program(1, epg.GR, "x", 3*time.Minute, time.Hour))
	c.AllowEndLack = true
	truncated := Window{StartAt: c.Program.StartAt, EndAt: ms(40 * time.Minute)}
	busy := []Claim{{
		Key:    Key{ManualID: 99},
		Tuner:  Tuner{Type: epg.GR, Index: 0},
		Window: Window{StartAt: ms(40 * time.Minute), EndAt: ms(2 * time.Hour)},
	}}

	got := Resolve(ResolveInput{
		Candidates: []Candidate{c},
		Capacity:   Capacity{epg.GR: 1},
		Locked:     []Claim{{Key: c.Key(), Tuner: Tuner{Type: epg.GR, Index: 0}, Window: truncated}},
		Busy:       busy,
	})
	require.Equal(t, StatusReserved, got[0].Status)
	assert.Equal(t, truncated, got[0].Window)
	assert.True(t, got[0].IsOverlap)
}

func TestCheckAllocation(t *testing.T) {
	p1 := program(1, epg.GR, "a", time.Hour, 2*time.Hour)
	p2 := program(2, epg.GR, "b", 90*time.Minute, 3*time.Hour)
	reserved := func(p epg.Program, idx int) Reserve {
		return Reserve{
			Origin:  RuleOrigin{RuleID: 1},
			Program: p,
			Status:  StatusReserved,
			Window:  Window{StartAt: p.StartAt, EndAt: p.EndAt},
			Tuner:   Tuner{Type: p.ChannelType, Index: idx},
		}
	}

	tests := []struct {
		name     string
		reserves []Reserve
		busy     []Claim
		wantErr  string
	}{
		{name: "separate tuners", reserves: []Reserve{reserved(p1, 0), reserved(p2, 1)}},
		{name: "double booked", reserves: []Reserve{reserved(p1, 0), reserved(p2, 0)}, wantErr: "double booked"},
		{name: "outside capacity", reserves: []Reserve{reserved(p1, 2)}, wantErr: "outside capacity"},
		{
			name:     "conflict with tuner",
			reserves: []Reserve{{Origin: RuleOrigin{RuleID: 1}, Program: p1, Status: StatusConflict, Tuner: Tuner{Type: epg.GR}}},
			wantErr:  "holds tuner",
		},
		{
			name:     "busy overlap",
			reserves: []Reserve{reserved(p2, 0)},
			busy:     []Claim{{Key: Key{ManualID: 1}, Tuner: Tuner{Type: epg.GR}, Window: Window{StartAt: p1.StartAt, EndAt: p1.EndAt}}},
			wantErr:  "double booked",
		},
		{
			name: "busy against busy is ignored",
			busy: []Claim{
				{Key: Key{ManualID: 1}, Tuner: Tuner{Type: epg.GR}, Window: Window{StartAt: p1.StartAt, EndAt: p1.EndAt}},
				{Key: Key{ManualID: 2}, Tuner: Tuner{Type: epg.GR}, Window: Window{StartAt: p2.StartAt, EndAt: p2.EndAt}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAllocation(tt.reserves, Capacity{epg.GR: 2}, tt.busy)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
