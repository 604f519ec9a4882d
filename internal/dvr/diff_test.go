// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"testing"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/stretchr/testify/assert"
)

func reservedAt(ruleID int64, p epg.Program, idx int) Reserve {
	return Reserve{
		Origin:  RuleOrigin{RuleID: ruleID},
		Program: p,
		Status:  StatusReserved,
		Window:  Window{StartAt: p.StartAt, EndAt: p.EndAt},
		Tuner:   Tuner{Type: p.ChannelType, Index: idx},
	}
}

func ops(d Delta) []string {
	out := make([]string, 0, len(d.Instructions))
	for _, in := range d.Instructions {
		out = append(out, string(in.Op)+" "+in.Reserve.ID())
	}
	return out
}

func TestDiff(t *testing.T) {
	p1 := program(1, epg.GR, "a", time.Hour, 2*time.Hour)
	p2 := program(2, epg.GR, "b", 3*time.Hour, 4*time.Hour)
	p3 := program(3, epg.GR, "c", 5*time.Hour, 6*time.Hour)

	conflict := reservedAt(1, p3, 0)
	conflict.Status = StatusConflict
	conflict.Tuner = Tuner{}

	tests := []struct {
		name        string
		prev, next  []Reserve
		wantOps     []string
		wantAdded   int
		wantRemoved int
		wantChanged int
	}{
		{
			name:    "identical sets",
			prev:    []Reserve{reservedAt(1, p1, 0)},
			next:    []Reserve{reservedAt(1, p1, 0)},
			wantOps: []string{},
		},
		{
			name:      "new reservation starts",
			next:      []Reserve{reservedAt(1, p1, 0)},
			wantOps:   []string{"start r1-p1"},
			wantAdded: 1,
		},
		{
			name:        "removed reservation cancels",
			prev:        []Reserve{reservedAt(1, p1, 0)},
			wantOps:     []string{"cancel r1-p1"},
			wantRemoved: 1,
		},
		{
			name:        "tuner move reschedules",
			prev:        []Reserve{reservedAt(1, p1, 0)},
			next:        []Reserve{reservedAt(1, p1, 1)},
			wantOps:     []string{"reschedule r1-p1"},
			wantChanged: 1,
		},
		{
			name:        "reserved to conflict cancels",
			prev:        []Reserve{reservedAt(1, p3, 0)},
			next:        []Reserve{conflict},
			wantOps:     []string{"cancel r1-p3"},
			wantChanged: 1,
		},
		{
			name:      "conflict only is not dispatched",
			next:      []Reserve{conflict},
			wantOps:   []string{},
			wantAdded: 1,
		},
		{
			name:        "cancels before reschedules before starts",
			prev:        []Reserve{reservedAt(1, p2, 0), reservedAt(1, p3, 0)},
			next:        []Reserve{reservedAt(1, p1, 0), reservedAt(1, p2, 1)},
			wantOps:     []string{"cancel r1-p3", "reschedule r1-p2", "start r1-p1"},
			wantAdded:   1,
			wantRemoved: 1,
			wantChanged: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Diff(tt.prev, tt.next)
			assert.Equal(t, tt.wantOps, ops(d))
			assert.Len(t, d.Added, tt.wantAdded)
			assert.Len(t, d.Removed, tt.wantRemoved)
			assert.Len(t, d.Changed, tt.wantChanged)
			assert.Equal(t, tt.wantAdded+tt.wantRemoved+tt.wantChanged == 0, d.Empty())
		})
	}
}
