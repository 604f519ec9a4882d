// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"slices"
	"strings"

	"golang.org/x/text/width"
)

// Recorded is an entry of the recorded history used for duplicate avoidance.
type Recorded struct {
	Name    string `json:"name"`
	StartAt int64  `json:"startAt"`
}

// History indexes recorded names for duplicate lookups. Names compare after
// width folding and trimming.
type History struct {
	byName map[string][]int64
}

// NewHistory builds a history index from recorded entries.
func NewHistory(records []Recorded) *History {
	h := &History{byName: make(map[string][]int64, len(records))}
	for _, r := range records {
		k := historyKey(r.Name)
		h.byName[k] = append(h.byName[k], r.StartAt)
	}
	for _, starts := range h.byName {
		slices.Sort(starts)
	}
	return h
}

// RecordedBetween reports whether name was recorded with a start in [from, to).
func (h *History) RecordedBetween(name string, from, to int64) bool {
	starts := h.byName[historyKey(name)]
	i, _ := slices.BinarySearch(starts, from)
	return i < len(starts) && starts[i] < to
}

// Len returns the number of distinct names.
func (h *History) Len() int { return len(h.byName) }

func historyKey(name string) string {
	return width.Fold.String(strings.TrimSpace(name))
}
