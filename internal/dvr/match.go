// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"iter"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
	"golang.org/x/text/width"
)

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// Matcher is a compiled rule predicate. It is immutable and safe for
// concurrent use.
type Matcher struct {
	rule    Rule
	loc     *time.Location
	types   []epg.ChannelType
	keyword *textMatcher
	ignore  *textMatcher
}

// CompileRule validates r and prepares its predicate for evaluation in loc.
func CompileRule(r Rule, loc *time.Location) (*Matcher, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	s := r.Search
	keyword, err := newTextMatcher(s.Keyword, s.KeyCS, s.KeyRegExp, false,
		s.Title, s.Description, s.Extended)
	if err != nil {
		return nil, err
	}
	ignore, err := newTextMatcher(s.IgnoreKeyword, s.IgnoreKeyCS, s.IgnoreKeyRegExp, true,
		s.IgnoreTitle, s.IgnoreDescription, s.IgnoreExtended)
	if err != nil {
		return nil, err
	}

	return &Matcher{
		rule:    r,
		loc:     loc,
		types:   s.ChannelTypes(),
		keyword: keyword,
		ignore:  ignore,
	}, nil
}

// Rule returns the rule the matcher was compiled from.
func (m *Matcher) Rule() Rule { return m.rule }

// Match yields the programs of the snapshot that satisfy the rule, in start
// order. When the rule avoids duplicates, programs whose name was recorded
// within the configured period before their start are dropped. The sequence
// is restartable.
func (m *Matcher) Match(s *epg.Snapshot, h *History) iter.Seq[epg.Program] {
	return func(yield func(epg.Program) bool) {
		for p := range s.All() {
			if !m.Matches(p) || m.duplicate(p, h) {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

// Matches evaluates the search predicate against a single program. Duplicate
// avoidance is not applied.
func (m *Matcher) Matches(p epg.Program) bool {
	s := m.rule.Search

	if !slices.Contains(m.types, p.ChannelType) {
		return false
	}
	if s.Station != 0 && p.ChannelID != s.Station {
		return false
	}
	if s.IsFree != nil && p.IsFree != *s.IsFree {
		return false
	}
	if !m.matchDuration(p) {
		return false
	}
	if len(s.Genres) > 0 && !matchGenres(s.Genres, p.Genres) {
		return false
	}
	if !m.matchTime(p) {
		return false
	}
	if m.keyword != nil && !m.keyword.match(p) {
		return false
	}
	if m.ignore != nil && m.ignore.match(p) {
		return false
	}
	return true
}

func (m *Matcher) matchDuration(p epg.Program) bool {
	s := m.rule.Search
	d := p.EndAt - p.StartAt
	if s.DurationMin != nil && d < int64(*s.DurationMin)*60_000 {
		return false
	}
	if s.DurationMax != nil && d > int64(*s.DurationMax)*60_000 {
		return false
	}
	return true
}

// matchTime applies the week mask and the daily start window. The window
// is [startTime, startTime+timeRange) in minutes and wraps past midnight.
func (m *Matcher) matchTime(p epg.Program) bool {
	s := m.rule.Search
	start := p.Start(m.loc)

	if s.Week&(1<<uint(start.Weekday())) == 0 {
		return false
	}
	if s.StartTime == nil || s.TimeRange == nil {
		return true
	}

	mins := start.Hour()*60 + start.Minute()
	offset := (mins - *s.StartTime + minutesPerDay) % minutesPerDay
	return offset < *s.TimeRange
}

func (m *Matcher) duplicate(p epg.Program, h *History) bool {
	s := m.rule.Search
	if !s.AvoidDuplicate || h == nil {
		return false
	}
	var since int64
	if s.PeriodToAvoidDuplicate > 0 {
		since = p.StartAt - int64(s.PeriodToAvoidDuplicate)*dayMillis
	}
	return h.RecordedBetween(p.Name, since, p.StartAt)
}

func matchGenres(filters []GenreFilter, genres []epg.Genre) bool {
	for _, f := range filters {
		for _, g := range genres {
			if f.Lv1 != g.Lv1 {
				continue
			}
			if f.Lv2 == nil || *f.Lv2 == g.Lv2 {
				return true
			}
		}
	}
	return false
}

// textMatcher evaluates a keyword against a set of program text fields.
// Plain keywords are split on white space. With anyWord set one hit on any
// word is a match, otherwise every word must be found.
type textMatcher struct {
	re      *regexp.Regexp
	words   []string
	fold    bool
	anyWord bool

	title, description, extended bool
}

func newTextMatcher(pattern string, caseSensitive, isRegexp, anyWord bool, title, description, extended bool) (*textMatcher, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	if !title && !description && !extended {
		title = true
	}

	t := &textMatcher{
		anyWord:     anyWord,
		title:       title,
		description: description,
		extended:    extended,
	}

	if isRegexp {
		expr := pattern
		if !caseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		t.re = re
		return t, nil
	}

	t.fold = !caseSensitive
	if t.fold {
		pattern = foldText(pattern)
	}
	t.words = strings.Fields(pattern)
	return t, nil
}

func (t *textMatcher) match(p epg.Program) bool {
	fields := make([]string, 0, 3)
	if t.title {
		fields = append(fields, p.Name)
	}
	if t.description {
		fields = append(fields, p.Description)
	}
	if t.extended {
		fields = append(fields, p.Extended)
	}

	if t.re != nil {
		for _, f := range fields {
			if t.re.MatchString(f) {
				return true
			}
		}
		return false
	}

	if t.fold {
		for i, f := range fields {
			fields[i] = foldText(f)
		}
	}

	for _, w := range t.words {
		found := false
		for _, f := range fields {
			if strings.Contains(f, w) {
				found = true
				break
			}
		}
		if found && t.anyWord {
			return true
		}
		if !found && !t.anyWord {
			return false
		}
	}
	return !t.anyWord
}

// foldText maps full width forms to their narrow equivalents and lower
// cases the result.
func foldText(s string) string {
	return strings.ToLower(width.Fold.String(s))
}
