// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/validate"
)

const (
	// MaxEncodeModes is the number of encode mode slots per rule or reserve.
	MaxEncodeModes = 3
	// MaxGenreFilters bounds the genre pairs a rule may carry.
	MaxGenreFilters = 3
	// WeekAll selects every day of the week. Bit n is time.Weekday n.
	WeekAll = 0x7f

	minutesPerDay = 24 * 60
)

// GenreFilter matches a program genre pair. A nil Lv2 matches any sub genre.
type GenreFilter struct {
	Lv1 int  `json:"lv1"`
	Lv2 *int `json:"lv2,omitempty"`
}

// Search is the predicate of a rule. All set filters apply conjunctively.
type Search struct {
	Keyword     string `json:"keyword,omitempty"`
	KeyCS       bool   `json:"keyCS,omitempty"`
	KeyRegExp   bool   `json:"keyRegExp,omitempty"`
	Title       bool   `json:"title,omitempty"`
	Description bool   `json:"description,omitempty"`
	Extended    bool   `json:"extended,omitempty"`

	IgnoreKeyword     string `json:"ignoreKeyword,omitempty"`
	IgnoreKeyCS       bool   `json:"ignoreKeyCS,omitempty"`
	IgnoreKeyRegExp   bool   `json:"ignoreKeyRegExp,omitempty"`
	IgnoreTitle       bool   `json:"ignoreTitle,omitempty"`
	IgnoreDescription bool   `json:"ignoreDescription,omitempty"`
	IgnoreExtended    bool   `json:"ignoreExtended,omitempty"`

	// Channel type filter. Leaving all four unset selects every type.
	GR  bool `json:"GR,omitempty"`
	BS  bool `json:"BS,omitempty"`
	CS  bool `json:"CS,omitempty"`
	SKY bool `json:"SKY,omitempty"`

	Station int64         `json:"station,omitempty"`
	Genres  []GenreFilter `json:"genres,omitempty"`

	// StartTime is minutes since local midnight, TimeRange the window length
	// in minutes. The window may wrap past midnight.
	StartTime *int  `json:"startTime,omitempty"`
	TimeRange *int  `json:"timeRange,omitempty"`
	Week      uint8 `json:"week"`

	IsFree      *bool `json:"isFree,omitempty"`
	DurationMin *int  `json:"durationMin,omitempty"` // minutes
	DurationMax *int  `json:"durationMax,omitempty"` // minutes

	AvoidDuplicate         bool `json:"avoidDuplicate,omitempty"`
	PeriodToAvoidDuplicate int  `json:"periodToAvoidDuplicate,omitempty"` // days
}

// ChannelTypes returns the channel types the search selects.
func (s Search) ChannelTypes() []epg.ChannelType {
	var out []epg.ChannelType
	if s.GR {
		out = append(out, epg.GR)
	}
	if s.BS {
		out = append(out, epg.BS)
	}
	if s.CS {
		out = append(out, epg.CS)
	}
	if s.SKY {
		out = append(out, epg.SKY)
	}
	if len(out) == 0 {
		return slices.Clone(epg.ChannelTypes)
	}
	return out
}

// RecordOption carries output overrides. Empty fields fall through to the
// next level.
type RecordOption struct {
	Directory      string `json:"directory,omitempty"`
	RecordedFormat string `json:"recordedFormat,omitempty"`
}

// Option holds the non search settings of a rule.
type Option struct {
	Enable       bool `json:"enable"`
	AllowEndLack bool `json:"allowEndLack"`
	RecordOption
}

// EncodeMode selects an encoder preset and an optional output directory.
type EncodeMode struct {
	Mode      int    `json:"mode"`
	Directory string `json:"directory,omitempty"`
}

// Encode is a set of encode slots. Each slot overlays independently.
type Encode struct {
	Modes [MaxEncodeModes]*EncodeMode `json:"modes"`
	DelTs *bool                       `json:"delTs,omitempty"`
}

// Rule is a persistent predicate that derives reservations from the EPG.
type Rule struct {
	ID     int64   `json:"id"`
	Search Search  `json:"search"`
	Option Option  `json:"option"`
	Encode *Encode `json:"encode,omitempty"`
}

// Enabled reports whether the rule takes part in matching.
func (r Rule) Enabled() bool { return r.Option.Enable }

// Validate checks the structural consistency of the rule. The returned error
// wraps ErrInvalidSearchOption and a validate.ValidationError.
func (r Rule) Validate() error {
	v := validate.New()
	s := r.Search

	v.Range("search.week", int(s.Week), 0, WeekAll)
	if r.Option.Enable && s.Week == 0 {
		v.AddError("search.week", "at least one day must be selected for an enabled rule", s.Week)
	}

	if (s.StartTime == nil) != (s.TimeRange == nil) {
		v.AddError("search.startTime", "startTime and timeRange must be set together", s.StartTime)
	}
	if s.StartTime != nil {
		v.Range("search.startTime", *s.StartTime, 0, minutesPerDay-1)
	}
	if s.TimeRange != nil {
		v.Range("search.timeRange", *s.TimeRange, 1, minutesPerDay)
	}

	if s.DurationMin != nil {
		v.NonNegative("search.durationMin", *s.DurationMin)
	}
	if s.DurationMax != nil {
		v.NonNegative("search.durationMax", *s.DurationMax)
	}
	if s.DurationMin != nil && s.DurationMax != nil && *s.DurationMin > *s.DurationMax {
		v.AddError("search.durationMin",
			fmt.Sprintf("durationMin %d exceeds durationMax %d", *s.DurationMin, *s.DurationMax), *s.DurationMin)
	}

	if len(s.Genres) > MaxGenreFilters {
		v.AddError("search.genres", fmt.Sprintf("at most %d genre pairs allowed", MaxGenreFilters), len(s.Genres))
	}
	for i, g := range s.Genres {
		v.Range(fmt.Sprintf("search.genres[%d].lv1", i), g.Lv1, 0, 0xf)
		if g.Lv2 != nil {
			v.Range(fmt.Sprintf("search.genres[%d].lv2", i), *g.Lv2, 0, 0xf)
		}
	}

	if s.KeyRegExp {
		if _, err := regexp.Compile(s.Keyword); err != nil {
			v.AddError("search.keyword", "malformed regular expression: "+err.Error(), s.Keyword)
		}
	}
	if s.IgnoreKeyRegExp {
		if _, err := regexp.Compile(s.IgnoreKeyword); err != nil {
			v.AddError("search.ignoreKeyword", "malformed regular expression: "+err.Error(), s.IgnoreKeyword)
		}
	}

	if s.AvoidDuplicate {
		v.NonNegative("search.periodToAvoidDuplicate", s.PeriodToAvoidDuplicate)
	}

	if r.Encode != nil {
		for i, m := range r.Encode.Modes {
			if m != nil {
				v.NonNegative(fmt.Sprintf("encode.modes[%d].mode", i), m.Mode)
			}
		}
	}

	if err := v.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSearchOption, err)
	}
	return nil
}
