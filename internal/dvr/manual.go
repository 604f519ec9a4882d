// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"fmt"

	"github.com/ManuGH/epgrec/internal/epg"
)

// ManualReserve is a persisted manual reservation request. Program holds the
// program as it was when the request was added; for time specified requests
// it is synthesized from the requested range.
type ManualReserve struct {
	ID            int64         `json:"id"`
	ProgramID     int64         `json:"programId,omitempty"`
	TimeSpecified bool          `json:"isTimeSpecified"`
	Program       epg.Program   `json:"program"`
	AllowEndLack  bool          `json:"allowEndLack"`
	Option        *RecordOption `json:"option,omitempty"`
	Encode        *Encode       `json:"encode,omitempty"`
}

// Origin returns the origin of reservations derived from m.
func (m ManualReserve) Origin() ManualOrigin {
	return ManualOrigin{ManualID: m.ID, TimeSpecified: m.TimeSpecified}
}

// TimeRange requests a capture that is not tied to an EPG program.
type TimeRange struct {
	ChannelID   int64  `json:"channelId"`
	StartAt     int64  `json:"startAt"`
	EndAt       int64  `json:"endAt"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

// AddRequest is a manual reservation request. Exactly one of ProgramID and
// Time must be set.
type AddRequest struct {
	ProgramID    int64         `json:"programId,omitempty"`
	Time         *TimeRange    `json:"time,omitempty"`
	AllowEndLack bool          `json:"allowEndLack"`
	Option       *RecordOption `json:"option,omitempty"`
	Encode       *Encode       `json:"encode,omitempty"`
}

// ProgramLookup resolves a program id against the current EPG.
type ProgramLookup func(id int64) (epg.Program, bool)

// ChannelLookup resolves a channel id against the current service list.
type ChannelLookup func(id int64) (epg.Channel, bool)

// NewManualReserve validates req and builds the manual reservation to be
// persisted. It performs no I/O; the returned value has no ID yet.
func NewManualReserve(req AddRequest, programs ProgramLookup, channels ChannelLookup) (ManualReserve, error) {
	m := ManualReserve{
		AllowEndLack: req.AllowEndLack,
		Option:       req.Option,
		Encode:       req.Encode,
	}

	switch {
	case req.ProgramID != 0 && req.Time != nil:
		return ManualReserve{}, fmt.Errorf("%w: both programId and time range given", ErrInvalidReserveRequest)
	case req.ProgramID != 0:
		p, ok := programs(req.ProgramID)
		if !ok {
			return ManualReserve{}, fmt.Errorf("%w: %d", ErrProgramNotFound, req.ProgramID)
		}
		m.ProgramID = p.ID
		m.Program = p
	case req.Time != nil:
		t := req.Time
		if t.EndAt <= t.StartAt {
			return ManualReserve{}, fmt.Errorf("%w: endAt %d <= startAt %d", ErrTimeRangeInvalid, t.EndAt, t.StartAt)
		}
		ch, ok := channels(t.ChannelID)
		if !ok {
			return ManualReserve{}, fmt.Errorf("%w: %d", ErrChannelNotFound, t.ChannelID)
		}
		m.TimeSpecified = true
		m.Program = epg.Program{
			ChannelID:   ch.ID,
			ChannelType: ch.ChannelType,
			ServiceID:   ch.ServiceID,
			NetworkID:   ch.NetworkID,
			StartAt:     t.StartAt,
			EndAt:       t.EndAt,
			Name:        t.Name,
			Description: t.Description,
		}
	default:
		return ManualReserve{}, fmt.Errorf("%w: programId or time range required", ErrInvalidReserveRequest)
	}

	if m.Encode != nil {
		for i, mode := range m.Encode.Modes {
			if mode != nil && mode.Mode < 0 {
				return ManualReserve{}, fmt.Errorf("%w: encode mode %d is negative", ErrInvalidReserveRequest, i)
			}
		}
	}
	return m, nil
}
