// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package epg holds the read-only program guide model consumed by the
// reservation engine.
package epg

import (
	"fmt"
	"time"
)

// ChannelType is the broadcast category a tuner can receive.
type ChannelType string

const (
	GR  ChannelType = "GR"
	BS  ChannelType = "BS"
	CS  ChannelType = "CS"
	SKY ChannelType = "SKY"
)

// ChannelTypes lists every broadcast category in canonical order.
var ChannelTypes = []ChannelType{GR, BS, CS, SKY}

// Valid reports whether t is one of the known broadcast categories.
func (t ChannelType) Valid() bool {
	switch t {
	case GR, BS, CS, SKY:
		return true
	}
	return false
}

// ParseChannelType converts a string into a ChannelType.
func ParseChannelType(s string) (ChannelType, error) {
	t := ChannelType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown channel type %q", s)
	}
	return t, nil
}

// Genre is a two-level ARIB genre pair.
type Genre struct {
	Lv1 int `json:"lv1"`
	Lv2 int `json:"lv2"`
}

// MaxGenres is the number of genre pairs a program carries at most.
const MaxGenres = 3

// Program is a single EPG entry. Times are unix milliseconds.
type Program struct {
	ID          int64       `json:"id"`
	ChannelID   int64       `json:"channelId"`
	ChannelType ChannelType `json:"channelType"`
	EventID     int64       `json:"eventId,omitempty"`
	ServiceID   int64       `json:"serviceId,omitempty"`
	NetworkID   int64       `json:"networkId,omitempty"`
	StartAt     int64       `json:"startAt"`
	EndAt       int64       `json:"endAt"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Extended    string      `json:"extended,omitempty"`
	Genres      []Genre     `json:"genres,omitempty"`
	IsFree      bool        `json:"isFree"`
}

// Duration returns the scheduled length of the program.
func (p Program) Duration() time.Duration {
	return time.Duration(p.EndAt-p.StartAt) * time.Millisecond
}

// Start returns the start time in the given location.
func (p Program) Start(loc *time.Location) time.Time {
	return time.UnixMilli(p.StartAt).In(loc)
}

// Overlaps reports whether p intersects the half-open window [from, to).
func (p Program) Overlaps(from, to int64) bool {
	return p.StartAt < to && p.EndAt > from
}

// Channel is a broadcast service.
type Channel struct {
	ID                 int64       `json:"id"`
	ServiceID          int64       `json:"serviceId"`
	NetworkID          int64       `json:"networkId"`
	Name               string      `json:"name"`
	ChannelType        ChannelType `json:"channelType"`
	HasLogoData        bool        `json:"hasLogoData"`
	RemoteControlKeyID int         `json:"remoteControlKeyId,omitempty"`
}
