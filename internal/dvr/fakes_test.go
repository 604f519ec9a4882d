// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
)

var testNow = time.Date(2026, time.March, 2, 12, 0, 0, 0, time.UTC) // Monday

func ms(d time.Duration) int64 { return testNow.Add(d).UnixMilli() }

func program(id int64, ct epg.ChannelType, name string, start, end time.Duration) epg.Program {
	return epg.Program{
		ID:          id,
		ChannelID:   channelIDs[ct],
		ChannelType: ct,
		StartAt:     ms(start),
		EndAt:       ms(end),
		Name:        name,
	}
}

var channelIDs = map[epg.ChannelType]int64{epg.GR: 101, epg.BS: 102, epg.CS: 103, epg.SKY: 104}

func ptr[T any](v T) *T { return &v }

// memStore is an in-memory Store.
type memStore struct {
	mu sync.Mutex

	programs []epg.Program
	channels []epg.Channel
	recorded []Recorded
	rules    map[int64]Rule
	manual   map[int64]ManualReserve
	flags    map[Key]Flags
	reserves []Reserve
	nextID   int64

	saveErr     error
	programsErr error
	saves       int
	onListRules func()
	// rulesListed runs after the rules were read, before they are returned.
	rulesListed func()
}

func newMemStore() *memStore {
	return &memStore{
		channels: []epg.Channel{
			{ID: 101, ChannelType: epg.GR, Name: "GR1"},
			{ID: 102, ChannelType: epg.BS, Name: "BS1"},
		},
		rules:  make(map[int64]Rule),
		manual: make(map[int64]ManualReserve),
		flags:  make(map[Key]Flags),
	}
}

func (s *memStore) addPrograms(ps ...epg.Program) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.programs = append(s.programs, ps...)
}

func (s *memStore) FindProgramsInWindow(_ context.Context, startAt, endAt int64, ct *epg.ChannelType) ([]epg.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.programsErr != nil {
		return nil, s.programsErr
	}
	var out []epg.Program
	for _, p := range s.programs {
		if p.Overlaps(startAt, endAt) && (ct == nil || p.ChannelType == *ct) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *memStore) FindServices(_ context.Context, types []epg.ChannelType, _ bool) ([]epg.Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []epg.Channel
	for _, c := range s.channels {
		if slices.Contains(types, c.ChannelType) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) FindProgram(_ context.Context, id int64) (epg.Program, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.programs {
		if p.ID == id {
			return p, nil
		}
	}
	return epg.Program{}, fmt.Errorf("%w: %d", ErrProgramNotFound, id)
}

func (s *memStore) FindRecordedNames(_ context.Context, since int64) ([]Recorded, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Recorded
	for _, r := range s.recorded {
		if r.StartAt >= since {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) AddRecorded(_ context.Context, r Recorded) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recorded = append(s.recorded, r)
	return nil
}

func (s *memStore) ListRules(context.Context) ([]Rule, error) {
	if s.onListRules != nil {
		s.onListRules()
	}
	s.mu.Lock()
	rules := slices.Collect(maps.Values(s.rules))
	s.mu.Unlock()
	if s.rulesListed != nil {
		s.rulesListed()
	}
	return rules, nil
}

func (s *memStore) GetRule(_ context.Context, id int64) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return Rule{}, fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	return r, nil
}

func (s *memStore) AddRule(_ context.Context, r Rule) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	r.ID = s.nextID
	s.rules[r.ID] = r
	return r.ID, nil
}

func (s *memStore) UpdateRule(_ context.Context, r Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[r.ID]; !ok {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, r.ID)
	}
	s.rules[r.ID] = r
	return nil
}

func (s *memStore) DeleteRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %d", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	maps.DeleteFunc(s.flags, func(k Key, _ Flags) bool { return k.RuleID == id })
	return nil
}

func (s *memStore) ListManual(context.Context) ([]ManualReserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Collect(maps.Values(s.manual)), nil
}

func (s *memStore) GetManual(_ context.Context, id int64) (ManualReserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.manual[id]
	if !ok {
		return ManualReserve{}, fmt.Errorf("%w: m%d", ErrReserveNotFound, id)
	}
	return m, nil
}

func (s *memStore) AddManual(_ context.Context, m ManualReserve) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	m.ID = s.nextID
	s.manual[m.ID] = m
	return m.ID, nil
}

func (s *memStore) DeleteManual(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manual[id]; !ok {
		return fmt.Errorf("%w: m%d", ErrReserveNotFound, id)
	}
	delete(s.manual, id)
	return nil
}

func (s *memStore) ListFlags(context.Context) (map[Key]Flags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.flags), nil
}

func (s *memStore) SetFlags(_ context.Context, k Key, f Flags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f == (Flags{}) {
		delete(s.flags, k)
		return nil
	}
	s.flags[k] = f
	return nil
}

func (s *memStore) SaveReserves(_ context.Context, reserves []Reserve) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.reserves = slices.Clone(reserves)
	return nil
}

func (s *memStore) LoadReserves(context.Context) ([]Reserve, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.reserves), nil
}

type dispatchCall struct {
	Op     Op
	ID     string
	Tuner  Tuner
	Window Window
}

// recordingDispatcher records instructions and optionally fails them.
type recordingDispatcher struct {
	mu    sync.Mutex
	calls []dispatchCall
	err   error
}

func (d *recordingDispatcher) record(c dispatchCall) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, c)
	return d.err
}

func (d *recordingDispatcher) StartCapture(_ context.Context, id string, tuner Tuner, _ epg.Program, w Window, _ EffectiveOptions) error {
	return d.record(dispatchCall{Op: OpStart, ID: id, Tuner: tuner, Window: w})
}

func (d *recordingDispatcher) CancelCapture(_ context.Context, id string) error {
	return d.record(dispatchCall{Op: OpCancel, ID: id})
}

func (d *recordingDispatcher) RescheduleCapture(_ context.Context, id string, tuner Tuner, w Window) error {
	return d.record(dispatchCall{Op: OpReschedule, ID: id, Tuner: tuner, Window: w})
}

func (d *recordingDispatcher) Calls() []dispatchCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.calls)
}

func (d *recordingDispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = nil
}

type sinkCall struct {
	Reserve Reserve
	Opts    EffectiveOptions
	Result  CaptureResult
}

type recordingSink struct {
	mu    sync.Mutex
	calls []sinkCall
}

func (s *recordingSink) CaptureCompleted(_ context.Context, r Reserve, opts EffectiveOptions, result CaptureResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sinkCall{Reserve: r, Opts: opts, Result: result})
}

// MockClock is a settable clock whose timers fire on demand.
type MockClock struct {
	mu    sync.Mutex
	now   time.Time
	Timer *MockTimer
}

func newMockClock() *MockClock { return &MockClock{now: testNow} }

func (m *MockClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.now.IsZero() {
		return time.Now()
	}
	return m.now
}

func (m *MockClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

func (m *MockClock) NewTimer(time.Duration) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Timer == nil {
		m.Timer = &MockTimer{CBox: make(chan time.Time, 1)}
	}
	return m.Timer
}

// GetTimer returns the timer safely
func (m *MockClock) GetTimer() *MockTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Timer
}

// MockTimer
type MockTimer struct {
	CBox chan time.Time
}

func (m *MockTimer) C() <-chan time.Time      { return m.CBox }
func (m *MockTimer) Stop() bool               { return true }
func (m *MockTimer) Reset(time.Duration) bool { return true }

func (m *MockTimer) Trigger() {
	select {
	case m.CBox <- time.Now():
	default:
	}
}
