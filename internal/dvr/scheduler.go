package dvr

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ManuGH/epgrec/internal/log"
	"github.com/rs/zerolog"
)

// Recomputer runs a recompute cycle synchronously.
type Recomputer interface {
	Recompute(ctx context.Context, trigger Trigger) (CycleReport, error)
}

// Scheduler runs periodic recompute cycles so that reservations follow the
// clock (items entering the lock window, started captures) even when nothing
// else triggers the engine.
type Scheduler struct {
	engine Recomputer
	logger zerolog.Logger

	// Config
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Jitter       time.Duration
	StartupDelay time.Duration

	// Dependencies
	clock Clock

	// State
	mu              sync.Mutex
	currentInterval time.Duration
}

// Clock interface for mocking time
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

// Timer interface for mocking time.Timer
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// RealClock implements Clock using standard time package
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
func (RealClock) NewTimer(d time.Duration) Timer {
	return &RealTimer{t: time.NewTimer(d)}
}

// RealTimer wraps time.Timer
type RealTimer struct {
	t *time.Timer
}

func (r *RealTimer) C() <-chan time.Time        { return r.t.C }
func (r *RealTimer) Stop() bool                 { return r.t.Stop() }
func (r *RealTimer) Reset(d time.Duration) bool { return r.t.Reset(d) }

// NewScheduler creates a scheduler for the engine.
func NewScheduler(engine Recomputer, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:       engine,
		logger:       log.WithComponent("dvr.scheduler"),
		BaseInterval: time.Minute,
		MaxInterval:  15 * time.Minute,
		Jitter:       5 * time.Second,
		StartupDelay: 2 * time.Second,
		clock:        RealClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock replaces the wall clock, for tests.
func WithSchedulerClock(c Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// Serve runs the scheduling loop until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.logger.Info().Msg("recompute scheduler started")

	timer := s.clock.NewTimer(s.nextDuration(true))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("recompute scheduler stopping")
			return ctx.Err()
		case <-timer.C():
			report, err := s.engine.Recompute(ctx, TriggerScheduled)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Error().Err(err).Str(log.FieldCycleID, report.CycleID).Msg("scheduled recompute failed, backing off")
				s.increaseBackoff()
			} else {
				evt := s.logger.Debug()
				if report.Summary.Added+report.Summary.Removed+report.Summary.Changed > 0 || report.Summary.InstructionsFailed > 0 {
					evt = s.logger.Info()
				}
				evt.
					Str(log.FieldCycleID, report.CycleID).
					Int("reserved", report.Summary.Reserved).
					Int("conflicts", report.Summary.Conflicts).
					Int("added", report.Summary.Added).
					Int("removed", report.Summary.Removed).
					Int("changed", report.Summary.Changed).
					Int("dispatch_failed", report.Summary.InstructionsFailed).
					Int64("duration_ms", report.DurationMs).
					Msg("scheduled recompute finished")
				s.resetBackoff()
			}

			timer.Reset(s.nextDuration(false))
		}
	}
}

func (s *Scheduler) nextDuration(isFirst bool) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isFirst {
		return s.StartupDelay + s.jitterDuration()
	}

	interval := s.currentInterval
	if interval == 0 {
		interval = s.BaseInterval
	}

	return interval + s.jitterDuration()
}

func (s *Scheduler) jitterDuration() time.Duration {
	// Random duration between -Jitter and +Jitter
	if s.Jitter <= 0 {
		return 0
	}
	ms := int64(s.Jitter / time.Millisecond)
	if ms == 0 {
		return 0
	}
	delta := rand.Int63n(ms*2) - ms
	return time.Duration(delta) * time.Millisecond
}

func (s *Scheduler) increaseBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentInterval == 0 {
		s.currentInterval = s.BaseInterval
	}

	s.currentInterval *= 2
	if s.currentInterval > s.MaxInterval {
		s.currentInterval = s.MaxInterval
	}
	s.logger.Info().Str("next_interval", s.currentInterval.String()).Msg("increased scheduler backoff")
}

func (s *Scheduler) resetBackoff() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currentInterval != s.BaseInterval {
		s.logger.Debug().Str("next_interval", s.BaseInterval.String()).Msg("reset scheduler backoff")
		s.currentInterval = s.BaseInterval
	}
}
