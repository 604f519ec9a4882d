// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package dispatch delivers capture instructions to the capture backend,
// queueing them while the backend is unreachable.
package dispatch

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/metrics"
	"github.com/ManuGH/epgrec/internal/resilience"
	"github.com/ManuGH/epgrec/internal/telemetry"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const stripeCount = 64

// Config controls retry pacing and the backend breaker.
type Config struct {
	RetryInterval    time.Duration
	RetryRate        rate.Limit
	RetryBurst       int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// DefaultConfig returns the retry settings used by the daemon.
func DefaultConfig() Config {
	return Config{
		RetryInterval:    10 * time.Second,
		RetryRate:        5,
		RetryBurst:       1,
		BreakerThreshold: 3,
		BreakerReset:     30 * time.Second,
	}
}

type instruction struct {
	op       dvr.Op
	tuner    dvr.Tuner
	program  epg.Program
	window   dvr.Window
	opts     dvr.EffectiveOptions
	attempts int
}

type pendingEntry struct {
	seq    uint64
	instrs []instruction
}

// Queue implements dvr.Dispatcher on top of a backend. Instructions for the
// same reservation are delivered in order; while earlier ones wait for
// retry, later ones are coalesced behind them.
type Queue struct {
	backend  dvr.Dispatcher
	breaker  *resilience.CircuitBreaker
	limiter  *rate.Limiter
	interval time.Duration
	logger   zerolog.Logger

	stripes [stripeCount]sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingEntry
	seq     uint64
}

var _ dvr.Dispatcher = (*Queue)(nil)

// NewQueue wraps backend. Errors from the backend that wrap
// dvr.ErrDispatchUnavailable queue the instruction; others are returned
// to the caller as they are.
func NewQueue(backend dvr.Dispatcher, cfg Config, opts ...resilience.Option) *Queue {
	def := DefaultConfig()
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.RetryRate <= 0 {
		cfg.RetryRate = def.RetryRate
	}
	if cfg.RetryBurst <= 0 {
		cfg.RetryBurst = def.RetryBurst
	}

	opts = append([]resilience.Option{
		resilience.WithFailurePredicate(func(err error) bool {
			return errors.Is(err, dvr.ErrDispatchUnavailable)
		}),
	}, opts...)

	return &Queue{
		backend:  backend,
		breaker:  resilience.NewCircuitBreaker("capture_backend", cfg.BreakerThreshold, cfg.BreakerReset, opts...),
		limiter:  rate.NewLimiter(cfg.RetryRate, cfg.RetryBurst),
		interval: cfg.RetryInterval,
		logger:   log.WithComponent("dispatch"),
		pending:  make(map[string]*pendingEntry),
	}
}

func (q *Queue) StartCapture(ctx context.Context, reserveID string, tuner dvr.Tuner, program epg.Program, window dvr.Window, opts dvr.EffectiveOptions) error {
	return q.submit(ctx, reserveID, instruction{op: dvr.OpStart, tuner: tuner, program: program, window: window, opts: opts})
}

func (q *Queue) CancelCapture(ctx context.Context, reserveID string) error {
	return q.submit(ctx, reserveID, instruction{op: dvr.OpCancel})
}

func (q *Queue) RescheduleCapture(ctx context.Context, reserveID string, tuner dvr.Tuner, window dvr.Window) error {
	return q.submit(ctx, reserveID, instruction{op: dvr.OpReschedule, tuner: tuner, window: window})
}

// Pending returns the number of queued instructions.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

func (q *Queue) stripe(id string) *sync.Mutex {
	return &q.stripes[xxhash.Sum64String(id)%stripeCount]
}

func (q *Queue) submit(ctx context.Context, id string, in instruction) error {
	l := q.stripe(id)
	l.Lock()
	defer l.Unlock()

	if q.hasPending(id) {
		if !q.enqueue(id, in) {
			return nil
		}
		return fmt.Errorf("%w: %s %s queued behind earlier instruction", dvr.ErrDispatchUnavailable, in.op, id)
	}

	err := q.deliver(ctx, id, in)
	if err == nil || !unavailable(err) {
		return err
	}
	q.enqueue(id, in)
	q.logger.Warn().Err(err).Str("op", string(in.op)).Str(log.FieldReserveID, id).Msg("capture backend unavailable, instruction queued")
	if errors.Is(err, dvr.ErrDispatchUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", dvr.ErrDispatchUnavailable, err)
}

func (q *Queue) deliver(ctx context.Context, id string, in instruction) error {
	var tuner string
	if !in.tuner.IsZero() {
		tuner = in.tuner.String()
	}
	ctx, span := telemetry.Tracer("epgrec/dispatch").Start(ctx, "dispatch."+string(in.op),
		trace.WithAttributes(telemetry.DispatchAttributes(string(in.op), id, tuner)...))
	defer span.End()

	err := q.breaker.Execute(func() error {
		switch in.op {
		case dvr.OpStart:
			return q.backend.StartCapture(ctx, id, in.tuner, in.program, in.window, in.opts)
		case dvr.OpReschedule:
			return q.backend.RescheduleCapture(ctx, id, in.tuner, in.window)
		case dvr.OpCancel:
			return q.backend.CancelCapture(ctx, id)
		}
		return fmt.Errorf("unknown op %q", in.op)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func unavailable(err error) bool {
	return errors.Is(err, dvr.ErrDispatchUnavailable) || errors.Is(err, resilience.ErrCircuitOpen)
}

func (q *Queue) hasPending(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending[id]
	return ok
}

// enqueue appends in to the instructions waiting for id and reports whether
// anything is left to deliver.
func (q *Queue) enqueue(id string, in instruction) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.pending[id]
	if !ok {
		q.seq++
		e = &pendingEntry{seq: q.seq}
		q.pending[id] = e
	}
	e.instrs = coalesce(e.instrs, in)
	if len(e.instrs) == 0 {
		delete(q.pending, id)
	}
	metrics.SetDispatchQueueDepth(q.depthLocked())
	return len(e.instrs) > 0
}

// coalesce folds in into the tail of list. A start that never reached the
// backend and is then canceled disappears.
func coalesce(list []instruction, in instruction) []instruction {
	n := len(list)
	if n == 0 {
		return append(list, in)
	}
	last := &list[n-1]
	switch {
	case last.op == dvr.OpStart && in.op == dvr.OpReschedule:
		last.tuner, last.window = in.tuner, in.window
		return list
	case last.op == dvr.OpStart && in.op == dvr.OpCancel:
		return list[:n-1]
	case last.op == dvr.OpReschedule && (in.op == dvr.OpReschedule || in.op == dvr.OpCancel):
		*last = in
		return list
	case last.op == dvr.OpCancel && in.op == dvr.OpCancel:
		return list
	}
	return append(list, in)
}

func (q *Queue) depthLocked() int {
	n := 0
	for _, e := range q.pending {
		n += len(e.instrs)
	}
	return n
}

// Flush retries queued instructions in the order they were first queued. It
// stops at the first reservation whose backend is still unavailable.
func (q *Queue) Flush(ctx context.Context) (delivered int) {
	for _, id := range q.pendingIDs() {
		if err := q.limiter.Wait(ctx); err != nil {
			return delivered
		}
		n, ok := q.retry(ctx, id)
		delivered += n
		if !ok {
			break
		}
	}
	return delivered
}

func (q *Queue) pendingIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids := make([]string, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		return cmp.Compare(q.pending[a].seq, q.pending[b].seq)
	})
	return ids
}

// retry delivers the instructions queued for id. It reports false when the
// backend went away again.
func (q *Queue) retry(ctx context.Context, id string) (delivered int, ok bool) {
	l := q.stripe(id)
	l.Lock()
	defer l.Unlock()

	for {
		in, found := q.head(id)
		if !found {
			return delivered, true
		}

		err := q.deliver(ctx, id, in)
		switch {
		case err == nil:
			delivered++
			metrics.RecordDispatchRetry("success")
			q.logger.Info().Str("op", string(in.op)).Str(log.FieldReserveID, id).Int("attempts", in.attempts+1).
				Msg("queued capture instruction delivered")
		case unavailable(err):
			q.bumpAttempts(id)
			metrics.RecordDispatchRetry("failure")
			q.logger.Debug().Err(err).Str(log.FieldReserveID, id).Msg("capture backend still unavailable")
			return delivered, false
		default:
			metrics.RecordDispatchRetry("failure")
			q.logger.Error().Err(err).Str("op", string(in.op)).Str(log.FieldReserveID, id).
				Msg("capture backend rejected queued instruction, dropping it")
		}
		q.pop(id)
	}
}

func (q *Queue) head(id string) (instruction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok || len(e.instrs) == 0 {
		return instruction{}, false
	}
	return e.instrs[0], true
}

func (q *Queue) pop(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.pending[id]
	if !ok {
		return
	}
	e.instrs = e.instrs[1:]
	if len(e.instrs) == 0 {
		delete(q.pending, id)
	}
	metrics.SetDispatchQueueDepth(q.depthLocked())
}

func (q *Queue) bumpAttempts(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.pending[id]; ok && len(e.instrs) > 0 {
		e.instrs[0].attempts++
	}
}

// Serve retries queued instructions until ctx is done.
func (q *Queue) Serve(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	q.logger.Info().Dur("interval", q.interval).Msg("dispatch retry loop started")
	for {
		select {
		case <-ctx.Done():
			if n := q.Pending(); n > 0 {
				q.logger.Warn().Int("pending", n).Msg("dispatch retry loop stopped with queued instructions")
			}
			return ctx.Err()
		case <-ticker.C:
			if q.Pending() > 0 {
				q.Flush(ctx)
			}
		}
	}
}

func (q *Queue) String() string { return "dispatch-queue" }
