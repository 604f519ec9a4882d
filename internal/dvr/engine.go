// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/metrics"
	"github.com/ManuGH/epgrec/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// Engine owns the published reservation set and runs recompute cycles.
// At most one cycle is active at a time. Triggers arriving while a cycle runs
// are folded into a single follow-up cycle.
type Engine struct {
	store      Store
	dispatcher Dispatcher
	sink       CaptureSink
	clock      Clock
	logger     zerolog.Logger
	exportPath string

	settings atomic.Pointer[Settings]

	cycleMu sync.Mutex
	group   singleflight.Group

	trigMu  sync.Mutex
	running bool
	pending bool
	reason  Trigger
	wake    chan struct{}

	flagsMu sync.Mutex

	mu         sync.RWMutex
	state      State
	published  []Reserve
	executing  map[Key]Reserve
	finished   map[Key]int64 // key -> window end, for captures reported done
	lastErr    error
	lastReport CycleReport
	ruleErrors map[int64]error
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock replaces the wall clock.
func WithClock(c Clock) EngineOption {
	return func(e *Engine) { e.clock = c }
}

// WithLogger replaces the component logger.
func WithLogger(l zerolog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// WithCaptureSink registers the receiver of completed captures.
func WithCaptureSink(s CaptureSink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithExportPath enables writing the published set to path after every
// successful cycle.
func WithExportPath(path string) EngineOption {
	return func(e *Engine) { e.exportPath = path }
}

// NewEngine creates an engine. Call Restore before Run to pick up the set
// published by a previous process.
func NewEngine(store Store, dispatcher Dispatcher, settings Settings, opts ...EngineOption) *Engine {
	e := &Engine{
		store:      store,
		dispatcher: dispatcher,
		clock:      RealClock{},
		logger:     log.WithComponent("dvr.engine"),
		wake:       make(chan struct{}, 1),
		state:      StateIdle,
		executing:  make(map[Key]Reserve),
		finished:   make(map[Key]int64),
		ruleErrors: make(map[int64]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.SetSettings(settings)
	metrics.SetEngineState(string(StateIdle))
	return e
}

// Settings returns the current configuration snapshot.
func (e *Engine) Settings() Settings {
	return *e.settings.Load()
}

// SetSettings installs a new configuration snapshot. It takes effect at the
// next cycle; callers trigger one with Trigger(TriggerConfig).
func (e *Engine) SetSettings(s Settings) {
	s.Tuners = maps.Clone(s.Tuners)
	if s.Location == nil {
		s.Location = time.Local
	}
	e.settings.Store(&s)
}

// Restore loads the previously published set from the store. Reserved items
// whose capture already started are treated as executing.
func (e *Engine) Restore(ctx context.Context) error {
	reserves, err := e.store.LoadReserves(ctx)
	if err != nil {
		return fmt.Errorf("load published reserves: %w", err)
	}
	now := e.clock.Now().UnixMilli()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.published = e.published[:0]
	for _, r := range reserves {
		if handedOver(r, now) {
			if r.Window.EndAt > now {
				e.executing[r.Key()] = r
			}
			continue
		}
		e.published = append(e.published, r)
	}
	e.logger.Info().
		Int("reserves", len(e.published)).
		Int("executing", len(e.executing)).
		Msg("restored published reservations")
	return nil
}

// Run is the controller loop. It waits for triggers and runs cycles until
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info().Msg("recompute controller started")
	defer e.logger.Info().Msg("recompute controller stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.wake:
		}

		e.trigMu.Lock()
		reason := e.reason
		e.trigMu.Unlock()

		// Outside the singleflight group, so the cycle always snapshots after
		// the trigger. Errors are recorded as the sticky last error.
		_, _ = e.runCycle(ctx, reason)
	}
}

// beginCycle marks a cycle as running. Triggers from here on are folded into
// one follow-up.
func (e *Engine) beginCycle() {
	e.trigMu.Lock()
	e.running = true
	e.pending = false
	e.trigMu.Unlock()
}

// endCycle wakes the controller for the follow-up cycle, if one is pending.
func (e *Engine) endCycle() {
	e.trigMu.Lock()
	defer e.trigMu.Unlock()

	e.running = false
	if !e.pending {
		return
	}
	e.pending = false
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Trigger asks the controller for a cycle. While a cycle runs, any number of
// triggers collapse into one follow-up cycle.
func (e *Engine) Trigger(reason Trigger) {
	e.trigMu.Lock()
	defer e.trigMu.Unlock()

	e.reason = reason
	if e.running {
		if e.pending {
			metrics.IncRecomputeCoalesced()
		}
		e.pending = true
		return
	}
	select {
	case e.wake <- struct{}{}:
	default:
		metrics.IncRecomputeCoalesced()
	}
}

// RequestRecompute enqueues an explicit recompute.
func (e *Engine) RequestRecompute() {
	e.Trigger(TriggerRequest)
}

// NotifyEPGUpdated signals a completed EPG refresh.
func (e *Engine) NotifyEPGUpdated() {
	e.Trigger(TriggerEPG)
}

// Recompute runs a cycle and waits for it. Concurrent callers share the
// cycle in flight. Triggers that arrive while it runs still get their own
// follow-up cycle from the controller.
func (e *Engine) Recompute(ctx context.Context, trigger Trigger) (CycleReport, error) {
	v, err, _ := e.group.Do("recompute", func() (any, error) {
		return e.runCycle(ctx, trigger)
	})
	report, _ := v.(CycleReport)
	return report, err
}

// cycleInput is the immutable snapshot a cycle computes against.
type cycleInput struct {
	snapshot *epg.Snapshot
	rules    []Rule
	manual   []ManualReserve
	flags    map[Key]Flags
	history  *History
}

func (e *Engine) runCycle(ctx context.Context, trigger Trigger) (CycleReport, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()
	e.beginCycle()
	defer e.endCycle()

	settings := e.Settings()
	started := e.clock.Now()
	now := started.UnixMilli()
	report := CycleReport{
		CycleID:    uuid.NewString(),
		Trigger:    trigger,
		StartedAt:  started,
		WindowFrom: now,
		WindowTo:   now + settings.Horizon.Milliseconds(),
	}

	ctx = log.ContextWithCycle(ctx, report.CycleID, string(trigger))
	logger := log.WithContext(ctx, e.logger)
	ctx, span := telemetry.Tracer("epgrec/dvr").Start(ctx, "dvr.recompute",
		trace.WithAttributes(telemetry.CycleAttributes(report.CycleID, string(trigger))...))
	defer span.End()
	defer e.setState(StateIdle)

	logger.Debug().Msg("recompute cycle started")

	prev, executing := e.advance(now)
	busy := busyClaims(executing)

	e.setState(StateCollecting)
	in, err := e.collect(ctx, report.WindowFrom, report.WindowTo)
	if err != nil {
		return e.abort(ctx, span, &report, StateCollecting, err)
	}
	report.Summary.ProgramsScanned = in.snapshot.Len()

	e.setState(StateMatching)
	cands, ruleReports, ruleErrs := e.match(logger, in, settings, now)
	report.Rules = ruleReports
	report.Summary.RulesEvaluated = len(ruleReports)
	report.Summary.RulesFailed = len(ruleErrs)
	report.Summary.Candidates = len(cands)

	e.setState(StateResolving)
	next := Resolve(ResolveInput{
		Candidates: cands,
		Capacity:   settings.Tuners,
		Locked:     lockedClaims(prev, now, settings.LockWindow),
		Busy:       busy,
	})
	if err := CheckAllocation(next, settings.Tuners, busy); err != nil {
		return e.abort(ctx, span, &report, StateResolving, err)
	}

	e.setState(StateDiffing)
	delta := Diff(prev, next)
	report.Summary.Added = len(delta.Added)
	report.Summary.Removed = len(delta.Removed)
	report.Summary.Changed = len(delta.Changed)

	e.setState(StatePublishing)
	if err := e.store.SaveReserves(ctx, next); err != nil {
		return e.abort(ctx, span, &report, StatePublishing, err)
	}

	rules := make(map[int64]*Rule, len(in.rules))
	for i := range in.rules {
		rules[in.rules[i].ID] = &in.rules[i]
	}
	report.Summary.InstructionsIssued, report.Summary.InstructionsFailed = e.dispatch(ctx, logger, delta.Instructions, rules, settings.Defaults)

	parts := Partition(next)
	report.Summary.Reserved = len(parts.Reserves)
	report.Summary.Conflicts = len(parts.Conflicts)
	report.Summary.Skips = len(parts.Skips)
	report.Summary.Overlaps = len(parts.Overlaps)

	finished := e.clock.Now()
	report.FinishedAt = finished
	report.DurationMs = finished.Sub(started).Milliseconds()
	report.Status = "success"

	e.mu.Lock()
	for k := range executing {
		if _, done := e.finished[k]; done {
			delete(executing, k)
		}
	}
	e.published = next
	e.executing = executing
	e.lastErr = nil
	e.lastReport = report
	e.ruleErrors = ruleErrs
	report.Summary.Executing = len(executing)
	e.lastReport.Summary.Executing = len(executing)
	e.mu.Unlock()

	if e.exportPath != "" {
		doc := Export{CycleID: report.CycleID, UpdatedAt: finished.UnixMilli(), Partitions: parts}
		if err := WriteExport(ctx, e.exportPath, doc); err != nil {
			logger.Warn().Err(err).Str(log.FieldPath, e.exportPath).Msg("reservation export failed")
		}
	}

	metrics.RecordRecomputeCycle("success", finished.Sub(started))
	metrics.SetReservations(string(StatusReserved), len(parts.Reserves))
	metrics.SetReservations(string(StatusConflict), len(parts.Conflicts))
	metrics.SetReservations(string(StatusSkip), len(parts.Skips))
	metrics.SetReservations(string(StatusOverlap), len(parts.Overlaps))
	metrics.SetReservationsExecuting(len(executing))
	span.SetAttributes(telemetry.CycleResultAttributes(report.Summary.ProgramsScanned,
		report.Summary.Candidates, report.Summary.Reserved, report.Summary.Conflicts)...)

	evt := logger.Debug()
	if !delta.Empty() || report.Summary.RulesFailed > 0 {
		evt = logger.Info()
	}
	evt.
		Int("programs", report.Summary.ProgramsScanned).
		Int("candidates", report.Summary.Candidates).
		Int("reserved", report.Summary.Reserved).
		Int("conflicts", report.Summary.Conflicts).
		Int("skips", report.Summary.Skips).
		Int("overlaps", report.Summary.Overlaps).
		Int("added", report.Summary.Added).
		Int("removed", report.Summary.Removed).
		Int("changed", report.Summary.Changed).
		Int("rule_errors", report.Summary.RulesFailed).
		Int64("duration_ms", report.DurationMs).
		Msg("recompute cycle published")

	return report, nil
}

func (e *Engine) abort(ctx context.Context, span trace.Span, report *CycleReport, phase State, cause error) (CycleReport, error) {
	err := fmt.Errorf("%w: %s: %w", ErrRecomputeAborted, phase, cause)

	finished := e.clock.Now()
	report.FinishedAt = finished
	report.DurationMs = finished.Sub(report.StartedAt).Milliseconds()
	report.Status = "failed"
	report.Error = err.Error()

	e.mu.Lock()
	e.lastErr = err
	e.lastReport = *report
	e.mu.Unlock()

	metrics.RecordRecomputeCycle("aborted", finished.Sub(report.StartedAt))
	span.RecordError(err)
	span.SetStatus(codes.Error, "recompute aborted")
	span.SetAttributes(telemetry.AbortAttributes(string(phase), err)...)

	logger := log.WithContext(ctx, e.logger)
	logger.Error().
		Err(err).
		Str("phase", string(phase)).
		Msg("recompute cycle aborted, previous reservations kept")
	return *report, err
}

// handedOver reports whether a reserved item belongs to the backend. Once its
// program has started the matcher no longer proposes it, so a late window that
// has not opened yet is handed over too.
func handedOver(r Reserve, now int64) bool {
	return r.Status == StatusReserved && r.Program.StartAt <= now
}

// advance splits the published set at now. Handed over items leave the set
// without a cancel and become executing until their window ends or the
// backend reports them done.
func (e *Engine) advance(now int64) ([]Reserve, map[Key]Reserve) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for k, end := range e.finished {
		if end <= now {
			delete(e.finished, k)
		}
	}

	executing := make(map[Key]Reserve, len(e.executing))
	for k, r := range e.executing {
		if _, done := e.finished[k]; !done && r.Window.EndAt > now {
			executing[k] = r
		}
	}

	prev := make([]Reserve, 0, len(e.published))
	for _, r := range e.published {
		if handedOver(r, now) {
			k := r.Key()
			if _, done := e.finished[k]; !done && r.Window.EndAt > now {
				executing[k] = r
			}
			continue
		}
		prev = append(prev, r)
	}
	return prev, executing
}

func (e *Engine) collect(ctx context.Context, from, to int64) (cycleInput, error) {
	var (
		in       cycleInput
		programs []epg.Program
		channels []epg.Channel
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		programs, err = e.store.FindProgramsInWindow(gctx, from, to, nil)
		if err != nil {
			return fmt.Errorf("find programs: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		channels, err = e.store.FindServices(gctx, epg.ChannelTypes, false)
		if err != nil {
			return fmt.Errorf("find services: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		in.rules, err = e.store.ListRules(gctx)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		in.manual, err = e.store.ListManual(gctx)
		if err != nil {
			return fmt.Errorf("list manual reserves: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		in.flags, err = e.store.ListFlags(gctx)
		if err != nil {
			return fmt.Errorf("list reserve flags: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return cycleInput{}, err
	}

	slices.SortFunc(in.rules, func(a, b Rule) int { return cmp.Compare(a.ID, b.ID) })
	slices.SortFunc(in.manual, func(a, b ManualReserve) int { return cmp.Compare(a.ID, b.ID) })
	in.snapshot = epg.NewSnapshot(from, to, programs, channels)

	if since, ok := historySince(in.rules, from); ok {
		recorded, err := e.store.FindRecordedNames(ctx, since)
		if err != nil {
			return cycleInput{}, fmt.Errorf("find recorded names: %w", err)
		}
		in.history = NewHistory(recorded)
	}
	return in, nil
}

// historySince returns the oldest recorded start any enabled rule needs for
// duplicate avoidance. ok is false when no rule avoids duplicates.
func historySince(rules []Rule, now int64) (since int64, ok bool) {
	since = now
	for _, r := range rules {
		if !r.Enabled() || !r.Search.AvoidDuplicate {
			continue
		}
		ok = true
		if r.Search.PeriodToAvoidDuplicate <= 0 {
			return 0, true
		}
		since = min(since, now-int64(r.Search.PeriodToAvoidDuplicate)*dayMillis)
	}
	return since, ok
}

func (e *Engine) match(logger zerolog.Logger, in cycleInput, s Settings, now int64) ([]Candidate, []RuleReport, map[int64]error) {
	var cands []Candidate
	reports := make([]RuleReport, 0, len(in.rules))
	errs := make(map[int64]error)

	for _, r := range in.rules {
		if !r.Enabled() {
			continue
		}
		rep := RuleReport{RuleID: r.ID}
		m, err := CompileRule(r, s.Location)
		if err != nil {
			rep.Error = err.Error()
			reports = append(reports, rep)
			errs[r.ID] = err
			metrics.IncRuleMatchErrors()
			logger.Warn().Err(err).Int64(log.FieldRuleID, r.ID).Msg("rule skipped, invalid search option")
			continue
		}
		for p := range m.Match(in.snapshot, in.history) {
			if p.StartAt <= now {
				continue
			}
			f := in.flags[Key{RuleID: r.ID, ProgramID: p.ID}]
			cands = append(cands, Candidate{
				Origin:       RuleOrigin{RuleID: r.ID, DisableOverlap: f.DisableOverlap},
				Program:      p,
				AllowEndLack: r.Option.AllowEndLack,
				Skip:         f.Skip,
			})
			rep.Matched++
		}
		reports = append(reports, rep)
	}

	for _, mr := range in.manual {
		p := mr.Program
		if !mr.TimeSpecified {
			if live, ok := in.snapshot.Program(mr.ProgramID); ok {
				p = live
			}
		}
		if p.StartAt <= now {
			continue
		}
		f := in.flags[Key{ManualID: mr.ID}]
		cands = append(cands, Candidate{
			Origin:       mr.Origin(),
			Program:      p,
			AllowEndLack: mr.AllowEndLack,
			Option:       mr.Option,
			Encode:       mr.Encode,
			Skip:         f.Skip,
		})
	}
	return cands, reports, errs
}

// lockedClaims pins reserved items that start within the lock window.
func lockedClaims(prev []Reserve, now int64, lock time.Duration) []Claim {
	horizon := now + lock.Milliseconds()
	var out []Claim
	for _, r := range prev {
		if r.Status == StatusReserved && r.Window.StartAt <= horizon {
			out = append(out, Claim{Key: r.Key(), Tuner: r.Tuner, Window: r.Window})
		}
	}
	return out
}

func busyClaims(executing map[Key]Reserve) []Claim {
	out := make([]Claim, 0, len(executing))
	for k, r := range executing {
		out = append(out, Claim{Key: k, Tuner: r.Tuner, Window: r.Window})
	}
	slices.SortFunc(out, func(a, b Claim) int {
		if c := cmp.Compare(a.Window.StartAt, b.Window.StartAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Key.String(), b.Key.String())
	})
	return out
}

// dispatch sends instructions in order. Failures do not abort the cycle;
// queued instructions are retried by the dispatcher.
func (e *Engine) dispatch(ctx context.Context, logger zerolog.Logger, instrs []Instruction, rules map[int64]*Rule, defaults Defaults) (issued, failed int) {
	for _, in := range instrs {
		r := in.Reserve
		id := r.ID()

		var err error
		switch in.Op {
		case OpStart:
			opts := ResolveOptions(r, rules[r.RuleID()], defaults)
			err = e.dispatcher.StartCapture(ctx, id, r.Tuner, r.Program, r.Window, opts)
		case OpReschedule:
			err = e.dispatcher.RescheduleCapture(ctx, id, r.Tuner, r.Window)
		case OpCancel:
			err = e.dispatcher.CancelCapture(ctx, id)
		}
		issued++

		result := "ok"
		if err != nil {
			failed++
			result = "error"
			if errors.Is(err, ErrDispatchUnavailable) {
				result = "queued"
			}
			logger.Warn().
				Err(err).
				Str("op", string(in.Op)).
				Str(log.FieldReserveID, id).
				Str(log.FieldTuner, r.Tuner.String()).
				Msg("capture instruction not delivered")
		}
		metrics.RecordDispatchInstruction(string(in.Op), result)
	}
	return issued, failed
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	old := e.state
	e.state = s
	e.mu.Unlock()
	if old != s {
		metrics.SetEngineState(string(s))
		e.logger.Trace().Str(log.FieldOldState, string(old)).Str(log.FieldNewState, string(s)).Msg("engine state")
	}
}

// State returns the current phase of the state machine.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// List returns the published reservations matching f, split by status.
func (e *Engine) List(f ListFilter) Partitions {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var sel []Reserve
	for _, r := range e.published {
		if f.match(r) {
			sel = append(sel, r)
		}
	}
	return Partition(sel)
}

// Reserves returns a copy of the published set in resolver order.
func (e *Engine) Reserves() []Reserve {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Clone(e.published)
}

// Executing returns the captures handed to the backend that have not
// finished, ordered by start.
func (e *Engine) Executing() []Reserve {
	e.mu.RLock()
	out := slices.Collect(maps.Values(e.executing))
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b Reserve) int {
		return compareOrder(a.Origin, a.Program, b.Origin, b.Program)
	})
	return out
}

// Reserve looks up a published or executing reservation by id.
func (e *Engine) Reserve(id string) (Reserve, error) {
	k, err := ParseKey(id)
	if err != nil {
		return Reserve{}, err
	}
	if r, ok := e.lookup(k); ok {
		return r, nil
	}
	return Reserve{}, fmt.Errorf("%w: %s", ErrReserveNotFound, id)
}

func (e *Engine) lookup(k Key) (Reserve, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if r, ok := e.executing[k]; ok {
		return r, true
	}
	for _, r := range e.published {
		if r.Key() == k {
			return r, true
		}
	}
	return Reserve{}, false
}

// LastError returns the error of the last cycle, or nil if it succeeded.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// LastReport returns the report of the last finished cycle.
func (e *Engine) LastReport() CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r := e.lastReport
	r.Rules = slices.Clone(r.Rules)
	return r
}

// RuleErrors returns the rules that failed to compile in the last
// successful cycle.
func (e *Engine) RuleErrors() map[int64]error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return maps.Clone(e.ruleErrors)
}
