// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dvr

import (
	"context"
	"errors"
	"fmt"

	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/ManuGH/epgrec/internal/log"
)

// Mutations below persist through the store and then trigger a cycle. They
// never touch the published set directly; a mutation made while a cycle runs
// shows up in the follow-up cycle.

// ListRules returns every stored rule.
func (e *Engine) ListRules(ctx context.Context) ([]Rule, error) {
	return e.store.ListRules(ctx)
}

// GetRule returns a stored rule.
func (e *Engine) GetRule(ctx context.Context, id int64) (Rule, error) {
	return e.store.GetRule(ctx, id)
}

// AddRule validates and stores a new rule and returns its id.
func (e *Engine) AddRule(ctx context.Context, r Rule) (int64, error) {
	if err := r.Validate(); err != nil {
		return 0, err
	}
	r.ID = 0
	id, err := e.store.AddRule(ctx, r)
	if err != nil {
		return 0, fmt.Errorf("failed to add rule: %w", err)
	}
	e.logger.Info().Int64(log.FieldRuleID, id).Msg("rule added")
	e.Trigger(TriggerRule)
	return id, nil
}

// UpdateRule validates and replaces a stored rule.
func (e *Engine) UpdateRule(ctx context.Context, r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if err := e.store.UpdateRule(ctx, r); err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	e.logger.Info().Int64(log.FieldRuleID, r.ID).Msg("rule updated")
	e.Trigger(TriggerRule)
	return nil
}

// EnableRule toggles a rule. Enabling validates the rule first.
func (e *Engine) EnableRule(ctx context.Context, id int64, enable bool) error {
	r, err := e.store.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if r.Option.Enable == enable {
		return nil
	}
	r.Option.Enable = enable
	return e.UpdateRule(ctx, r)
}

// DeleteRule removes a rule. Its reservations disappear with the next cycle;
// manual reservations of the same programs are not affected.
func (e *Engine) DeleteRule(ctx context.Context, id int64) error {
	if err := e.store.DeleteRule(ctx, id); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	e.logger.Info().Int64(log.FieldRuleID, id).Msg("rule deleted")
	e.Trigger(TriggerRule)
	return nil
}

// AddManualReservation validates req against the current EPG and stores a
// manual reservation. No state is touched when validation fails.
func (e *Engine) AddManualReservation(ctx context.Context, req AddRequest) (ManualReserve, error) {
	var lookupErr error
	programs := func(id int64) (epg.Program, bool) {
		p, err := e.store.FindProgram(ctx, id)
		if err != nil {
			if !errors.Is(err, ErrProgramNotFound) {
				lookupErr = err
			}
			return epg.Program{}, false
		}
		return p, true
	}
	channels := func(id int64) (epg.Channel, bool) {
		chs, err := e.store.FindServices(ctx, epg.ChannelTypes, false)
		if err != nil {
			lookupErr = err
			return epg.Channel{}, false
		}
		for _, c := range chs {
			if c.ID == id {
				return c, true
			}
		}
		return epg.Channel{}, false
	}

	m, err := NewManualReserve(req, programs, channels)
	if lookupErr != nil {
		return ManualReserve{}, fmt.Errorf("lookup for manual reserve: %w", lookupErr)
	}
	if err != nil {
		return ManualReserve{}, err
	}
	if now := e.clock.Now().UnixMilli(); m.Program.EndAt <= now {
		return ManualReserve{}, fmt.Errorf("%w: program already ended", ErrTimeRangeInvalid)
	}

	if !m.TimeSpecified {
		existing, err := e.store.ListManual(ctx)
		if err != nil {
			return ManualReserve{}, err
		}
		for _, x := range existing {
			if !x.TimeSpecified && x.ProgramID == m.ProgramID {
				return ManualReserve{}, fmt.Errorf("%w: program %d (manual %d)", ErrAlreadyReserved, m.ProgramID, x.ID)
			}
		}
	}

	id, err := e.store.AddManual(ctx, m)
	if err != nil {
		return ManualReserve{}, fmt.Errorf("failed to add manual reserve: %w", err)
	}
	m.ID = id

	e.logger.Info().
		Int64(log.FieldManualID, id).
		Int64(log.FieldProgramID, m.ProgramID).
		Bool("time_specified", m.TimeSpecified).
		Msg("manual reservation added")
	e.Trigger(TriggerManual)
	return m, nil
}

// DeleteReservation removes a manual reservation, or skips a rule derived
// one so that it does not come back with the next cycle.
func (e *Engine) DeleteReservation(ctx context.Context, id string) error {
	k, err := ParseKey(id)
	if err != nil {
		return err
	}
	if k.Manual() {
		if err := e.store.DeleteManual(ctx, k.ManualID); err != nil {
			return err
		}
		if err := e.store.SetFlags(ctx, k, Flags{}); err != nil {
			e.logger.Warn().Err(err).Str(log.FieldReserveID, id).Msg("failed to clear reserve flags")
		}
		e.logger.Info().Str(log.FieldReserveID, id).Msg("manual reservation deleted")
		e.Trigger(TriggerManual)
		return nil
	}

	if _, ok := e.lookup(k); !ok {
		return fmt.Errorf("%w: %s", ErrReserveNotFound, id)
	}
	return e.updateFlags(ctx, k, func(f *Flags) { f.Skip = true })
}

// Skip excludes a reservation from allocation without deleting it.
func (e *Engine) Skip(ctx context.Context, id string) error {
	return e.setSkip(ctx, id, true)
}

// Unskip returns a skipped reservation to allocation.
func (e *Engine) Unskip(ctx context.Context, id string) error {
	return e.setSkip(ctx, id, false)
}

func (e *Engine) setSkip(ctx context.Context, id string, skip bool) error {
	k, err := e.existing(ctx, id)
	if err != nil {
		return err
	}
	return e.updateFlags(ctx, k, func(f *Flags) { f.Skip = skip })
}

// DisableOverlap makes a rule derived reservation compete for a tuner on its
// own instead of being reported as overlap of another reservation of the
// same program.
func (e *Engine) DisableOverlap(ctx context.Context, id string, disable bool) error {
	k, err := e.existing(ctx, id)
	if err != nil {
		return err
	}
	if k.Manual() {
		return fmt.Errorf("%w: overlap applies to rule reservations only", ErrInvalidReserveRequest)
	}
	return e.updateFlags(ctx, k, func(f *Flags) { f.DisableOverlap = disable })
}

// existing resolves id to a key known to the store or the published set.
func (e *Engine) existing(ctx context.Context, id string) (Key, error) {
	k, err := ParseKey(id)
	if err != nil {
		return Key{}, err
	}
	if k.Manual() {
		if _, err := e.store.GetManual(ctx, k.ManualID); err != nil {
			return Key{}, err
		}
		return k, nil
	}
	if _, ok := e.lookup(k); !ok {
		return Key{}, fmt.Errorf("%w: %s", ErrReserveNotFound, id)
	}
	return k, nil
}

func (e *Engine) updateFlags(ctx context.Context, k Key, fn func(*Flags)) error {
	e.flagsMu.Lock()
	defer e.flagsMu.Unlock()

	all, err := e.store.ListFlags(ctx)
	if err != nil {
		return err
	}
	f := all[k]
	before := f
	fn(&f)
	if f == before {
		return nil
	}
	if err := e.store.SetFlags(ctx, k, f); err != nil {
		return fmt.Errorf("failed to store reserve flags: %w", err)
	}
	e.logger.Info().
		Str(log.FieldReserveID, k.String()).
		Bool("skip", f.Skip).
		Bool("disable_overlap", f.DisableOverlap).
		Msg("reservation flags changed")
	e.Trigger(TriggerFlags)
	return nil
}

// CaptureCompleted records a finished capture: the program joins the
// recorded history and the capture sink receives it for encoding.
func (e *Engine) CaptureCompleted(ctx context.Context, reserveID string, result CaptureResult) error {
	r, err := e.finish(reserveID)
	if err != nil {
		return err
	}
	logger := e.logger.With().Str(log.FieldReserveID, reserveID).Logger()

	if err := e.store.AddRecorded(ctx, Recorded{Name: r.Program.Name, StartAt: r.Program.StartAt}); err != nil {
		logger.Warn().Err(err).Msg("failed to append recorded history")
	}

	if e.sink != nil {
		var rule *Rule
		if id := r.RuleID(); id != 0 {
			got, err := e.store.GetRule(ctx, id)
			if err == nil {
				rule = &got
			} else if !errors.Is(err, ErrRuleNotFound) {
				logger.Warn().Err(err).Int64(log.FieldRuleID, id).Msg("rule lookup failed, using reserve and global options")
			}
		}
		opts := ResolveOptions(r, rule, e.Settings().Defaults)
		e.sink.CaptureCompleted(ctx, r, opts, result)
	}

	logger.Info().Str(log.FieldPath, result.Path).Msg("capture completed")
	e.Trigger(TriggerCapture)
	return nil
}

// CaptureFailed records a failed capture. The tuner is released with the
// next cycle.
func (e *Engine) CaptureFailed(ctx context.Context, reserveID string, reason string) error {
	if _, err := e.finish(reserveID); err != nil {
		return err
	}
	logger := log.WithContext(ctx, e.logger)
	logger.Warn().
		Str(log.FieldReserveID, reserveID).
		Str("reason", reason).
		Msg("capture failed")
	e.Trigger(TriggerCapture)
	return nil
}

func (e *Engine) finish(reserveID string) (Reserve, error) {
	k, err := ParseKey(reserveID)
	if err != nil {
		return Reserve{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.executing[k]
	if ok {
		delete(e.executing, k)
	} else {
		for _, p := range e.published {
			if p.Key() == k && p.Status == StatusReserved {
				r, ok = p, true
				break
			}
		}
	}
	if !ok {
		return Reserve{}, fmt.Errorf("%w: %s", ErrReserveNotFound, reserveID)
	}
	e.finished[k] = r.Window.EndAt
	return r, nil
}
