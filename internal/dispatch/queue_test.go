// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/time/rate"
)

type call struct {
	Op     dvr.Op
	ID     string
	Tuner  dvr.Tuner
	Window dvr.Window
}

// fakeBackend records delivered instructions. While down it fails with
// dvr.ErrDispatchUnavailable; reject fails every call for the listed ids.
type fakeBackend struct {
	mu     sync.Mutex
	down   bool
	reject map[string]bool
	calls  []call
}

func (b *fakeBackend) setDown(down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = down
}

func (b *fakeBackend) record(c call) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.down {
		return fmt.Errorf("%w: connection refused", dvr.ErrDispatchUnavailable)
	}
	if b.reject[c.ID] {
		return ErrInstructionRejected
	}
	b.calls = append(b.calls, c)
	return nil
}

func (b *fakeBackend) Calls() []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]call(nil), b.calls...)
}

func (b *fakeBackend) StartCapture(_ context.Context, id string, tuner dvr.Tuner, _ epg.Program, window dvr.Window, _ dvr.EffectiveOptions) error {
	return b.record(call{Op: dvr.OpStart, ID: id, Tuner: tuner, Window: window})
}

func (b *fakeBackend) CancelCapture(_ context.Context, id string) error {
	return b.record(call{Op: dvr.OpCancel, ID: id})
}

func (b *fakeBackend) RescheduleCapture(_ context.Context, id string, tuner dvr.Tuner, window dvr.Window) error {
	return b.record(call{Op: dvr.OpReschedule, ID: id, Tuner: tuner, Window: window})
}

func testConfig() Config {
	return Config{
		RetryInterval:    10 * time.Millisecond,
		RetryRate:        rate.Inf,
		BreakerThreshold: 100,
		BreakerReset:     time.Millisecond,
	}
}

var (
	gr0 = dvr.Tuner{Type: epg.GR, Index: 0}
	gr1 = dvr.Tuner{Type: epg.GR, Index: 1}
	w1  = dvr.Window{StartAt: 1000, EndAt: 2000}
	w2  = dvr.Window{StartAt: 1500, EndAt: 2000}
)

func TestQueue_DeliversDirectly(t *testing.T) {
	b := &fakeBackend{}
	q := NewQueue(b, testConfig())
	ctx := context.Background()

	require.NoError(t, q.StartCapture(ctx, "r1-p1", gr0, epg.Program{ID: 1}, w1, dvr.EffectiveOptions{}))
	require.NoError(t, q.RescheduleCapture(ctx, "r1-p1", gr1, w2))
	require.NoError(t, q.CancelCapture(ctx, "r1-p1"))

	assert.Equal(t, []call{
		{Op: dvr.OpStart, ID: "r1-p1", Tuner: gr0, Window: w1},
		{Op: dvr.OpReschedule, ID: "r1-p1", Tuner: gr1, Window: w2},
		{Op: dvr.OpCancel, ID: "r1-p1"},
	}, b.Calls())
	assert.Zero(t, q.Pending())
}

func TestQueue_QueuesWhileUnavailable(t *testing.T) {
	b := &fakeBackend{down: true}
	q := NewQueue(b, testConfig())
	ctx := context.Background()

	err := q.StartCapture(ctx, "r1-p1", gr0, epg.Program{ID: 1}, w1, dvr.EffectiveOptions{})
	require.ErrorIs(t, err, dvr.ErrDispatchUnavailable)
	assert.Equal(t, 1, q.Pending())

	// later instructions for the same id wait behind the first one
	b.setDown(false)
	err = q.RescheduleCapture(ctx, "r1-p1", gr1, w2)
	require.ErrorIs(t, err, dvr.ErrDispatchUnavailable)
	assert.Empty(t, b.Calls())
	assert.Equal(t, 1, q.Pending(), "reschedule folds into the queued start")

	// other reservations are not held up
	require.NoError(t, q.CancelCapture(ctx, "m3"))

	assert.Equal(t, 1, q.Flush(ctx))
	assert.Equal(t, []call{
		{Op: dvr.OpCancel, ID: "m3"},
		{Op: dvr.OpStart, ID: "r1-p1", Tuner: gr1, Window: w2},
	}, b.Calls())
	assert.Zero(t, q.Pending())
}

func TestQueue_CancelOfUndeliveredStart(t *testing.T) {
	b := &fakeBackend{down: true}
	q := NewQueue(b, testConfig())
	ctx := context.Background()

	_ = q.StartCapture(ctx, "r1-p1", gr0, epg.Program{ID: 1}, w1, dvr.EffectiveOptions{})
	require.NoError(t, q.CancelCapture(ctx, "r1-p1"))
	assert.Zero(t, q.Pending())

	b.setDown(false)
	assert.Zero(t, q.Flush(ctx))
	assert.Empty(t, b.Calls())
}

func TestQueue_RejectionIsNotQueued(t *testing.T) {
	b := &fakeBackend{reject: map[string]bool{"r1-p1": true}}
	q := NewQueue(b, testConfig())

	err := q.StartCapture(context.Background(), "r1-p1", gr0, epg.Program{ID: 1}, w1, dvr.EffectiveOptions{})
	require.ErrorIs(t, err, ErrInstructionRejected)
	assert.False(t, errors.Is(err, dvr.ErrDispatchUnavailable))
	assert.Zero(t, q.Pending())
}

func TestQueue_FlushStopsWhileDown(t *testing.T) {
	b := &fakeBackend{down: true}
	q := NewQueue(b, testConfig())
	ctx := context.Background()

	_ = q.CancelCapture(ctx, "m1")
	_ = q.CancelCapture(ctx, "m2")
	assert.Zero(t, q.Flush(ctx))
	assert.Equal(t, 2, q.Pending())
	assert.Equal(t, 1, q.pending["m1"].instrs[0].attempts)
	assert.Zero(t, q.pending["m2"].instrs[0].attempts, "second id is not tried in the same pass")
}

func TestQueue_DropsRejectedRetry(t *testing.T) {
	b := &fakeBackend{down: true}
	q := NewQueue(b, testConfig())
	ctx := context.Background()

	_ = q.CancelCapture(ctx, "m1")
	_ = q.CancelCapture(ctx, "m2")

	b.mu.Lock()
	b.down = false
	b.reject = map[string]bool{"m1": true}
	b.mu.Unlock()

	assert.Equal(t, 1, q.Flush(ctx))
	assert.Equal(t, []call{{Op: dvr.OpCancel, ID: "m2"}}, b.Calls())
	assert.Zero(t, q.Pending())
}

func TestQueue_BreakerOpensAndQueues(t *testing.T) {
	b := &fakeBackend{down: true}
	cfg := testConfig()
	cfg.BreakerThreshold = 1
	cfg.BreakerReset = time.Hour
	q := NewQueue(b, cfg)
	ctx := context.Background()

	_ = q.CancelCapture(ctx, "m1")
	b.setDown(false)

	// the breaker is open, so the backend is not called at all
	err := q.CancelCapture(ctx, "m2")
	require.ErrorIs(t, err, dvr.ErrDispatchUnavailable)
	assert.Empty(t, b.Calls())
	assert.Equal(t, 2, q.Pending())
}

func TestQueue_ServeRetries(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	b := &fakeBackend{down: true}
	q := NewQueue(b, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Serve(ctx) }()

	_ = q.StartCapture(ctx, "r1-p1", gr0, epg.Program{ID: 1}, w1, dvr.EffectiveOptions{})
	b.setDown(false)

	require.Eventually(t, func() bool { return q.Pending() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Len(t, b.Calls(), 1)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestQueue_SerializesPerReservation(t *testing.T) {
	b := &fakeBackend{}
	q := NewQueue(b, testConfig())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("m%d", i%4+1)
			_ = q.RescheduleCapture(ctx, id, gr0, dvr.Window{StartAt: int64(i), EndAt: 10000})
		}()
	}
	wg.Wait()
	assert.Len(t, b.Calls(), 20)
}

func TestCoalesce(t *testing.T) {
	start := instruction{op: dvr.OpStart, tuner: gr0, window: w1}
	resched := instruction{op: dvr.OpReschedule, tuner: gr1, window: w2}
	cancel := instruction{op: dvr.OpCancel}

	tests := []struct {
		name string
		list []instruction
		in   instruction
		want []dvr.Op
	}{
		{"empty", nil, start, []dvr.Op{dvr.OpStart}},
		{"start then reschedule", []instruction{start}, resched, []dvr.Op{dvr.OpStart}},
		{"start then cancel", []instruction{start}, cancel, []dvr.Op{}},
		{"reschedule then cancel", []instruction{resched}, cancel, []dvr.Op{dvr.OpCancel}},
		{"cancel then cancel", []instruction{cancel}, cancel, []dvr.Op{dvr.OpCancel}},
		{"cancel then start", []instruction{cancel}, start, []dvr.Op{dvr.OpCancel, dvr.OpStart}},
		{"cancel start cancel", []instruction{cancel, start}, cancel, []dvr.Op{dvr.OpCancel}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list := append([]instruction(nil), tt.list...)
			got := []dvr.Op{}
			for _, in := range coalesce(list, tt.in) {
				got = append(got, in.op)
			}
			assert.Equal(t, tt.want, got)
		})
	}

	merged := coalesce([]instruction{start}, resched)
	assert.Equal(t, gr1, merged[0].tuner)
	assert.Equal(t, w2, merged[0].window)
}
