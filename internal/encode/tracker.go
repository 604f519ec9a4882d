// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

// Package encode tracks encode jobs queued for completed captures. Jobs run
// one at a time; executing them is left to an external worker.
package encode

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/log"
	"github.com/ManuGH/epgrec/internal/metrics"
	"github.com/ManuGH/epgrec/internal/telemetry"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

var ErrJobNotFound = errors.New("encode job not found")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
	StatusCanceled Status = "canceled"
)

// Job is one encode of a recorded file.
type Job struct {
	ID         string    `json:"id"`
	ReserveID  string    `json:"reserveId"`
	RecordedID int64     `json:"recordedId,omitempty"`
	Name       string    `json:"name"`
	Source     string    `json:"source,omitempty"`
	Mode       int       `json:"mode"`
	Directory  string    `json:"directory,omitempty"`
	DelTs      bool      `json:"delTs"`
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	QueuedAt   time.Time `json:"queuedAt"`
	StartedAt  time.Time `json:"startedAt,omitzero"`
	FinishedAt time.Time `json:"finishedAt,omitzero"`
}

// Info is the read model of the tracker.
type Info struct {
	Encoding *Job  `json:"encoding,omitempty"`
	Queue    []Job `json:"queue"`
}

// Tracker is a FIFO of encode jobs with at most one running job.
type Tracker struct {
	mu      sync.Mutex
	running *Job
	queue   []*Job
	now     func() time.Time
	logger  zerolog.Logger
}

var _ dvr.CaptureSink = (*Tracker)(nil)

func NewTracker() *Tracker {
	return &Tracker{
		now:    time.Now,
		logger: log.WithComponent("encode"),
	}
}

// CaptureCompleted queues one job per effective encode mode. The source
// file is only deleted after the last of them.
func (t *Tracker) CaptureCompleted(ctx context.Context, r dvr.Reserve, opts dvr.EffectiveOptions, result dvr.CaptureResult) {
	if len(opts.Encode) == 0 {
		return
	}

	span := trace.SpanFromContext(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for i, m := range opts.Encode {
		job := &Job{
			ID:         uuid.NewString(),
			ReserveID:  r.ID(),
			RecordedID: result.RecordedID,
			Name:       r.Program.Name,
			Source:     result.Path,
			Mode:       m.Mode,
			Directory:  m.Directory,
			DelTs:      opts.DelTs && i == len(opts.Encode)-1,
			Status:     StatusQueued,
			QueuedAt:   now,
		}
		t.queue = append(t.queue, job)
		metrics.RecordEncodeJob(string(StatusQueued))
		span.AddEvent("encode.queued", trace.WithAttributes(telemetry.JobAttributes(job.ID, job.ReserveID, job.Mode)...))
		t.logger.Info().
			Str(log.FieldJobID, job.ID).
			Str(log.FieldReserveID, job.ReserveID).
			Int("mode", job.Mode).
			Msg("encode job queued")
	}
	t.updateGauges()
}

// Info returns copies of the running job and the queue.
func (t *Tracker) Info() Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := Info{Queue: make([]Job, 0, len(t.queue))}
	if t.running != nil {
		j := *t.running
		info.Encoding = &j
	}
	for _, j := range t.queue {
		info.Queue = append(info.Queue, *j)
	}
	return info
}

// Start marks the head of the queue as running and returns it. It returns
// false when a job is already running or nothing is queued.
func (t *Tracker) Start() (Job, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running != nil || len(t.queue) == 0 {
		return Job{}, false
	}
	job := t.queue[0]
	t.queue = t.queue[1:]
	job.Status = StatusRunning
	job.StartedAt = t.now()
	t.running = job

	metrics.RecordEncodeJob("started")
	t.updateGauges()
	t.logger.Info().Str(log.FieldJobID, job.ID).Str(log.FieldReserveID, job.ReserveID).Msg("encode job started")
	return *job, true
}

// Finish ends the running job. A non-nil err marks it failed.
func (t *Tracker) Finish(id string, err error) (Job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running == nil || t.running.ID != id {
		return Job{}, ErrJobNotFound
	}
	job := t.running
	t.running = nil
	job.FinishedAt = t.now()
	job.Status = StatusFinished
	if err != nil {
		job.Status = StatusFailed
		job.Error = err.Error()
	}

	metrics.RecordEncodeJob(string(job.Status))
	t.updateGauges()
	ev := t.logger.Info()
	if err != nil {
		ev = t.logger.Warn().Err(err)
	}
	ev.Str(log.FieldJobID, job.ID).
		Dur("duration", job.FinishedAt.Sub(job.StartedAt)).
		Str(log.FieldStatus, string(job.Status)).
		Msg("encode job done")
	return *job, nil
}

// Cancel removes a queued job or stops tracking the running one.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running != nil && t.running.ID == id {
		t.running = nil
	} else {
		i := slices.IndexFunc(t.queue, func(j *Job) bool { return j.ID == id })
		if i < 0 {
			return ErrJobNotFound
		}
		t.queue = slices.Delete(t.queue, i, i+1)
	}

	metrics.RecordEncodeJob(string(StatusCanceled))
	t.updateGauges()
	t.logger.Info().Str(log.FieldJobID, id).Msg("encode job canceled")
	return nil
}

// CancelReserve drops every queued job of a reservation and returns how
// many were removed. A running job is left alone.
func (t *Tracker) CancelReserve(reserveID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := len(t.queue)
	t.queue = slices.DeleteFunc(t.queue, func(j *Job) bool { return j.ReserveID == reserveID })
	n := before - len(t.queue)
	for range n {
		metrics.RecordEncodeJob(string(StatusCanceled))
	}
	if n > 0 {
		t.updateGauges()
	}
	return n
}

func (t *Tracker) updateGauges() {
	running := 0
	if t.running != nil {
		running = 1
	}
	metrics.SetEncodeQueue(len(t.queue), running)
}
