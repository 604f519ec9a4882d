// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// ErrInstructionRejected is returned when the backend answered but refused
// the instruction.
var ErrInstructionRejected = errors.New("capture backend rejected instruction")

// BackendError carries the HTTP details of a failed webhook call. It unwraps
// to dvr.ErrDispatchUnavailable or ErrInstructionRejected.
type BackendError struct {
	Sentinel error
	Op       dvr.Op
	Status   int
	Body     string
	Err      error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("capture backend: %s: %v", e.Op, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *BackendError) Unwrap() error { return e.Sentinel }

// Event is the JSON body posted to the webhook.
type Event struct {
	Op        dvr.Op                `json:"op"`
	ReserveID string                `json:"reserveId"`
	Tuner     string                `json:"tuner,omitempty"`
	Program   *epg.Program          `json:"program,omitempty"`
	Window    *dvr.Window           `json:"window,omitempty"`
	Options   *dvr.EffectiveOptions `json:"options,omitempty"`
}

// Webhook posts capture instructions to an HTTP endpoint.
type Webhook struct {
	url   string
	token string
	http  *http.Client
}

// NewWebhook creates a backend posting to url. A non-empty token is sent as
// a bearer token.
func NewWebhook(url, token string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Webhook{
		url:   url,
		token: token,
		http:  &http.Client{Timeout: timeout},
	}
}

func (w *Webhook) StartCapture(ctx context.Context, reserveID string, tuner dvr.Tuner, program epg.Program, window dvr.Window, opts dvr.EffectiveOptions) error {
	return w.post(ctx, Event{
		Op:        dvr.OpStart,
		ReserveID: reserveID,
		Tuner:     tuner.String(),
		Program:   &program,
		Window:    &window,
		Options:   &opts,
	})
}

func (w *Webhook) CancelCapture(ctx context.Context, reserveID string) error {
	return w.post(ctx, Event{Op: dvr.OpCancel, ReserveID: reserveID})
}

func (w *Webhook) RescheduleCapture(ctx context.Context, reserveID string, tuner dvr.Tuner, window dvr.Window) error {
	return w.post(ctx, Event{Op: dvr.OpReschedule, ReserveID: reserveID, Tuner: tuner.String(), Window: &window})
}

func (w *Webhook) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	res, err := w.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &BackendError{Sentinel: dvr.ErrDispatchUnavailable, Op: ev.Op, Err: err}
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 200 && res.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	sentinel := ErrInstructionRejected
	if res.StatusCode >= 500 || res.StatusCode == http.StatusTooManyRequests {
		sentinel = dvr.ErrDispatchUnavailable
	}
	return &BackendError{
		Sentinel: sentinel,
		Op:       ev.Op,
		Status:   res.StatusCode,
		Body:     strings.TrimSpace(string(msg)),
	}
}
