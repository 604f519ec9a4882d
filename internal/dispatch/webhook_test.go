// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ManuGH/epgrec/internal/dvr"
	"github.com/ManuGH/epgrec/internal/epg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebhook_PostsEvents(t *testing.T) {
	events := make(chan Event, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		var ev Event
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		events <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	wh := NewWebhook(srv.URL, "secret", time.Second)
	ctx := context.Background()
	p := epg.Program{ID: 7, Name: "News"}
	opts := dvr.EffectiveOptions{Directory: "news"}

	require.NoError(t, wh.StartCapture(ctx, "r1-p7", gr0, p, w1, opts))
	require.NoError(t, wh.CancelCapture(ctx, "r1-p7"))
	close(events)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	assert.Equal(t, dvr.OpStart, got[0].Op)
	assert.Equal(t, "GR-0", got[0].Tuner)
	require.NotNil(t, got[0].Program)
	assert.Equal(t, "News", got[0].Program.Name)
	assert.Equal(t, "news", got[0].Options.Directory)
	assert.Equal(t, Event{Op: dvr.OpCancel, ReserveID: "r1-p7"}, got[1])
}

func TestWebhook_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"server error", http.StatusBadGateway, dvr.ErrDispatchUnavailable},
		{"throttled", http.StatusTooManyRequests, dvr.ErrDispatchUnavailable},
		{"bad request", http.StatusBadRequest, ErrInstructionRejected},
		{"conflict", http.StatusConflict, ErrInstructionRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "tuner busy", tt.status)
			}))
			defer srv.Close()

			err := NewWebhook(srv.URL, "", time.Second).CancelCapture(context.Background(), "m1")
			require.ErrorIs(t, err, tt.want)

			var be *BackendError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.status, be.Status)
			assert.Equal(t, "tuner busy", be.Body)
		})
	}
}

func TestWebhook_TransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := NewWebhook(url, "", time.Second).CancelCapture(context.Background(), "m1")
	assert.ErrorIs(t, err, dvr.ErrDispatchUnavailable)
}
