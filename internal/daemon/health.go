// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/ManuGH/epgrec/internal/dispatch"
	"github.com/ManuGH/epgrec/internal/dvr"
)

// HealthResponse is served on /healthz.
type HealthResponse struct {
	Status          string           `json:"status"`
	State           dvr.State        `json:"state"`
	LastError       string           `json:"lastError,omitempty"`
	LastCycle       dvr.CycleReport  `json:"lastCycle"`
	RuleErrors      map[int64]string `json:"ruleErrors,omitempty"`
	DispatchPending int              `json:"dispatchPending"`
}

// healthHandler reports the engine state. The status degrades while the
// last cycle failed or instructions wait for the capture backend.
func healthHandler(engine *dvr.Engine, queue *dispatch.Queue) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := HealthResponse{
			Status:    "ok",
			State:     engine.State(),
			LastCycle: engine.LastReport(),
		}
		if err := engine.LastError(); err != nil {
			resp.Status = "degraded"
			resp.LastError = err.Error()
		}
		if errs := engine.RuleErrors(); len(errs) > 0 {
			resp.RuleErrors = make(map[int64]string, len(errs))
			for id, err := range errs {
				resp.RuleErrors[id] = err.Error()
			}
		}
		if queue != nil {
			resp.DispatchPending = queue.Pending()
			if resp.DispatchPending > 0 {
				resp.Status = "degraded"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}
