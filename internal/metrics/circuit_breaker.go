// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	breakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "epgrec_circuit_breaker_state",
		Help: "Breaker state per guarded backend (active state=1; others 0)",
	}, []string{"component", "state"})

	breakerTrips = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_circuit_breaker_trips_total",
		Help: "Transitions to open by reason",
	}, []string{"component", "reason"}) // reason=threshold_exceeded|half_open_failure

	breakerRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_circuit_breaker_rejections_total",
		Help: "Calls refused without reaching the backend",
	}, []string{"component"})
)

var breakerStates = [...]string{"closed", "half-open", "open"}

// SetCircuitBreakerState marks state as the active one for component.
func SetCircuitBreakerState(component, state string) {
	for _, s := range breakerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		breakerState.WithLabelValues(component, s).Set(v)
	}
}

func RecordCircuitBreakerTrip(component, reason string) {
	breakerTrips.WithLabelValues(component, reason).Inc()
}

func RecordCircuitBreakerRejection(component string) {
	breakerRejections.WithLabelValues(component).Inc()
}
