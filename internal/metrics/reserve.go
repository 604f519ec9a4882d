// SPDX-License-Identifier: MIT
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recomputeCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_recompute_cycles_total",
		Help: "Recompute cycles by result",
	}, []string{"result"}) // result=success|aborted

	recomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "epgrec_recompute_duration_seconds",
		Help:    "Duration of recompute cycles",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})

	recomputeCoalesced = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgrec_recompute_triggers_coalesced_total",
		Help: "Triggers folded into a pending follow-up cycle",
	})

	reservations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "epgrec_reservations",
		Help: "Published reservations by status (last cycle)",
	}, []string{"status"})

	reservationsExecuting = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgrec_reservations_executing",
		Help: "Reservations handed to the capture backend and not yet finished",
	})

	ruleMatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgrec_rule_match_errors_total",
		Help: "Rules that failed to compile during a cycle",
	})

	engineState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "epgrec_engine_state",
		Help: "Current recompute phase (active phase=1; others 0)",
	}, []string{"state"})

	lastSuccessfulCycle = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgrec_recompute_last_success_timestamp_seconds",
		Help: "Unix time of the last successful recompute cycle",
	})
)

var engineStates = []string{"idle", "collecting", "matching", "resolving", "diffing", "publishing"}

// RecordRecomputeCycle counts a finished cycle and observes its duration.
func RecordRecomputeCycle(result string, d time.Duration) {
	recomputeCycles.WithLabelValues(result).Inc()
	recomputeDuration.Observe(d.Seconds())
	if result == "success" {
		lastSuccessfulCycle.SetToCurrentTime()
	}
}

// IncRecomputeCoalesced counts a trigger absorbed by the pending flag.
func IncRecomputeCoalesced() {
	recomputeCoalesced.Inc()
}

// SetReservations records the size of one status partition.
func SetReservations(status string, n int) {
	reservations.WithLabelValues(status).Set(float64(n))
}

// SetReservationsExecuting records the number of captures in progress.
func SetReservationsExecuting(n int) {
	reservationsExecuting.Set(float64(n))
}

// IncRuleMatchErrors counts a rule that contributed no candidates because
// of an invalid predicate.
func IncRuleMatchErrors() {
	ruleMatchErrors.Inc()
}

// SetEngineState marks the active recompute phase.
func SetEngineState(state string) {
	for _, s := range engineStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		engineState.WithLabelValues(s).Set(value)
	}
}
