// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	dispatchInstructions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_dispatch_instructions_total",
		Help: "Capture instructions by operation and result",
	}, []string{"op", "result"}) // result=ok|queued|error

	dispatchQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgrec_dispatch_queue_depth",
		Help: "Instructions waiting for the capture backend",
	})

	dispatchRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_dispatch_retries_total",
		Help: "Retried capture instructions by outcome",
	}, []string{"outcome"}) // outcome=success|failure
)

// RecordDispatchInstruction counts an instruction issued by the engine.
func RecordDispatchInstruction(op, result string) {
	dispatchInstructions.WithLabelValues(op, result).Inc()
}

// SetDispatchQueueDepth records the number of queued instructions.
func SetDispatchQueueDepth(n int) {
	dispatchQueueDepth.Set(float64(n))
}

// RecordDispatchRetry counts a retry attempt of a queued instruction.
func RecordDispatchRetry(outcome string) {
	dispatchRetries.WithLabelValues(outcome).Inc()
}
