// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	encodeJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_encode_jobs_total",
		Help: "Encode job transitions by event",
	}, []string{"event"}) // event=queued|started|finished|failed|canceled

	encodeQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgrec_encode_queue_depth",
		Help: "Encode jobs waiting to start",
	})

	encodeRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "epgrec_encode_running",
		Help: "Encode jobs currently running",
	})
)

// RecordEncodeJob counts an encode job transition.
func RecordEncodeJob(event string) {
	encodeJobs.WithLabelValues(event).Inc()
}

// SetEncodeQueue records queued and running encode jobs.
func SetEncodeQueue(queued, running int) {
	encodeQueueDepth.Set(float64(queued))
	encodeRunning.Set(float64(running))
}
