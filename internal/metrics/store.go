// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EPG store
	epgChannelsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgrec_epg_channels_upserted_total",
		Help: "Channel rows written by EPG imports",
	})

	epgProgramsUpserted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgrec_epg_programs_upserted_total",
		Help: "Program rows written by EPG imports",
	})

	epgProgramsPruned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epgrec_epg_programs_pruned_total",
		Help: "Ended programs removed from the store",
	})

	storeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_store_errors_total",
		Help: "Failed store operations by operation",
	}, []string{"op"})

	// Operational
	configReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "epgrec_config_reloads_total",
		Help: "Configuration reloads by result",
	}, []string{"result"}) // result=success|failure
)

func AddEPGChannelsUpserted(n int) { epgChannelsUpserted.Add(float64(n)) }
func AddEPGProgramsUpserted(n int) { epgProgramsUpserted.Add(float64(n)) }
func AddEPGProgramsPruned(n int64) { epgProgramsPruned.Add(float64(n)) }

func IncStoreError(op string) { storeErrors.WithLabelValues(op).Inc() }

// RecordConfigReload counts a reload attempt.
func RecordConfigReload(err error) {
	if err != nil {
		configReloads.WithLabelValues("failure").Inc()
		return
	}
	configReloads.WithLabelValues("success").Inc()
}
