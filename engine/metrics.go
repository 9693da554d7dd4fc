package engine

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// lifecycleEventsTotal counts root Context.Attach/Context.Detach calls
	// (spec §4.C/§4.D); subjects attached or detached transitively, or
	// through a property write, are not counted.
	lifecycleEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subjectgraph",
			Subsystem: "engine",
			Name:      "lifecycle_events_total",
			Help:      "Total root Context.Attach/Detach calls, by reason",
		},
		[]string{"reason"},
	)

	// writesTotal counts terminal writes committed through a Context.
	writesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "subjectgraph",
			Subsystem: "engine",
			Name:      "writes_total",
			Help:      "Total terminal writes committed, by property origin",
		},
		[]string{"origin"},
	)

	// recomputeDuration measures the wall time of a derived-property
	// recomputation cascade triggered by one terminal write.
	recomputeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "subjectgraph",
			Subsystem: "engine",
			Name:      "recompute_duration_seconds",
			Help:      "Latency of a derived-property recomputation cascade",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{},
	)
)

func init() {
	prometheus.MustRegister(lifecycleEventsTotal, writesTotal, recomputeDuration)
}
