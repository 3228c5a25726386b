package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBatchesScattered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_batches_scattered_total",
		Help: "Batches handed to workers by the scatter channel.",
	})

	metricFragmentsGathered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_fragments_gathered_total",
		Help: "Fragments received on the gather channel.",
	})
)
