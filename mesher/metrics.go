package mesher

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFragments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_mesher_fragments_total",
		Help: "Mesh fragments ingested by the assembler.",
	})

	metricSpillBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_mesher_spill_bytes_total",
		Help: "Bytes appended to the temp spill streams.",
	})
)
