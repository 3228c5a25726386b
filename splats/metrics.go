package splats

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSplatsRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_splats_read_total",
		Help: "Splats decoded from input files.",
	})

	metricNonFinite = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_splats_nonfinite_total",
		Help: "Non-finite splats skipped.",
	})

	metricBytesRead = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mlsgpu_splat_bytes_read_total",
		Help: "Raw bytes read from splat files.",
	})
)
