package bucket

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricBinsEmitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "mlsgpu_bins_emitted_total",
	Help: "Bins emitted by the bucketer.",
})
