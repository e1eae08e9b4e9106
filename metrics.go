package adam

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the instrumentation bundle shared by the pollers, the bus and
// the writer. Pass a Registerer to expose them; NewMetrics(nil) builds
// unregistered metrics, which tests and metric-less deployments use.
type Metrics struct {
	ReadsTotal      *prometheus.CounterVec
	ReadFailures    *prometheus.CounterVec
	ReadLatency     *prometheus.HistogramVec
	DeviceUp        *prometheus.GaugeVec
	ReadingsDropped prometheus.Counter
	PointsWritten   prometheus.Counter
	PointsDropped   prometheus.Counter
	WriteRetries    prometheus.Counter
	BufferedBatches prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ReadsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adam",
			Name:      "reads_total",
			Help:      "Channel reads attempted, per device.",
		}, []string{"device_id"}),
		ReadFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "adam",
			Name:      "read_failures_total",
			Help:      "Failed channel reads, per device and error category.",
		}, []string{"device_id", "category"}),
		ReadLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "adam",
			Name:      "read_latency_seconds",
			Help:      "Device response time for one channel read.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"device_id"}),
		DeviceUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "adam",
			Name:      "device_up",
			Help:      "1 while the device transport is connected.",
		}, []string{"device_id"}),
		ReadingsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adam",
			Name:      "readings_dropped_total",
			Help:      "Readings shed by slow bus subscribers.",
		}),
		PointsWritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adam",
			Name:      "points_written_total",
			Help:      "Points accepted by the time-series backend.",
		}),
		PointsDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adam",
			Name:      "points_dropped_total",
			Help:      "Points discarded after the batch buffer overflowed.",
		}),
		WriteRetries: f.NewCounter(prometheus.CounterOpts{
			Namespace: "adam",
			Name:      "write_retries_total",
			Help:      "Failed flush attempts that were retried.",
		}),
		BufferedBatches: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "adam",
			Name:      "buffered_batches",
			Help:      "Batches held in memory awaiting the backend.",
		}),
	}
}
