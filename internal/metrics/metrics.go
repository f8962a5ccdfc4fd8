// Package metrics defines the Prometheus collectors of the instrument service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TransfersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2k_buffer_transfers_created_total",
		Help: "DMA transfers created per device",
	}, []string{"device"})

	SamplesTransferred = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2k_buffer_samples_total",
		Help: "Samples pushed or acquired per device and direction",
	}, []string{"device", "direction"})

	BufferErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2k_buffer_errors_total",
		Help: "Buffer operation failures per device and error kind",
	}, []string{"device", "kind"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "m2k_buffer_transfer_duration_seconds",
		Help:    "Time spent in one push or refill",
		Buckets: []float64{0.0001, 0.001, 0.01, 0.1, 1, 10},
	}, []string{"device", "direction"})

	CalibrationRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2k_calibration_runs_total",
		Help: "Calibration runs per target and outcome",
	}, []string{"target", "outcome"})

	CalibrationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "m2k_calibration_duration_seconds",
		Help:    "Duration of calibration runs",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	})

	TriggerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m2k_trigger_state",
		Help: "Hardware trigger state (0 idle, 1 armed, 2 fired)",
	})

	StreamFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2k_stream_frames_total",
		Help: "Frames produced by acquisition sessions",
	}, []string{"source"})

	StreamDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "m2k_stream_frames_dropped_total",
		Help: "Frames dropped for slow subscribers",
	})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "m2k_stream_subscribers",
		Help: "Currently attached stream subscribers",
	})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "m2k_http_requests_total",
		Help: "REST requests by route and status",
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
