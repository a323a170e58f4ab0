package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plotter_jobs_submitted_total",
			Help: "Total number of plot jobs submitted",
		},
		[]string{"source"}, // inline, multipart, chunked, project
	)

	JobsFinishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "plotter_jobs_finished_total",
			Help: "Total number of plot jobs that reached a terminal status",
		},
		[]string{"status"}, // completed, failed, cancelled
	)

	BusyRejectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plotter_busy_rejections_total",
			Help: "Total number of operations rejected because the device was busy",
		},
	)

	UploadChunksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plotter_upload_chunks_total",
			Help: "Total number of upload chunks received",
		},
	)

	UploadsAssembledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plotter_uploads_assembled_total",
			Help: "Total number of chunked uploads reassembled into a file",
		},
	)

	PersistenceFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "plotter_persistence_failures_total",
			Help: "Total number of state file writes that failed",
		},
	)

	// Gauges
	QueueLength = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "plotter_queue_length",
			Help: "Current number of queued jobs",
		},
	)

	// DeviceState is 1 for the current controller state and 0 for the rest
	DeviceState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "plotter_device_state",
			Help: "Current device state",
		},
		[]string{"state"},
	)

	// Buckets: 1s to ~4.5h
	PlotDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "plotter_plot_duration_seconds",
			Help:    "Draw duration in seconds per completed draw call",
			Buckets: prometheus.ExponentialBuckets(1, 2, 15),
		},
	)
)

// SetDeviceState flips the state gauge so only current is set
func SetDeviceState(current string, all []string) {
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		DeviceState.WithLabelValues(s).Set(v)
	}
}
