// Package metrics exposes Prometheus metrics for docmirror.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Result labels.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"
)

var (
	syncAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmirror_sync_attempts_total",
			Help: "Total number of mirror refreshes, by result and failure stage",
		},
		[]string{"result", "stage"},
	)

	syncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "docmirror_sync_duration_seconds",
			Help:    "Time to download, extract and swap in a new mirror",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	lastSuccessfulSync = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "docmirror_last_successful_sync_timestamp_seconds",
			Help: "Unix time of the last successful mirror refresh",
		},
	)

	remoteChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmirror_remote_checks_total",
			Help: "Total number of staleness checks, by result",
		},
		[]string{"result"},
	)

	bytesFetchedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "docmirror_archive_bytes_fetched_total",
			Help: "Total bytes of archives downloaded from the remote",
		},
	)

	logEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmirror_log_events_total",
			Help: "Total number of warnings and errors logged, by level",
		},
		[]string{"level"},
	)

	contentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docmirror_content_requests_total",
			Help: "Total number of content requests, by status code",
		},
		[]string{"status"},
	)
)

// RecordSync records the outcome of a refresh. `stage` is empty for
// successful refreshes.
func RecordSync(success bool, stage string, duration time.Duration, finished time.Time) {
	result := ResultFailure
	if success {
		result = ResultSuccess
		lastSuccessfulSync.Set(float64(finished.Unix()))
	}
	syncAttemptsTotal.WithLabelValues(result, stage).Inc()
	syncDuration.Observe(duration.Seconds())
}

// RecordRemoteCheck records the outcome of a staleness check.
func RecordRemoteCheck(result string) {
	remoteChecksTotal.WithLabelValues(result).Inc()
}

// RecordBytesFetched adds to the downloaded bytes counter.
func RecordBytesFetched(n int64) {
	if n > 0 {
		bytesFetchedTotal.Add(float64(n))
	}
}

// RecordContentRequest records a served content request.
func RecordContentRequest(status string) {
	contentRequestsTotal.WithLabelValues(status).Inc()
}

// Handler returns the HTTP handler for the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
