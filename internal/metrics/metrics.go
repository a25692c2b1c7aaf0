// Package metrics provides Prometheus metrics for the archivexm daemon.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsAcquired tracks upstream session acquisitions by outcome.
	SessionsAcquired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivexm_sessions_acquired_total",
		Help: "Upstream session acquisitions by result",
	}, []string{"result"})

	// ActiveLeases reports active capacity slots per credential.
	ActiveLeases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "archivexm_active_leases",
		Help: "Active stream leases per credential",
	}, []string{"credential"})

	// AuthDuration tracks upstream login latency.
	AuthDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archivexm_auth_duration_seconds",
		Help:    "Time taken for a full upstream login flow",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13, 20},
	})

	// ProxyBytesSent counts bytes proxied to clients.
	ProxyBytesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archivexm_proxy_bytes_sent_total",
		Help: "Bytes streamed through the live proxy",
	})

	// ProxySegmentRetries counts per-segment retry attempts.
	ProxySegmentRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "archivexm_proxy_segment_retries_total",
		Help: "Segment fetch retries in the live proxy",
	})

	// ScheduleRefreshes tracks DVR cache refreshes by outcome.
	ScheduleRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivexm_schedule_refreshes_total",
		Help: "Schedule cache refresh attempts by result",
	}, []string{"result"})

	// RecorderTracks counts finalized track files by finalize reason.
	RecorderTracks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivexm_recorder_tracks_total",
		Help: "Track files finalized by the recorder",
	}, []string{"reason"})

	// DownloadJobs tracks download job outcomes.
	DownloadJobs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivexm_download_jobs_total",
		Help: "Download jobs by terminal status",
	}, []string{"status"})

	// HTTPRequests counts API requests by route pattern and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "archivexm_http_requests_total",
		Help: "API requests by method, route and status",
	}, []string{"method", "route", "status"})

	// HTTPDuration tracks API request latency by route pattern.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "archivexm_http_request_duration_seconds",
		Help:    "API request latency",
		Buckets: []float64{0.005, 0.02, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"method", "route"})

	// DownloadDuration tracks the wall time of a download job.
	DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "archivexm_download_duration_seconds",
		Help:    "Time from job start to terminal state",
		Buckets: []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
	})
)

// IncSessionAcquired records a session acquisition outcome
// ("ok", "no_capacity", "auth_failed").
func IncSessionAcquired(result string) {
	SessionsAcquired.WithLabelValues(result).Inc()
}

// SetActiveLeases reports the active lease count for a credential.
func SetActiveLeases(credentialID int64, n int) {
	ActiveLeases.WithLabelValues(strconv.FormatInt(credentialID, 10)).Set(float64(n))
}

// ObserveAuth records the duration of a login flow.
func ObserveAuth(d time.Duration) {
	AuthDuration.Observe(d.Seconds())
}

// IncScheduleRefresh records a schedule refresh outcome.
func IncScheduleRefresh(ok bool) {
	result := "failure"
	if ok {
		result = "success"
	}
	ScheduleRefreshes.WithLabelValues(result).Inc()
}
