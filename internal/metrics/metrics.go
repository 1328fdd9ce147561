// Package metrics holds the Prometheus instruments of the master process.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lspfront_sessions_total",
		Help: "Client sessions by establishment result (ok, select, ready, connect, attach, rejected)",
	}, []string{"result"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lspfront_sessions_active",
		Help: "Client sessions currently established",
	})

	sessionSetupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lspfront_session_setup_seconds",
		Help:    "Time from accept until a session is wired and listening",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	forwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lspfront_forwarded_requests_total",
		Help: "Worker requests forwarded to the client by method and result",
	}, []string{"method", "result"})

	workerEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lspfront_worker_events_total",
		Help: "Worker lifecycle events observed by the supervisor",
	}, []string{"event"})

	workersLive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lspfront_workers_live",
		Help: "Workers currently eligible for selection",
	})
)

// IncSession records the outcome of one session establishment.
func IncSession(result string) {
	if result == "" {
		result = "unknown"
	}
	sessionsTotal.WithLabelValues(result).Inc()
}

// SessionOpened records a session that finished setup after seconds.
func SessionOpened(seconds float64) {
	sessionsActive.Inc()
	sessionSetupSeconds.Observe(seconds)
}

// SessionClosed decrements the active session gauge.
func SessionClosed() {
	sessionsActive.Dec()
}

// IncForwarded records one forwarded worker request.
func IncForwarded(method, result string) {
	forwardedTotal.WithLabelValues(method, result).Inc()
}

// IncWorkerEvent records one lifecycle event.
func IncWorkerEvent(event string) {
	workerEventsTotal.WithLabelValues(event).Inc()
}

// SetLiveWorkers sets the number of selectable workers.
func SetLiveWorkers(n int) {
	workersLive.Set(float64(n))
}
