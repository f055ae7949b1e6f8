// Package metrics exposes Prometheus counters for transactions, the request
// queue and scans.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TxnOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "txn",
			Name:      "opened_total",
			Help:      "Counter of native transactions opened by request queues.",
		}, []string{"mode"})

	TxnReused = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "txn",
			Name:      "reused_total",
			Help:      "Counter of requests attached to an already active transaction.",
		})

	TxnCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "txn",
			Name:      "completed_total",
			Help:      "Counter of transactions released, by completion type.",
		}, []string{"type"})

	QueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Counter of pending requests dropped on queue overflow.",
		})

	ScanRounds = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "scan",
			Name:      "rounds_total",
			Help:      "Counter of solver rounds.",
		}, []string{"solver"})

	ScanMatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "scan",
			Name:      "matches_total",
			Help:      "Counter of matches emitted by scans.",
		}, []string{"solver"})

	ScanFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "cursordb",
			Subsystem: "scan",
			Name:      "failed_total",
			Help:      "Counter of scans that ended with an error.",
		})

	ScanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "cursordb",
			Subsystem: "scan",
			Name:      "duration_seconds",
			Help:      "Bucketed histogram of scan time (s), transaction wait excluded.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 16),
		}, []string{"solver"})
)

func init() {
	prometheus.MustRegister(TxnOpened)
	prometheus.MustRegister(TxnReused)
	prometheus.MustRegister(TxnCompleted)
	prometheus.MustRegister(QueueDropped)
	prometheus.MustRegister(ScanRounds)
	prometheus.MustRegister(ScanMatches)
	prometheus.MustRegister(ScanFailed)
	prometheus.MustRegister(ScanDuration)
}

// Handler serves every registered metric in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
