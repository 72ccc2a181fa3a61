// Package metrics exposes the Prometheus series that observe storage,
// transaction, and sync activity.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EntriesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opendag_entries_total",
			Help: "Total number of entries stored, by database root",
		},
		[]string{"root"},
	)

	TipsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opendag_tips_total",
			Help: "Current number of tree tips, by database root",
		},
		[]string{"root"},
	)

	CommitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_commits_total",
			Help: "Total number of transactions committed, by outcome",
		},
		[]string{"outcome"},
	)

	CommitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opendag_commit_duration_seconds",
			Help:    "Time taken by a transaction's Commit call",
			Buckets: prometheus.DefBuckets,
		},
	)

	HistoricalStateFoldDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "opendag_historical_state_fold_duration_seconds",
			Help:    "Time taken to fold historical CRDT state from tips",
			Buckets: prometheus.DefBuckets,
		},
	)

	CRDTCacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_crdt_cache_total",
			Help: "Per-entry CRDT state cache lookups, by outcome (hit/miss)",
		},
		[]string{"outcome"},
	)

	WriteCallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_write_callbacks_total",
			Help: "Write callback invocations, by source and outcome",
		},
		[]string{"source", "outcome"},
	)

	// Sync metrics
	SyncRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_sync_requests_total",
			Help: "Total number of sync requests, by type and outcome",
		},
		[]string{"type", "outcome"},
	)

	SyncEntriesSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_sync_entries_sent_total",
			Help: "Total number of entries sent to peers, by peer",
		},
		[]string{"peer"},
	)

	SyncEntriesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_sync_entries_received_total",
			Help: "Total number of entries received from peers, by peer",
		},
		[]string{"peer"},
	)

	SyncRoundTripDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "opendag_sync_round_trip_duration_seconds",
			Help:    "SyncTree request round-trip duration, by peer",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	SyncRetryQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "opendag_sync_retry_queue_depth",
			Help: "Current number of entries awaiting retry in the background sync runtime",
		},
	)

	SyncSendQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "opendag_sync_send_queue_depth",
			Help: "Current number of entries queued for send, by peer",
		},
		[]string{"peer"},
	)

	BootstrapRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "opendag_bootstrap_requests_total",
			Help: "Total number of bootstrap authorization requests, by resolution",
		},
		[]string{"resolution"},
	)
)

func init() {
	prometheus.MustRegister(EntriesTotal)
	prometheus.MustRegister(TipsTotal)
	prometheus.MustRegister(CommitsTotal)
	prometheus.MustRegister(CommitDuration)
	prometheus.MustRegister(HistoricalStateFoldDuration)
	prometheus.MustRegister(CRDTCacheHitsTotal)
	prometheus.MustRegister(WriteCallbacksTotal)

	prometheus.MustRegister(SyncRequestsTotal)
	prometheus.MustRegister(SyncEntriesSentTotal)
	prometheus.MustRegister(SyncEntriesReceivedTotal)
	prometheus.MustRegister(SyncRoundTripDuration)
	prometheus.MustRegister(SyncRetryQueueDepth)
	prometheus.MustRegister(SyncSendQueueDepth)
	prometheus.MustRegister(BootstrapRequestsTotal)
}

// Handler returns the Prometheus HTTP handler for a /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer times a single operation and reports it to a histogram via
// ObserveDuration or ObserveDurationVec.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
