package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_provider_requests_total",
		Help: "Outbound face provider calls by provider, operation and outcome.",
	}, []string{"provider", "op", "outcome"})

	ProviderRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_provider_retries_total",
		Help: "Provider calls retried after a rate limit response.",
	}, []string{"provider", "op"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "faceattend_provider_request_duration_seconds",
		Help:    "Latency of single provider HTTP round trips.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})

	Recognitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_recognitions_total",
		Help: "Recognition attempts by provider and outcome (matched, unmatched, failed).",
	}, []string{"provider", "outcome"})

	Registrations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_registrations_total",
		Help: "Face registrations by provider and outcome.",
	}, []string{"provider", "outcome"})

	Marks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_attendance_marks_total",
		Help: "Attendance marks by outcome (present, late, already_marked).",
	}, []string{"outcome"})

	SyncEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faceattend_sync_entries_total",
		Help: "Daily log entries processed by reconciliation, by outcome.",
	}, []string{"outcome"})
)
