package metrics

import "github.com/prometheus/client_golang/prometheus"

// Case synchronization Prometheus metrics.
var (
	UploadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "uploads_total",
			Help:      "Total number of image uploads by outcome",
		},
		[]string{"document_type", "outcome"}, // outcome: merged / invalid / failed / timeout
	)

	RecognitionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "casesync",
			Name:      "recognition_duration_seconds",
			Help:      "OCR engine call duration in seconds",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		},
		[]string{"engine"},
	)

	RecognitionFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "recognition_failures_total",
			Help:      "Total failed OCR engine calls",
		},
		[]string{"engine", "reason"}, // reason: exit / launch / timeout / api_error
	)

	RecognitionParseFallbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "recognition_parse_fallback_total",
			Help:      "OCR results that could not be parsed and were kept as raw text",
		},
		[]string{"engine"},
	)

	MergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "merges_total",
			Help:      "Total merges applied to the case record",
		},
		[]string{"document_type", "source"}, // source: recognition / correction
	)

	Observers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "casesync",
			Name:      "observers",
			Help:      "Currently subscribed observers",
		},
	)

	BroadcastMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "broadcast_messages_total",
			Help:      "Messages enqueued to observers by type",
		},
		[]string{"type"},
	)

	BroadcastDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "broadcast_dropped_total",
			Help:      "Observers dropped by reason",
		},
		[]string{"reason"}, // reason: slow / write_error / closed
	)

	JournalWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "casesync",
			Name:      "journal_writes_total",
			Help:      "Event journal writes by status",
		},
		[]string{"status"},
	)
)

var caseMetricsRegistered bool

// RegisterCaseMetrics registers the case synchronization metrics. Must be called once from main.
func RegisterCaseMetrics() {
	if caseMetricsRegistered {
		return
	}
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(RecognitionDuration)
	prometheus.MustRegister(RecognitionFailuresTotal)
	prometheus.MustRegister(RecognitionParseFallbackTotal)
	prometheus.MustRegister(MergesTotal)
	prometheus.MustRegister(Observers)
	prometheus.MustRegister(BroadcastMessagesTotal)
	prometheus.MustRegister(BroadcastDroppedTotal)
	prometheus.MustRegister(JournalWritesTotal)
	caseMetricsRegistered = true
}
