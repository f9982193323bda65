// Package metrics exposes the relay's per-session and process-wide
// counters/histograms via prometheus/client_golang: an observability
// surface over the session lifecycle and commit-arbitration outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric the relay publishes. Constructed once per
// process by cmd/relay and held there rather than in package-level
// globals; sessions do not take it.
type Registry struct {
	SessionsActive      prometheus.Gauge
	SegmentsCommitted   *prometheus.CounterVec
	RecognizerRestarts  prometheus.Counter
	ChunkRetries        prometheus.Counter
	ChunkDrops          prometheus.Counter
	TranslationErrors   *prometheus.CounterVec
	TranslationLatency  *prometheus.HistogramVec
	InvariantViolations prometheus.Counter
	BroadcastQueueDrops prometheus.Counter
}

// NewRegistry registers every metric against reg (pass
// prometheus.NewRegistry() for an isolated registry in tests, or
// prometheus.DefaultRegisterer in production).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "lokutor_relay",
			Name:      "sessions_active",
			Help:      "Number of currently open relay sessions.",
		}),
		SegmentsCommitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "segments_committed_total",
			Help:      "Segments committed, labeled by commit candidate source.",
		}, []string{"source"}),
		RecognizerRestarts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "recognizer_restarts_total",
			Help:      "Recognizer stream restarts triggered by chunk timeout bursts or config downgrades.",
		}),
		ChunkRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "audio_chunk_retries_total",
			Help:      "Audio chunk write retries.",
		}),
		ChunkDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "audio_chunk_drops_total",
			Help:      "Audio chunks dropped after exhausting their retry budget.",
		}),
		TranslationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "translation_errors_total",
			Help:      "Translation/grammar worker failures, labeled by target language and partial/final.",
		}, []string{"target_lang", "stage"}),
		TranslationLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "lokutor_relay",
			Name:      "translation_latency_seconds",
			Help:      "Translator/grammar worker call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"target_lang", "stage"}),
		InvariantViolations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "invariant_violations_total",
			Help:      "Finality gate invariant violations observed (bug signal, spec error kind 8).",
		}),
		BroadcastQueueDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "lokutor_relay",
			Name:      "broadcast_queue_drops_total",
			Help:      "Subscribers disconnected after their outbound queue overflowed.",
		}),
	}
}
