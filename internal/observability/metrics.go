// Package observability holds the Prometheus instruments and the rolling
// per-stage latency window shared by the three services.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by one service.
type Metrics struct {
	ActiveCalls         prometheus.Gauge
	CallEvents          *prometheus.CounterVec
	WSMessages          *prometheus.CounterVec
	SubprocessFailures  *prometheus.CounterVec
	QueueDrops          prometheus.Counter
	FirstAudioLatency   prometheus.Histogram
	TurnDuration        prometheus.Histogram
	OutboundFramesTotal prometheus.Counter
}

// NewMetrics registers the instrument set under namespace (one per binary,
// e.g. "bridge", "relay", "backend").
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveCalls: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of live call sessions.",
		}),
		CallEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type (started, ended, barge_in, commit_ignored, ...).",
		}, []string{"event"}),
		WSMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and wire type.",
		}, []string{"direction", "type"}),
		SubprocessFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subprocess_failures_total",
			Help:      "Worker subprocess failures by stage (asr, convo, tts).",
		}, []string{"stage"}),
		QueueDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_drops_total",
			Help:      "Frames evicted from pre-ready send queues.",
		}),
		FirstAudioLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Commit to first assistant audio chunk, in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 3500, 6000},
		}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "Commit to response_completed, in milliseconds.",
			Buckets:   []float64{300, 700, 1200, 2000, 3500, 6000, 10000, 20000},
		}),
		OutboundFramesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_frames_total",
			Help:      "Paced mu-law media frames sent toward the carrier.",
		}),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

func (m *Metrics) ObserveTurnDuration(d time.Duration) {
	m.TurnDuration.Observe(float64(d.Milliseconds()))
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
