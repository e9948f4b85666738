package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service.
type Metrics struct {
	ActiveCalls           prometheus.Gauge
	CallEvents            *prometheus.CounterVec
	LegMessages           *prometheus.CounterVec
	LegCloses             *prometheus.CounterVec
	DroppedFrames         *prometheus.CounterVec
	BargeIns              prometheus.Counter
	SessionLookups        *prometheus.CounterVec
	FirstAudioLatency     prometheus.Histogram
	SessionResolveLatency prometheus.Histogram

	stages *stageWindow
}

// NewMetrics registers instruments on reg. Tests pass a fresh registry so
// repeated construction never collides.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Metrics{
		ActiveCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_calls",
			Help:      "Number of bridged calls currently in progress.",
		}),
		CallEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "call_events_total",
			Help:      "Call lifecycle events by type.",
		}, []string{"event"}),
		LegMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_messages_total",
			Help:      "WebSocket messages by leg, direction and type.",
		}, []string{"leg", "direction", "type"}),
		LegCloses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leg_closes_total",
			Help:      "Leg closures by leg and reason.",
		}, []string{"leg", "reason"}),
		DroppedFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by leg and reason.",
		}, []string{"leg", "reason"}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "barge_ins_total",
			Help:      "Assistant responses truncated because the caller started speaking.",
		}),
		SessionLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_lookups_total",
			Help:      "Session store lookups by outcome.",
		}, []string{"outcome"}),
		FirstAudioLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency from AI leg open to first assistant audio delta in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000, 4000},
		}),
		SessionResolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_resolve_latency_ms",
			Help:      "Session store lookup latency in milliseconds.",
			Buckets:   []float64{1, 2, 5, 10, 25, 50, 100, 250, 1000},
		}),
		stages: newStageWindow(256),
	}
}

func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
	m.stages.Observe(StageFirstAudio, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveSessionResolve(d time.Duration, outcome string) {
	m.SessionResolveLatency.Observe(float64(d.Milliseconds()))
	m.SessionLookups.WithLabelValues(outcome).Inc()
	m.stages.Observe(StageSessionResolve, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveAIDial(d time.Duration) {
	m.stages.Observe(StageAIDial, float64(d.Milliseconds()))
}

func (m *Metrics) ObserveBargeIn(elapsedMs int64) {
	m.BargeIns.Inc()
	m.stages.Observe(StageBargeInElapsed, float64(elapsedMs))
	m.stages.ObserveIndicator("barge_in")
}

func (m *Metrics) ObserveMessage(leg, direction, messageType string) {
	m.LegMessages.WithLabelValues(leg, direction, messageType).Inc()
}

func (m *Metrics) ObserveIndicator(name string) {
	m.stages.ObserveIndicator(name)
}

// LatencySnapshot returns rolling per-stage call latency statistics.
func (m *Metrics) LatencySnapshot() StageSnapshot {
	return m.stages.Snapshot()
}

// MetricsHandler serves the given gatherer, or the default registry when nil.
func MetricsHandler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
