// Package metrics exposes Prometheus counters for connections and playback.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection outcomes recorded by ConnectionResult.
const (
	ResultAccepted        = "accepted"
	ResultRejectedCap     = "rejected_cap"
	ResultRejectedIP      = "rejected_ip"
	ResultHandshakeFailed = "handshake_failed"
)

type Metrics struct {
	connections      *prometheus.CounterVec
	activeSessions   prometheus.Gauge
	framesRendered   prometheus.Counter
	renderFailures   prometheus.Counter
	playbacksStarted prometheus.Counter
	playbacksDone    prometheus.Counter
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trollssh",
			Name:      "connections_total",
			Help:      "Inbound TCP connections by admission outcome.",
		}, []string{"result"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "trollssh",
			Name:      "active_sessions",
			Help:      "Sessions currently holding an admission slot.",
		}),
		framesRendered: f.NewCounter(prometheus.CounterOpts{
			Namespace: "trollssh",
			Name:      "frames_rendered_total",
			Help:      "Frames written to clients.",
		}),
		renderFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "trollssh",
			Name:      "render_failures_total",
			Help:      "Ticks whose resize or render failed.",
		}),
		playbacksStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "trollssh",
			Name:      "playbacks_started_total",
			Help:      "Sessions that received a shell or exec request.",
		}),
		playbacksDone: f.NewCounter(prometheus.CounterOpts{
			Namespace: "trollssh",
			Name:      "playbacks_completed_total",
			Help:      "Sessions that played every loop and said goodbye.",
		}),
	}
}

func (m *Metrics) ConnectionResult(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) FrameRendered() {
	if m == nil {
		return
	}
	m.framesRendered.Inc()
}

func (m *Metrics) RenderFailed() {
	if m == nil {
		return
	}
	m.renderFailures.Inc()
}

func (m *Metrics) PlaybackStarted() {
	if m == nil {
		return
	}
	m.playbacksStarted.Inc()
}

func (m *Metrics) PlaybackCompleted() {
	if m == nil {
		return
	}
	m.playbacksDone.Inc()
}
