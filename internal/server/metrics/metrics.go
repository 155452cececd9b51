// Package metrics exposes the coordinator's Prometheus instrumentation
// surface described in SPEC_FULL.md section 4.6.2. Grounded on the
// pack's prometheus/client_golang usage pattern (collectors registered
// once at process start, mutated from registry/ws call sites).
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry wraps the gauges and counters the coordinator maintains. A
// single instance is constructed at process start and threaded into the
// registry and ws packages.
type Registry struct {
	SessionsActive          prometheus.Gauge
	MembersActive           prometheus.Gauge
	QueueDepth              prometheus.Gauge
	AdvancementFiredTotal   prometheus.Counter
	SessionsDestroyedTotal  *prometheus.CounterVec
	WSDecodeFailuresTotal   prometheus.Counter
	DriftCorrectionsTotal   *prometheus.CounterVec
}

func New() *Registry {
	return &Registry{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pirateradio_sessions_active",
			Help: "Number of listening sessions currently held in memory.",
		}),
		MembersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pirateradio_members_active",
			Help: "Number of connected members across all sessions.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pirateradio_queue_depth",
			Help: "Total queued tracks across all sessions.",
		}),
		AdvancementFiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pirateradio_advancement_fired_total",
			Help: "Number of times the autonomous advancement timer fired.",
		}),
		SessionsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pirateradio_sessions_destroyed_total",
			Help: "Number of sessions destroyed, labeled by reason.",
		}, []string{"reason"}),
		WSDecodeFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "pirateradio_ws_decode_failures_total",
			Help: "Number of inbound WebSocket frames that failed to decode.",
		}),
		DriftCorrectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pirateradio_drift_corrections_total",
			Help: "Number of client drift reports observed, labeled by the correction tier they fall into.",
		}, []string{"tier"}),
	}
}

// Register adds every collector to reg. Call once at process start.
func (m *Registry) Register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.SessionsActive,
		m.MembersActive,
		m.QueueDepth,
		m.AdvancementFiredTotal,
		m.SessionsDestroyedTotal,
		m.WSDecodeFailuresTotal,
		m.DriftCorrectionsTotal,
	)
}

// ReasonDestroyed labels for SessionsDestroyedTotal.
const (
	ReasonGraceExpired = "grace_expired"
	ReasonIdleTimeout  = "idle_timeout"
	ReasonQueueDrained = "queue_drained"
)
