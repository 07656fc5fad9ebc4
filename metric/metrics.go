// Package metric provides Prometheus metrics for bridge observability:
// session state, reconnect counts, per-step latency and episode outcomes.
// All recording methods are nil-safe so the bridge runs identically with
// metrics disabled.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge's Prometheus collectors.
type Metrics struct {
	sessionState   prometheus.Gauge
	reconnects     prometheus.Counter
	messagesSent   *prometheus.CounterVec
	messagesRecv   *prometheus.CounterVec
	stepLatency    prometheus.Histogram
	episodesDone   prometheus.Counter
	episodeAborts  *prometheus.CounterVec
	recorderDrops  prometheus.Counter
	schemasBound   prometheus.Gauge
}

// New creates and registers the bridge metrics on the given registerer.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		sessionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simbridge_session_state",
			Help: "Current session state (0=disconnected, 1=connecting, 2=registering, 3=ready, 4=running, 5=closing, 6=faulted)",
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simbridge_reconnects_total",
			Help: "Total reconnect attempts after a faulted connection",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simbridge_messages_sent_total",
			Help: "Wire messages sent to the training service by kind",
		}, []string{"kind"}),
		messagesRecv: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simbridge_messages_received_total",
			Help: "Wire messages received from the training service by kind",
		}, []string{"kind"}),
		stepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "simbridge_step_roundtrip_seconds",
			Help:    "Time from submitting a state to receiving its predicted action",
			Buckets: prometheus.DefBuckets,
		}),
		episodesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simbridge_episodes_completed_total",
			Help: "Episodes that reached a terminal state or a service stop",
		}),
		episodeAborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "simbridge_episode_aborts_total",
			Help: "Episodes aborted by caller-data errors, by cause",
		}, []string{"cause"}),
		recorderDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "simbridge_recorder_drops_total",
			Help: "Step records dropped because the recording sink could not keep up",
		}),
		schemasBound: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "simbridge_schemas_bound",
			Help: "Distinct schemas bound in the registry",
		}),
	}

	collectors := []prometheus.Collector{
		m.sessionState, m.reconnects, m.messagesSent, m.messagesRecv,
		m.stepLatency, m.episodesDone, m.episodeAborts, m.recorderDrops,
		m.schemasBound,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// RecordSessionState sets the session state gauge.
func (m *Metrics) RecordSessionState(state int) {
	if m == nil {
		return
	}
	m.sessionState.Set(float64(state))
}

// RecordReconnect counts one reconnect attempt.
func (m *Metrics) RecordReconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

// RecordSent counts one outbound message of the given kind.
func (m *Metrics) RecordSent(kind string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(kind).Inc()
}

// RecordReceived counts one inbound message of the given kind.
func (m *Metrics) RecordReceived(kind string) {
	if m == nil {
		return
	}
	m.messagesRecv.WithLabelValues(kind).Inc()
}

// ObserveStepLatency records one state-to-action round trip.
func (m *Metrics) ObserveStepLatency(seconds float64) {
	if m == nil {
		return
	}
	m.stepLatency.Observe(seconds)
}

// RecordEpisodeCompleted counts one finished episode.
func (m *Metrics) RecordEpisodeCompleted() {
	if m == nil {
		return
	}
	m.episodesDone.Inc()
}

// RecordEpisodeAbort counts one episode aborted by a caller-data error.
func (m *Metrics) RecordEpisodeAbort(cause string) {
	if m == nil {
		return
	}
	m.episodeAborts.WithLabelValues(cause).Inc()
}

// RecordRecorderDrop counts one dropped recording entry.
func (m *Metrics) RecordRecorderDrop() {
	if m == nil {
		return
	}
	m.recorderDrops.Inc()
}

// RecordSchemasBound sets the bound schema gauge.
func (m *Metrics) RecordSchemasBound(n int) {
	if m == nil {
		return
	}
	m.schemasBound.Set(float64(n))
}
