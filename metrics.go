package msgcenter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for the sync engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	TransportState     *prometheus.GaugeVec
	ReconnectAttempts  prometheus.Counter
	TransportExhausted prometheus.Counter
	FramesReceived     *prometheus.CounterVec
	QueueDepth         prometheus.Gauge

	MessagesSent  *prometheus.CounterVec
	MessageStatus *prometheus.CounterVec

	FetchTotal *prometheus.CounterVec

	UnreadTotal  prometheus.Gauge
	DedupeDrops  prometheus.Counter
	StaleUnreads prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
//
// Metrics:
//   - msgcenter_transport_state{state} - 1 for the current transport state
//   - msgcenter_reconnect_attempts_total - reconnect dials attempted
//   - msgcenter_transport_exhausted_total - times reconnecting gave up
//   - msgcenter_frames_received_total{type} - inbound frames by type
//   - msgcenter_outbound_queue_depth - frames waiting for the channel
//   - msgcenter_messages_sent_total{result} - send commands by local result
//   - msgcenter_message_status_total{status} - status transitions
//   - msgcenter_fetch_total{result} - snapshot requests by result
//   - msgcenter_unread_total - current global unread count
//   - msgcenter_unread_dedupe_drops_total - duplicate messageReceived events ignored
//   - msgcenter_unread_stale_snapshots_total - server counts superseded by a newer local read
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TransportState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "msgcenter_transport_state",
			Help: "Current transport state (1 for the active state)",
		}, []string{"state"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "msgcenter_reconnect_attempts_total",
			Help: "Total number of reconnect dials attempted",
		}),
		TransportExhausted: f.NewCounter(prometheus.CounterOpts{
			Name: "msgcenter_transport_exhausted_total",
			Help: "Total number of times reconnecting gave up",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgcenter_frames_received_total",
			Help: "Total number of inbound frames by type",
		}, []string{"type"}),
		QueueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgcenter_outbound_queue_depth",
			Help: "Frames waiting to be written to the live channel",
		}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgcenter_messages_sent_total",
			Help: "Total number of send commands by local result",
		}, []string{"result"}), // "accepted", "invalid", "retried"
		MessageStatus: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgcenter_message_status_total",
			Help: "Total number of message status transitions",
		}, []string{"status"}),
		FetchTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "msgcenter_fetch_total",
			Help: "Total number of conversation snapshot requests",
		}, []string{"result"}), // "ok", "error"
		UnreadTotal: f.NewGauge(prometheus.GaugeOpts{
			Name: "msgcenter_unread_total",
			Help: "Current global unread count",
		}),
		DedupeDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "msgcenter_unread_dedupe_drops_total",
			Help: "Duplicate message events ignored by the unread reconciler",
		}),
		StaleUnreads: f.NewCounter(prometheus.CounterOpts{
			Name: "msgcenter_unread_stale_snapshots_total",
			Help: "Server unread counts superseded by a newer local read",
		}),
	}
}

var allStates = []State{StateDisconnected, StateConnecting, StateConnected, StateReconnecting}

func (m *Metrics) setState(s State) {
	if m == nil {
		return
	}
	for _, st := range allStates {
		v := 0.0
		if st == s {
			v = 1
		}
		m.TransportState.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) reconnectAttempt() {
	if m != nil {
		m.ReconnectAttempts.Inc()
	}
}

func (m *Metrics) exhausted() {
	if m != nil {
		m.TransportExhausted.Inc()
	}
}

func (m *Metrics) frame(typ string) {
	if m != nil {
		m.FramesReceived.WithLabelValues(typ).Inc()
	}
}

func (m *Metrics) queueDepth(n int) {
	if m != nil {
		m.QueueDepth.Set(float64(n))
	}
}

func (m *Metrics) sent(result string) {
	if m != nil {
		m.MessagesSent.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) status(s MessageStatus) {
	if m != nil {
		m.MessageStatus.WithLabelValues(string(s)).Inc()
	}
}

func (m *Metrics) fetch(result string) {
	if m != nil {
		m.FetchTotal.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) unreadTotal(n int) {
	if m != nil {
		m.UnreadTotal.Set(float64(n))
	}
}

func (m *Metrics) dedupeDrop() {
	if m != nil {
		m.DedupeDrops.Inc()
	}
}

func (m *Metrics) staleUnread() {
	if m != nil {
		m.StaleUnreads.Inc()
	}
}
