package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aeolun/chatcore/pkg/handshake"
)

// Metrics holds all Prometheus metrics for one client
type Metrics struct {
	// Traffic metrics
	stanzasReceived *prometheus.CounterVec // by top-level name
	stanzasSent     *prometheus.CounterVec // by top-level name
	bytesReceived   prometheus.Counter
	bytesSent       prometheus.Counter
	parseErrors     prometheus.Counter

	// Routing metrics
	eventsRouted  *prometheus.CounterVec // by event kind
	eventsDropped prometheus.Counter

	// Connection metrics
	handshakeState    prometheus.Gauge
	reconnectAttempts prometheus.Counter
	reconnectPauses   prometheus.Counter
	pingTimeouts      prometheus.Counter

	// Queue metrics
	queueDepth      prometheus.Gauge
	inFlight        prometheus.Gauge
	historyRequests *prometheus.CounterVec // by outcome
	historyLatency  prometheus.Histogram
}

// NewMetrics creates a new metrics instance registered on reg. A nil reg
// gets a private registry, so several clients can live in one process.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		stanzasReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_stanzas_received_total",
				Help: "Total number of stanzas received by top-level element",
			},
			[]string{"name"},
		),
		stanzasSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_stanzas_sent_total",
				Help: "Total number of stanzas written to the transport by top-level element",
			},
			[]string{"name"},
		),
		bytesReceived: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_bytes_received_total",
				Help: "Total bytes of text frames received",
			},
		),
		bytesSent: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_bytes_sent_total",
				Help: "Total bytes of text frames sent",
			},
		),
		parseErrors: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_parse_errors_total",
				Help: "Total number of malformed frames discarded",
			},
		),
		eventsRouted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_events_total",
				Help: "Total number of events published by kind",
			},
			[]string{"kind"},
		),
		eventsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_events_dropped_total",
				Help: "Events dropped because the consumer channel was full",
			},
		),
		handshakeState: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatcore_handshake_state",
				Help: "Current handshake state (0 = not started, 7 = authenticated)",
			},
		),
		reconnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_reconnect_attempts_total",
				Help: "Total number of scheduled reconnect attempts",
			},
		),
		reconnectPauses: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_reconnect_pauses_total",
				Help: "Times automatic reconnection paused after too many failures",
			},
		),
		pingTimeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatcore_ping_timeouts_total",
				Help: "Total number of keepalive pings that went unanswered",
			},
		),
		queueDepth: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatcore_send_queue_depth",
				Help: "Stanzas waiting in the outbound queue",
			},
		),
		inFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "chatcore_requests_in_flight",
				Help: "Correlated requests awaiting a response",
			},
		),
		historyRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatcore_history_requests_total",
				Help: "History queries by outcome",
			},
			[]string{"outcome"}, // "sent", "complete", "page", "failed", "timeout", "duplicate"
		),
		historyLatency: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "chatcore_history_request_duration_seconds",
				Help:    "Time from issuing a history query to its <fin>",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
	}
}

// RecordStanzaReceived increments the received counter for name
func (m *Metrics) RecordStanzaReceived(name string) {
	m.stanzasReceived.WithLabelValues(name).Inc()
}

// RecordStanzaSent increments the sent counter and byte total
func (m *Metrics) RecordStanzaSent(name string, bytes int) {
	m.stanzasSent.WithLabelValues(name).Inc()
	m.bytesSent.Add(float64(bytes))
}

// RecordFrameReceived adds the size of one inbound frame
func (m *Metrics) RecordFrameReceived(bytes int) {
	m.bytesReceived.Add(float64(bytes))
}

// RecordParseError counts one discarded frame
func (m *Metrics) RecordParseError() {
	m.parseErrors.Inc()
}

// RecordEvent counts one published event
func (m *Metrics) RecordEvent(kind string) {
	m.eventsRouted.WithLabelValues(kind).Inc()
}

// RecordEventDropped counts one event lost to a full consumer channel
func (m *Metrics) RecordEventDropped() {
	m.eventsDropped.Inc()
}

// RecordHandshakeState sets the handshake gauge
func (m *Metrics) RecordHandshakeState(s handshake.State) {
	m.handshakeState.Set(float64(s))
}

// RecordReconnectAttempt counts one scheduled reconnect
func (m *Metrics) RecordReconnectAttempt() {
	m.reconnectAttempts.Inc()
}

// RecordReconnectPaused counts one pause of the reconnect policy
func (m *Metrics) RecordReconnectPaused() {
	m.reconnectPauses.Inc()
}

// RecordPingTimeout counts one unanswered ping
func (m *Metrics) RecordPingTimeout() {
	m.pingTimeouts.Inc()
}

// RecordQueueDepth sets the outbound queue gauge
func (m *Metrics) RecordQueueDepth(n int) {
	m.queueDepth.Set(float64(n))
}

// RecordInFlight sets the in-flight gauge
func (m *Metrics) RecordInFlight(n int) {
	m.inFlight.Set(float64(n))
}

// RecordHistoryRequest counts a history query outcome
func (m *Metrics) RecordHistoryRequest(outcome string) {
	m.historyRequests.WithLabelValues(outcome).Inc()
}

// RecordHistoryLatency observes the duration of one answered query
func (m *Metrics) RecordHistoryLatency(seconds float64) {
	m.historyLatency.Observe(seconds)
}
