// Package observability provides Prometheus metrics and an HTTP endpoint for them.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bot's collectors. A nil *Metrics is valid and records nothing,
// so components can be built without a registry in tests.
type Metrics struct {
	LinesRead         prometheus.Counter
	LinesDropped      prometheus.Counter
	MalformedMessages prometheus.Counter
	EventsDispatched  *prometheus.CounterVec
	HandlerFailures   *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	OutboundLines     prometheus.Counter
	OutboundQueue     prometheus.Gauge
	StateTransitions  *prometheus.CounterVec
	ConnectionState   *prometheus.GaugeVec
	PluginsLoaded     prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dunamis_lines_read_total",
			Help: "Protocol lines read from the server",
		}),
		LinesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dunamis_lines_dropped_total",
			Help: "Inbound lines dropped for exceeding the maximum length",
		}),
		MalformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dunamis_malformed_messages_total",
			Help: "Inbound lines that failed to parse",
		}),
		EventsDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dunamis_events_dispatched_total",
			Help: "Events delivered through the bus by kind",
		}, []string{"kind"}),
		HandlerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dunamis_handler_failures_total",
			Help: "Subscriber and command handler failures by subscriber",
		}, []string{"subscriber"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dunamis_commands_total",
			Help: "Routed commands by outcome",
		}, []string{"outcome"}),
		OutboundLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dunamis_outbound_lines_total",
			Help: "Lines written to the server",
		}),
		OutboundQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dunamis_outbound_queue_depth",
			Help: "Lines waiting in the outbound queue",
		}),
		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dunamis_state_transitions_total",
			Help: "Connection state transitions by target state",
		}, []string{"to"}),
		ConnectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dunamis_connection_state",
			Help: "1 for the current connection state, 0 otherwise",
		}, []string{"state"}),
		PluginsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dunamis_plugins_loaded",
			Help: "Number of loaded plugins",
		}),
	}

	reg.MustRegister(
		m.LinesRead,
		m.LinesDropped,
		m.MalformedMessages,
		m.EventsDispatched,
		m.HandlerFailures,
		m.Commands,
		m.OutboundLines,
		m.OutboundQueue,
		m.StateTransitions,
		m.ConnectionState,
		m.PluginsLoaded,
	)
	return m
}

func (m *Metrics) LineRead() {
	if m != nil {
		m.LinesRead.Inc()
	}
}

func (m *Metrics) LineDropped() {
	if m != nil {
		m.LinesDropped.Inc()
	}
}

func (m *Metrics) Malformed() {
	if m != nil {
		m.MalformedMessages.Inc()
	}
}

func (m *Metrics) EventDispatched(kind string) {
	if m != nil {
		m.EventsDispatched.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) HandlerFailed(subscriber string) {
	if m != nil {
		m.HandlerFailures.WithLabelValues(subscriber).Inc()
	}
}

func (m *Metrics) CommandRouted(outcome string) {
	if m != nil {
		m.Commands.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) LineWritten() {
	if m != nil {
		m.OutboundLines.Inc()
	}
}

func (m *Metrics) QueueDepth(n int) {
	if m != nil {
		m.OutboundQueue.Set(float64(n))
	}
}

// StateChanged moves the state gauge from one state label to another
func (m *Metrics) StateChanged(from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.WithLabelValues(to).Inc()
	m.ConnectionState.WithLabelValues(from).Set(0)
	m.ConnectionState.WithLabelValues(to).Set(1)
}

func (m *Metrics) SetPluginsLoaded(n int) {
	if m != nil {
		m.PluginsLoaded.Set(float64(n))
	}
}
