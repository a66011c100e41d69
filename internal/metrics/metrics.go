// ABOUTME: Prometheus instruments for turns, stream frames, and editor bridge traffic
// ABOUTME: Uses a private registry so several hosts can run in one process

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_editor"

// Turn outcomes
const (
	TurnCompleted  = "completed"
	TurnFailed     = "failed"
	TurnCanceled   = "canceled"
	TurnUnfinished = "unfinished"
)

// Delivery results for commands and reply relays
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultNotReady = "not_ready"
)

// Metrics holds the editor host instruments. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	turns    *prometheus.CounterVec
	frames   *prometheus.CounterVec
	inbound  *prometheus.CounterVec
	commands *prometheus.CounterVec
	relays   *prometheus.CounterVec
}

// New creates the instruments and registers them, together with the Go
// runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Conversation turns by outcome.",
		}, []string{"outcome"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_frames_total",
			Help:      "Decoded agent stream frames by event type.",
		}, []string{"event"}),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Cross-origin messages from the editor by disposition.",
		}, []string{"disposition"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_forwarded_total",
			Help:      "Agent commands posted into the editor by result.",
		}, []string{"result"}),
		relays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reply_relays_total",
			Help:      "Editor replies relayed to the agent backend by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.turns, m.frames, m.inbound, m.commands, m.relays,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WatchPendingReplies exports pending as a gauge of request ids still
// waiting for an editor reply. Call it at most once per Metrics.
func (m *Metrics) WatchPendingReplies(pending func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_replies",
		Help:      "Forwarded commands still awaiting an editor reply.",
	}, func() float64 {
		return float64(pending())
	}))
}

func (m *Metrics) Turn(outcome string) {
	if m != nil {
		m.turns.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Frame(event string) {
	if m != nil {
		m.frames.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) Inbound(disposition string) {
	if m != nil {
		m.inbound.WithLabelValues(disposition).Inc()
	}
}

func (m *Metrics) CommandForwarded(result string) {
	if m != nil {
		m.commands.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ReplyRelayed(result string) {
	if m != nil {
		m.relays.WithLabelValues(result).Inc()
	}
}
