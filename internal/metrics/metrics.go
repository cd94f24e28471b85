// Package metrics exposes Prometheus counters for the protocol engine.
//
// A nil *Metrics is valid and records nothing, so components can be built
// without a registry in tests.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures metric registration.
type Config struct {
	// Namespace is the metrics namespace (default: "craftlink").
	Namespace string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures metric registration.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

// Metrics holds every counter the engine updates.
type Metrics struct {
	FramesAccepted   prometheus.Counter
	FramesCorrupt    prometheus.Counter
	ChecksumSwitches prometheus.Counter
	EnvelopesSkipped prometheus.Counter
	PacketsReceived  *prometheus.CounterVec
	PacketsSent      *prometheus.CounterVec
	Requests         *prometheus.CounterVec
	StrayResponses   prometheus.Counter
	Connections      prometheus.Gauge
}

// Request outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeTimeout = "timeout"
)

// New registers the engine metrics.
func New(opts ...Option) *Metrics {
	cfg := Config{
		Namespace: "craftlink",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	f := promauto.With(cfg.Registry)
	counter := func(subsystem, name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, labels)
	}

	return &Metrics{
		FramesAccepted:   counter("frame", "accepted_total", "Envelopes whose checksum verified."),
		FramesCorrupt:    counter("frame", "corrupt_total", "Envelopes discarded for a bad checksum or payload."),
		ChecksumSwitches: counter("frame", "checksum_switches_total", "Times a connection flipped its checksum convention."),
		EnvelopesSkipped: counter("frame", "skipped_total", "Markers skipped as unrecognized envelopes."),
		PacketsReceived:  counterVec("packet", "received_total", "Decoded inbound packets.", "type"),
		PacketsSent:      counterVec("packet", "sent_total", "Outbound packets.", "type"),
		Requests:         counterVec("fs", "requests_total", "Filesystem requests by outcome.", "outcome"),
		StrayResponses:   counter("fs", "stray_responses_total", "Responses with no pending request."),
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Name:        "connections",
			Help:        "Open emulator connections.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Metrics) FrameAccepted() {
	if m != nil {
		m.FramesAccepted.Inc()
	}
}

func (m *Metrics) FrameCorrupt() {
	if m != nil {
		m.FramesCorrupt.Inc()
	}
}

func (m *Metrics) ChecksumSwitched() {
	if m != nil {
		m.ChecksumSwitches.Inc()
	}
}

func (m *Metrics) EnvelopeSkipped() {
	if m != nil {
		m.EnvelopesSkipped.Inc()
	}
}

func (m *Metrics) PacketReceived(kind string) {
	if m != nil {
		m.PacketsReceived.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) PacketSent(kind string) {
	if m != nil {
		m.PacketsSent.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) RequestDone(outcome string) {
	if m != nil {
		m.Requests.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) StrayResponse() {
	if m != nil {
		m.StrayResponses.Inc()
	}
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.Connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.Connections.Dec()
	}
}
