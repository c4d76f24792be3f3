// Package metrics exposes Prometheus instrumentation for a circuit's
// byte/frame counters and watchdog/flow-control toggles, mirrored from
// the debug counters the original implementation only ever logged.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the metrics namespace/labels a Circuit reports under.
type Config struct {
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
	Registry    prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) { c.Namespace = namespace }
}

func WithSubsystem(subsystem string) Option {
	return func(c *Config) { c.Subsystem = subsystem }
}

func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) { c.ConstLabels = labels }
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) { c.Registry = registry }
}

func defaultConfig() Config {
	return Config{
		Namespace:   "cacircuit",
		Subsystem:   "",
		ConstLabels: nil,
		Registry:    prometheus.DefaultRegisterer,
	}
}

// Metrics holds one circuit's Prometheus collectors.
type Metrics struct {
	framesSent     prometheus.Counter
	framesReceived prometheus.Counter
	bytesSent      prometheus.Counter
	bytesReceived  prometheus.Counter
	busyToggles    prometheus.Counter
	watchdogFires  *prometheus.CounterVec
	oversizeDrops  prometheus.Counter

	flowControlActive prometheus.Gauge
	unackedSendBytes  prometheus.Gauge
	sendQueueBytes    prometheus.Gauge
}

// New builds a Metrics instance registered under opts. Pass
// WithRegistry(prometheus.NewRegistry()) in tests to avoid colliding
// with the global default registerer across circuits.
func New(opts ...Option) *Metrics {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		framesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_sent_total",
			Help:        "Total number of frames written to the socket.",
			ConstLabels: cfg.ConstLabels,
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "frames_received_total",
			Help:        "Total number of socket reads that returned inbound bytes.",
			ConstLabels: cfg.ConstLabels,
		}),
		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "bytes_sent_total",
			Help:        "Total bytes written to the socket.",
			ConstLabels: cfg.ConstLabels,
		}),
		bytesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "bytes_received_total",
			Help:        "Total bytes read off the socket.",
			ConstLabels: cfg.ConstLabels,
		}),
		busyToggles: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "busy_toggles_total",
			Help:        "Total number of busy_detected transitions observed by the receive engine.",
			ConstLabels: cfg.ConstLabels,
		}),
		watchdogFires: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "watchdog_fires_total",
			Help:        "Total number of watchdog expirations, labeled by which side fired.",
			ConstLabels: cfg.ConstLabels,
		}, []string{"side"}),
		oversizeDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "oversize_payload_drops_total",
			Help:        "Total number of inbound payloads discarded for exceeding the large buffer ceiling.",
			ConstLabels: cfg.ConstLabels,
		}),
		flowControlActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "flow_control_active",
			Help:        "1 if the circuit is currently asking the peer to pause updates, else 0.",
			ConstLabels: cfg.ConstLabels,
		}),
		unackedSendBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "unacked_send_bytes",
			Help:        "Cumulative bytes sent since the last evidence of peer acknowledgement.",
			ConstLabels: cfg.ConstLabels,
		}),
		sendQueueBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "send_queue_bytes",
			Help:        "Bytes currently staged in the send queue awaiting drain.",
			ConstLabels: cfg.ConstLabels,
		}),
	}
}

func (m *Metrics) FrameSent(n uint32) {
	m.framesSent.Inc()
	m.bytesSent.Add(float64(n))
}

func (m *Metrics) FrameReceived(n uint32) {
	m.framesReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) BusyToggled() {
	m.busyToggles.Inc()
}

func (m *Metrics) WatchdogFired(side string) {
	m.watchdogFires.WithLabelValues(side).Inc()
}

func (m *Metrics) OversizeDropped() {
	m.oversizeDrops.Inc()
}

func (m *Metrics) SetFlowControlActive(active bool) {
	if active {
		m.flowControlActive.Set(1)
	} else {
		m.flowControlActive.Set(0)
	}
}

func (m *Metrics) SetUnackedSendBytes(n uint32) {
	m.unackedSendBytes.Set(float64(n))
}

func (m *Metrics) SetSendQueueBytes(n uint32) {
	m.sendQueueBytes.Set(float64(n))
}
