package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "readout"

// Metrics contains the process-wide readout metrics. Every method is nil-safe
// so modules constructed without a registry need no guards.
type Metrics struct {
	// Module lifecycle
	ModuleState     *prometheus.GaugeVec
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	RunNumber       *prometheus.GaugeVec

	// Pipeline data movement
	Packets       *prometheus.CounterVec
	Bytes         *prometheus.CounterVec
	PipelineError *prometheus.CounterVec
	QueueTimeouts *prometheus.CounterVec

	// NATS
	NATSConnected      prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates the core metric set
func NewMetrics() *Metrics {
	return &Metrics{
		ModuleState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "state",
				Help:      "Module lifecycle state (0=uninitialized, 1=initialized, 2=configured, 3=running, 4=stopped)",
			},
			[]string{"module"},
		),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "commands_total",
				Help:      "Run-control commands handled, by outcome",
			},
			[]string{"module", "command", "result"},
		),
		CommandDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "command_duration_seconds",
				Help:      "Time spent executing run-control commands",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"module", "command"},
		),
		RunNumber: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "run_number",
				Help:      "Run number of the last successful start",
			},
			[]string{"module"},
		),
		Packets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "packets_total",
				Help:      "Packets moved by a pipeline",
			},
			[]string{"module", "connection", "direction"},
		),
		Bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "bytes_total",
				Help:      "Bytes moved by a pipeline",
			},
			[]string{"module", "connection", "direction"},
		),
		PipelineError: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "errors_total",
				Help:      "Recoverable pipeline errors",
			},
			[]string{"module", "connection", "kind"},
		),
		QueueTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "queue",
				Name:      "timeouts_total",
				Help:      "Bounded-timeout queue operations that expired",
			},
			[]string{"queue", "op"},
		),
		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),
		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),
		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "Circuit breaker state (0=closed, 1=open)",
			},
		),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ModuleState, m.Commands, m.CommandDuration, m.RunNumber,
		m.Packets, m.Bytes, m.PipelineError, m.QueueTimeouts,
		m.NATSConnected, m.NATSReconnects, m.NATSCircuitBreaker,
	}
}

// RecordState sets the state gauge for a module
func (m *Metrics) RecordState(module string, state int) {
	if m == nil {
		return
	}
	m.ModuleState.WithLabelValues(module).Set(float64(state))
}

// RecordCommand counts a command and observes its duration
func (m *Metrics) RecordCommand(module, command string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.Commands.WithLabelValues(module, command, result).Inc()
	m.CommandDuration.WithLabelValues(module, command).Observe(elapsed.Seconds())
}

// RecordRunNumber sets the run-number gauge
func (m *Metrics) RecordRunNumber(module string, run uint64) {
	if m == nil {
		return
	}
	m.RunNumber.WithLabelValues(module).Set(float64(run))
}

// RecordPackets counts packets and bytes moved on a connection
func (m *Metrics) RecordPackets(module, connection, direction string, packets, bytes int) {
	if m == nil {
		return
	}
	m.Packets.WithLabelValues(module, connection, direction).Add(float64(packets))
	if bytes > 0 {
		m.Bytes.WithLabelValues(module, connection, direction).Add(float64(bytes))
	}
}

// RecordPipelineError counts a recoverable pipeline error of the given kind
func (m *Metrics) RecordPipelineError(module, connection, kind string) {
	if m == nil {
		return
	}
	m.PipelineError.WithLabelValues(module, connection, kind).Inc()
}

// RecordQueueTimeout counts an expired push or pop
func (m *Metrics) RecordQueueTimeout(queue, op string) {
	if m == nil {
		return
	}
	m.QueueTimeouts.WithLabelValues(queue, op).Inc()
}

// RecordNATSStatus updates the NATS connection gauge
func (m *Metrics) RecordNATSStatus(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.NATSConnected.Set(1)
	} else {
		m.NATSConnected.Set(0)
	}
}

// RecordNATSReconnect counts a reconnection
func (m *Metrics) RecordNATSReconnect() {
	if m == nil {
		return
	}
	m.NATSReconnects.Inc()
}

// RecordCircuitBreaker records the circuit breaker state
func (m *Metrics) RecordCircuitBreaker(open bool) {
	if m == nil {
		return
	}
	if open {
		m.NATSCircuitBreaker.Set(1)
	} else {
		m.NATSCircuitBreaker.Set(0)
	}
}
