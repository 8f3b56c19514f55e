package buffer

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/DUNE-DAQ/readoutmodules/metric"
)

// bufferVecs are shared by every buffer exporting to one registry
type bufferVecs struct {
	writes      *prometheus.CounterVec
	reads       *prometheus.CounterVec
	drops       *prometheus.CounterVec
	size        *prometheus.GaugeVec
	utilization *prometheus.GaugeVec
}

var (
	vecsMu      sync.Mutex
	vecsByOwner = make(map[*metric.MetricsRegistry]*bufferVecs)
)

func registryVecs(registry *metric.MetricsRegistry) (*bufferVecs, error) {
	vecsMu.Lock()
	defer vecsMu.Unlock()

	if v, ok := vecsByOwner[registry]; ok {
		return v, nil
	}

	labels := []string{"buffer"}
	v := &bufferVecs{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readout",
			Subsystem: "buffer",
			Name:      "writes_total",
			Help:      "Total number of buffer writes",
		}, labels),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readout",
			Subsystem: "buffer",
			Name:      "reads_total",
			Help:      "Total number of buffer reads",
		}, labels),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "readout",
			Subsystem: "buffer",
			Name:      "drops_total",
			Help:      "Total number of items dropped on overflow",
		}, labels),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "readout",
			Subsystem: "buffer",
			Name:      "size",
			Help:      "Current number of items in buffer",
		}, labels),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "readout",
			Subsystem: "buffer",
			Name:      "utilization",
			Help:      "Buffer occupancy as a fraction of capacity",
		}, labels),
	}

	if err := registry.RegisterCounterVec("buffer", "writes", v.writes); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("buffer", "reads", v.reads); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec("buffer", "drops", v.drops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("buffer", "size", v.size); err != nil {
		return nil, err
	}
	if err := registry.RegisterGaugeVec("buffer", "utilization", v.utilization); err != nil {
		return nil, err
	}

	vecsByOwner[registry] = v
	return v, nil
}

// bufferMetrics are one buffer's children of the shared vectors
type bufferMetrics struct {
	writes      prometheus.Counter
	reads       prometheus.Counter
	drops       prometheus.Counter
	size        prometheus.Gauge
	utilization prometheus.Gauge
}

func newBufferMetrics(registry *metric.MetricsRegistry, name string) (*bufferMetrics, error) {
	v, err := registryVecs(registry)
	if err != nil {
		return nil, err
	}
	return &bufferMetrics{
		writes:      v.writes.WithLabelValues(name),
		reads:       v.reads.WithLabelValues(name),
		drops:       v.drops.WithLabelValues(name),
		size:        v.size.WithLabelValues(name),
		utilization: v.utilization.WithLabelValues(name),
	}, nil
}

func (m *bufferMetrics) recordWrite(size, capacity int) {
	m.writes.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordRead(size, capacity int) {
	m.reads.Inc()
	m.updateSize(size, capacity)
}

func (m *bufferMetrics) recordDrop() {
	m.drops.Inc()
}

func (m *bufferMetrics) updateSize(size, capacity int) {
	m.size.Set(float64(size))
	m.utilization.Set(float64(size) / float64(capacity))
}
