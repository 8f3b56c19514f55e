package metric

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetricsRegistry(t *testing.T) {
	registry := NewMetricsRegistry()

	require.NotNil(t, registry)
	assert.NotNil(t, registry.PrometheusRegistry())
	assert.NotNil(t, registry.CoreMetrics())
}

func TestMetricsRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "test_frames_total",
		Help: "A test counter",
	}, []string{"link"})

	require.NoError(t, registry.RegisterCounterVec("emulator", "frames", vec))
	vec.WithLabelValues("0").Add(3)

	families, err := registry.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, mf := range families {
		if mf.GetName() == "test_frames_total" {
			found = true
			break
		}
	}
	assert.True(t, found)
}

func TestMetricsRegistry_DuplicateRegistration(t *testing.T) {
	registry := NewMetricsRegistry()

	first := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"}, []string{"a"})
	second := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "dup_gauge", Help: "x"}, []string{"a"})

	require.NoError(t, registry.RegisterGaugeVec("owner", "dup", first))
	assert.Error(t, registry.RegisterGaugeVec("owner", "dup", first))
	assert.Error(t, registry.RegisterGaugeVec("other", "dup", second))
}

func TestMetricsRegistry_Unregister(t *testing.T) {
	registry := NewMetricsRegistry()

	vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "lat_seconds", Help: "x"}, []string{"a"})
	require.NoError(t, registry.RegisterHistogramVec("owner", "lat", vec))

	assert.True(t, registry.Unregister("owner", "lat"))
	assert.False(t, registry.Unregister("owner", "lat"))
	require.NoError(t, registry.RegisterHistogramVec("owner", "lat", vec))
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordState("dlh", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.ModuleState.WithLabelValues("dlh")))

	m.RecordCommand("dlh", "start", nil, 10*time.Millisecond)
	m.RecordCommand("dlh", "start", errors.New("boom"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("dlh", "start", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("dlh", "start", "error")))

	m.RecordPackets("dlh", "raw", "in", 5, 100)
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Packets.WithLabelValues("dlh", "raw", "in")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.Bytes.WithLabelValues("dlh", "raw", "in")))

	m.RecordNATSStatus(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSConnected))
	m.RecordCircuitBreaker(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.NATSCircuitBreaker))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordState("x", 1)
		m.RecordCommand("x", "init", nil, 0)
		m.RecordRunNumber("x", 1)
		m.RecordPackets("x", "y", "in", 1, 1)
		m.RecordPipelineError("x", "y", "io")
		m.RecordQueueTimeout("q", "pop")
		m.RecordNATSStatus(false)
		m.RecordNATSReconnect()
		m.RecordCircuitBreaker(false)
	})

	var r *MetricsRegistry
	assert.Nil(t, r.CoreMetrics())
}

func TestMetricsRegistry_Handler(t *testing.T) {
	registry := NewMetricsRegistry()
	registry.CoreMetrics().RecordState("dlh", 2)

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "readout_module_state"))
}
