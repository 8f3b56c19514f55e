// Package metric provides Prometheus metrics for readout modules.
//
// A MetricsRegistry owns a private prometheus.Registry populated with the core
// readout metrics (module state, command outcomes and latency, pipeline packet
// and byte counters, queue timeouts, NATS health) plus the Go and process
// collectors. Pipelines that need extra instruments register their own vectors
// with RegisterCounterVec and friends; duplicates are rejected.
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordCommand("dlh_0", "start", nil, time.Since(begin))
//	http.Handle("/metrics", registry.Handler())
//
// The Record* helpers on Metrics are nil-safe, so a module built without a
// registry simply records nothing.
package metric
