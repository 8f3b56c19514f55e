// Package readoutmodules hosts the per-link pipelines of a data-acquisition
// front-end and drives them through run control.
//
// # Overview
//
// A readout application owns a set of modules. Each module owns one pipeline
// per named connection, and the concrete pipeline for a connection is chosen
// at init time from the connection's payload-type tag. An external run-control
// client moves every module through the same lifecycle:
//
//	Uninitialized --init--> Initialized --conf--> Configured --start--> Running
//	                             ^                    ^  |                 |
//	                             |                    |  scrap            stop
//	                             +------- scrap ------+--+---- Stopped <---+
//
// scrap returns a module to Initialized, so conf/start/stop/scrap cycles can
// repeat for as many runs as the process lives.
//
// # Packages
//
// Lifecycle core:
//   - component: RunMarker, Dispatcher (exact payload-tag registry), Binding
//     (name to pipeline map), Module (the state machine) and the Pipeline
//     contract
//   - errors: classified errors and the DAQ error taxonomy
//
// Pipelines:
//   - readout: link handler with latency buffer and record
//   - emulator: fake card reader producing rate-limited frames per link
//   - recorder: streams frames to disk, optionally zstd or lz4 compressed
//   - consumer: counting, errored-frame, fragment and time-sync consumers
//   - sender: publishes fragments over NATS or JetStream
//   - modules: one wrapper per module flavor plus the plugin registry
//
// Data and transport:
//   - frame, fragment: payload tags and the values carried by queues
//   - queue: bounded-timeout connections (in-process, NATS, UDP)
//   - natsclient: NATS connection manager with circuit breaker
//   - affinity: CPU pinning for worker threads
//
// Hosting:
//   - controller: Application routing run-control commands over NATS and HTTP
//   - config: layered YAML/JSON configuration with schema validation
//   - opmon: periodic get_info snapshots to slog and NATS KV
//   - metric, health: Prometheus instruments and health status
//   - cmd/readoutd: the daemon
//
// # Concurrency
//
// Commands reach a module one at a time. Each pipeline runs at most one worker
// goroutine gated by the module's RunMarker; workers only block in
// bounded-timeout reads, so stop can clear the marker and wait for every worker
// to report quiescence.
package readoutmodules
