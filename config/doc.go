// Package config loads the readoutd application configuration.
//
// A configuration names the application, the NATS connection, the HTTP
// listener for metrics and health, the opmon snapshot sinks, the queues
// connecting modules and the modules themselves:
//
//	application: ru01
//	nats:
//	  urls: [nats://localhost:4222]
//	http:
//	  address: ":9090"
//	queues:
//	  - {name: link0, payload_types: [WIBEthFrame], capacity: 10000}
//	modules:
//	  - name: fake0
//	    plugin: FakeCardReader
//	    connections: [{name: link0, direction: output}]
//	    conf:
//	      link_confs: [{queue_name: link0, slowdown: 10}]
//	  - name: dlh0
//	    plugin: DataLinkHandler
//	    connections: [{name: link0, direction: input}]
//	    conf: {latency_buffer_size: 100000}
//
// Loader reads YAML (.yaml, .yml) or JSON layers, merges them over Defaults,
// applies READOUTD_* environment overrides and validates the result against
// an embedded JSON schema and Config.Validate:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/readoutd/base.yaml")
//	loader.AddLayer("run.yaml")
//	cfg, err := loader.Load()
//
// Environment overrides: READOUTD_APPLICATION, READOUTD_NATS_URLS (comma
// separated), READOUTD_NATS_USERNAME, READOUTD_NATS_PASSWORD,
// READOUTD_NATS_TOKEN, READOUTD_HTTP_ADDRESS, READOUTD_OPMON_INTERVAL and
// READOUTD_OPMON_LEVEL.
//
// nats.tls and http.tls take certificate file paths (see pkg/tlsutil); http.tls
// with require_client_cert enables mutual TLS on the command endpoint.
package config
