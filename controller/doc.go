// Package controller hosts the readout modules of one application and routes
// run-control commands to them.
//
// An Application is built from a config.Config: it declares the configured
// queues, creates each module through the plugin registry and then waits for
// commands. Commands arrive through Execute, the HTTP /command endpoint or
// NATS request/reply on readout.<application>.command:
//
//	{"id": "...", "name": "start", "modules": ["dlh0"], "data": {"run": 1234}}
//
// A command fans out to its target modules concurrently; commands to the same
// module are serialized. init and conf default to the payloads declared in
// the config when no data is given.
//
// Run also serves /metrics, /health and /info and publishes periodic get_info
// snapshots through opmon.
package controller
