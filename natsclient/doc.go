// Package natsclient wraps the NATS Go client with a circuit breaker and the
// handful of operations the readout application needs.
//
// Connection states move Disconnected → Connecting → Connected, with
// Reconnecting while the library re-establishes a dropped link. After five
// consecutive failures (WithCircuitBreakerThreshold) the circuit opens and
// every call fails fast with ErrCircuitOpen until the backoff expires.
//
// Operations used elsewhere in the module:
//
//   - SubscribeSync: pull-style subscriptions backing remote queues; the
//     caller polls NextMsg with a bounded timeout
//   - Publish / PublishToStream: fragment shipping, plain or JetStream
//   - Respond / Request: the run-control command endpoint
//   - KeyValue: the opmon snapshot bucket
//
// Usage:
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("readoutd"),
//	    natsclient.WithLogger(logger),
//	    natsclient.WithMetrics(registry))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(context.Background())
//
// Tests that need a live server use NewTestClient, which starts a NATS
// container through testcontainers.
package natsclient
