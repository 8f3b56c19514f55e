// Package queue is the transport between readout modules: named connections
// with a declared payload type, bounded-timeout Push and Pop, and three
// implementations selected per connection.
//
//   - memory: an in-process blocking ring (pkg/buffer) for modules hosted in
//     the same application
//   - nats: a NATS subject with msgpack-encoded items, read through a
//     synchronous subscription
//   - udp: one datagram per item, for links that stream frames from
//     front-end electronics
//
// A Registry holds the declarations and implements component.Transport, so
// a module's init binds each connection by name:
//
//	reg := queue.NewRegistry(queue.WithNATSClient(client))
//	queue.Register[frame.Frame](reg, nil, frame.AllTypes()...)
//	_ = reg.Declare(queue.Spec{Name: "link0", PayloadTypes: []string{"WIBEthFrame"}})
//
// Pipelines recover the typed endpoint with ReceiverOf or SenderOf. Every
// Pop and Push takes a timeout and returns errors.ErrTimeout on a miss, which
// worker loops treat as a poll miss rather than a failure.
package queue
