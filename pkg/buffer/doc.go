// Package buffer provides thread-safe circular buffers with configurable
// overflow policies, always-on statistics and optional Prometheus export.
//
// # Uses
//
// Two kinds of buffer back the readout data path:
//
//   - Latency buffers hold the most recent frames of a link. They use
//     DropOldest so a full buffer keeps the newest data, and Snapshot lets a
//     record command dump the contents without disturbing the worker.
//   - In-process queues connect modules. They use Block, and workers only
//     call WriteWithTimeout and ReadWithTimeout so a blocked call always
//     returns in time to observe a cleared run marker.
//
// # Quick Start
//
//	buf, err := buffer.NewCircularBuffer[frame.Frame](4096,
//		buffer.WithOverflowPolicy[frame.Frame](buffer.Block),
//		buffer.WithMetrics[frame.Frame](registry, "link0"),
//	)
//	if err != nil {
//		return err
//	}
//
//	if err := buf.WriteWithTimeout(f, 100*time.Millisecond); errors.IsTimeout(err) {
//		// queue full, retry on the next loop iteration
//	}
//
//	f, err := buf.ReadWithTimeout(100 * time.Millisecond)
//
// # Overflow Policies
//
//   - DropOldest: evict the oldest item (default)
//   - DropNewest: discard the incoming item
//   - Block: writers wait for space
//
// # Observability
//
// Statistics are collected for every buffer and reported through Stats().
// When WithMetrics is given, each buffer also updates the shared
// readout_buffer_* vectors labelled with its name. Drops are counted in both.
//
// # Closing
//
// Close wakes every waiter. Writes then fail with errors.ErrQueueClosed;
// items already buffered remain readable.
package buffer
