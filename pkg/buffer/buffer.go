package buffer

import (
	"time"
)

// Buffer is a bounded, thread-safe FIFO parameterized by item type.
type Buffer[T any] interface {
	// Write adds an item. Behavior when full depends on the overflow policy.
	Write(item T) error

	// WriteWithTimeout adds an item, waiting at most timeout for space under
	// the Block policy. A miss returns errors.ErrTimeout.
	WriteWithTimeout(item T, timeout time.Duration) error

	// Read removes the oldest item. It reports false if the buffer is empty.
	Read() (T, bool)

	// ReadWithTimeout removes the oldest item, waiting at most timeout for
	// one to arrive. A miss returns errors.ErrTimeout.
	ReadWithTimeout(timeout time.Duration) (T, error)

	// ReadBatch removes up to max items.
	ReadBatch(max int) []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Snapshot copies the buffered items, oldest first, without removing them.
	Snapshot() []T

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close wakes every waiter; further writes fail with errors.ErrQueueClosed.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item. Latency buffers use it.
	DropOldest OverflowPolicy = iota

	// DropNewest discards the incoming item.
	DropNewest

	// Block makes writers wait for space. Queues use it.
	Block
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	case Block:
		return "Block"
	default:
		return "Unknown"
	}
}

// ParseOverflowPolicy maps a configuration string to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, bool) {
	switch s {
	case "", "DropOldest", "drop_oldest":
		return DropOldest, true
	case "DropNewest", "drop_newest":
		return DropNewest, true
	case "Block", "block":
		return Block, true
	default:
		return DropOldest, false
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Statistics are always collected; Prometheus export is enabled with WithMetrics.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	opts := applyOptions(options...)
	return newCircularBuffer(capacity, opts)
}
