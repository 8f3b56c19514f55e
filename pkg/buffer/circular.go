package buffer

import (
	"sync"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// circularBuffer is a thread-safe ring with configurable overflow policy.
type circularBuffer[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	stats    *Statistics
	metrics  *bufferMetrics
	opts     *bufferOptions[T]

	notEmpty *sync.Cond
	notFull  *sync.Cond
	closed   bool
}

func newCircularBuffer[T any](capacity int, opts *bufferOptions[T]) (*circularBuffer[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.metricsReg != nil {
		var err error
		metrics, err = newBufferMetrics(opts.metricsReg, opts.metricsName)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newCircularBuffer", "metrics registration")
		}
	}

	cb := &circularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}
	cb.notEmpty = sync.NewCond(&cb.mu)
	cb.notFull = sync.NewCond(&cb.mu)

	return cb, nil
}

// wait blocks on cond until ready reports true, the buffer closes or the
// deadline passes. Caller holds cb.mu.
func (cb *circularBuffer[T]) wait(cond *sync.Cond, timeout time.Duration, ready func() bool) error {
	if ready() {
		return nil
	}
	if timeout <= 0 {
		cb.stats.Timeout()
		return errors.ErrTimeout
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		cb.mu.Lock()
		cond.Broadcast()
		cb.mu.Unlock()
	})
	defer timer.Stop()

	for !ready() {
		if cb.closed {
			return errors.ErrQueueClosed
		}
		if !time.Now().Before(deadline) {
			cb.stats.Timeout()
			return errors.ErrTimeout
		}
		cond.Wait()
	}
	return nil
}

func (cb *circularBuffer[T]) hasSpace() bool { return cb.size < cb.capacity }
func (cb *circularBuffer[T]) hasItems() bool { return cb.size > 0 }

// Write adds an item according to the overflow policy. Under Block it waits
// without bound; workers use WriteWithTimeout instead.
func (cb *circularBuffer[T]) Write(item T) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.ErrQueueClosed
	}

	if cb.size == cb.capacity {
		cb.stats.Overflow()
		switch cb.opts.overflowPolicy {
		case DropOldest:
			dropped := cb.items[cb.tail]
			cb.tail = (cb.tail + 1) % cb.capacity
			cb.size--
			cb.recordDrop()
			if cb.opts.dropCallback != nil {
				defer cb.opts.dropCallback(dropped)
			}

		case DropNewest:
			cb.recordDrop()
			if cb.opts.dropCallback != nil {
				defer cb.opts.dropCallback(item)
			}
			return nil

		case Block:
			for cb.size == cb.capacity && !cb.closed {
				cb.notFull.Wait()
			}
			if cb.closed {
				return errors.ErrQueueClosed
			}
		}
	}

	cb.push(item)
	return nil
}

// WriteWithTimeout behaves like Write but bounds the Block wait.
func (cb *circularBuffer[T]) WriteWithTimeout(item T, timeout time.Duration) error {
	if cb.opts.overflowPolicy != Block {
		return cb.Write(item)
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return errors.ErrQueueClosed
	}
	if !cb.hasSpace() {
		cb.stats.Overflow()
	}
	if err := cb.wait(cb.notFull, timeout, cb.hasSpace); err != nil {
		return err
	}

	cb.push(item)
	return nil
}

// push appends item. Caller holds cb.mu and has ensured space.
func (cb *circularBuffer[T]) push(item T) {
	cb.items[cb.head] = item
	cb.head = (cb.head + 1) % cb.capacity
	cb.size++

	cb.stats.Write()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordWrite(cb.size, cb.capacity)
	}
	cb.notEmpty.Signal()
}

// pop removes the oldest item. Caller holds cb.mu and has ensured an item.
func (cb *circularBuffer[T]) pop() T {
	var zero T
	item := cb.items[cb.tail]
	cb.items[cb.tail] = zero
	cb.tail = (cb.tail + 1) % cb.capacity
	cb.size--

	cb.stats.Read()
	cb.stats.UpdateSize(int64(cb.size))
	if cb.metrics != nil {
		cb.metrics.recordRead(cb.size, cb.capacity)
	}
	cb.notFull.Signal()
	return item
}

func (cb *circularBuffer[T]) recordDrop() {
	cb.stats.Drop()
	if cb.metrics != nil {
		cb.metrics.recordDrop()
	}
}

// Read removes the oldest item.
func (cb *circularBuffer[T]) Read() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.pop(), true
}

// ReadWithTimeout removes the oldest item, waiting at most timeout.
func (cb *circularBuffer[T]) ReadWithTimeout(timeout time.Duration) (T, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	var zero T
	if err := cb.wait(cb.notEmpty, timeout, cb.hasItems); err != nil {
		return zero, err
	}
	return cb.pop(), nil
}

// ReadBatch removes up to max items.
func (cb *circularBuffer[T]) ReadBatch(max int) []T {
	if max <= 0 {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	n := min(max, cb.size)
	if n == 0 {
		return nil
	}

	result := make([]T, n)
	for i := range result {
		result[i] = cb.pop()
	}
	return result
}

// Peek returns the oldest item without removing it.
func (cb *circularBuffer[T]) Peek() (T, bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.size == 0 {
		var zero T
		return zero, false
	}
	return cb.items[cb.tail], true
}

// Snapshot copies the buffered items oldest first.
func (cb *circularBuffer[T]) Snapshot() []T {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	out := make([]T, cb.size)
	for i := range out {
		out[i] = cb.items[(cb.tail+i)%cb.capacity]
	}
	return out
}

// Size returns the current number of items.
func (cb *circularBuffer[T]) Size() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size
}

// Capacity returns the maximum number of items.
func (cb *circularBuffer[T]) Capacity() int {
	return cb.capacity
}

// IsFull reports whether the buffer is at capacity.
func (cb *circularBuffer[T]) IsFull() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == cb.capacity
}

// IsEmpty reports whether the buffer holds no items.
func (cb *circularBuffer[T]) IsEmpty() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.size == 0
}

// Clear removes all items, invoking the drop callback for each.
func (cb *circularBuffer[T]) Clear() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.opts.dropCallback != nil && cb.size > 0 {
		dropped := make([]T, cb.size)
		for i := range dropped {
			dropped[i] = cb.items[(cb.tail+i)%cb.capacity]
		}
		defer func() {
			for _, item := range dropped {
				cb.opts.dropCallback(item)
			}
		}()
	}

	clear(cb.items)
	cb.head = 0
	cb.tail = 0
	cb.size = 0

	cb.stats.UpdateSize(0)
	if cb.metrics != nil {
		cb.metrics.updateSize(0, cb.capacity)
	}
	cb.notFull.Broadcast()
}

// Stats returns buffer statistics.
func (cb *circularBuffer[T]) Stats() *Statistics {
	return cb.stats
}

// Close wakes every waiter. Buffered items stay readable.
func (cb *circularBuffer[T]) Close() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.closed {
		return nil
	}
	cb.closed = true
	cb.notEmpty.Broadcast()
	cb.notFull.Broadcast()
	return nil
}
