package queue

import (
	"time"

	"github.com/DUNE-DAQ/readoutmodules/pkg/buffer"
)

// Memory is an in-process queue between modules of one application
type Memory[T any] struct {
	name string
	buf  buffer.Buffer[T]
}

// NewMemory creates a blocking queue holding at most capacity items
func NewMemory[T any](name string, capacity int, opts ...buffer.Option[T]) (*Memory[T], error) {
	opts = append([]buffer.Option[T]{buffer.WithOverflowPolicy[T](buffer.Block)}, opts...)
	buf, err := buffer.NewCircularBuffer[T](capacity, opts...)
	if err != nil {
		return nil, err
	}
	return &Memory[T]{name: name, buf: buf}, nil
}

// Name implements Endpoint
func (q *Memory[T]) Name() string { return q.name }

// Kind implements Endpoint
func (q *Memory[T]) Kind() Kind { return KindMemory }

// Push implements Sender
func (q *Memory[T]) Push(item T, timeout time.Duration) error {
	return q.buf.WriteWithTimeout(item, timeout)
}

// Pop implements Receiver
func (q *Memory[T]) Pop(timeout time.Duration) (T, error) {
	return q.buf.ReadWithTimeout(timeout)
}

// Len returns the number of queued items
func (q *Memory[T]) Len() int { return q.buf.Size() }

// Stats returns the underlying buffer statistics
func (q *Memory[T]) Stats() buffer.StatsSummary { return q.buf.Stats().Summary() }

// Close implements Endpoint
func (q *Memory[T]) Close() error { return q.buf.Close() }
