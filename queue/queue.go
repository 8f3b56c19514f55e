package queue

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Sender pushes items onto a connection. Push returns errors.ErrTimeout when
// the item could not be queued within timeout.
type Sender[T any] interface {
	Name() string
	Push(item T, timeout time.Duration) error
}

// Receiver pops items from a connection. Pop returns errors.ErrTimeout when
// nothing arrived within timeout; callers treat that as a poll miss.
type Receiver[T any] interface {
	Name() string
	Pop(timeout time.Duration) (T, error)
}

// Endpoint is the handle stored on a bound connection
type Endpoint interface {
	Name() string
	Kind() Kind
	Close() error
}

// Codec converts items to and from their wire form
type Codec[T any] interface {
	Marshal(item T) ([]byte, error)
	Unmarshal(data []byte) (T, error)
}

// MsgpackCodec encodes items with msgpack
type MsgpackCodec[T any] struct{}

// Marshal implements Codec
func (MsgpackCodec[T]) Marshal(item T) ([]byte, error) {
	return msgpack.Marshal(&item)
}

// Unmarshal implements Codec
func (MsgpackCodec[T]) Unmarshal(data []byte) (T, error) {
	var item T
	err := msgpack.Unmarshal(data, &item)
	return item, err
}

// SenderOf returns the typed sender behind a bound connection
func SenderOf[T any](conn component.Connection) (Sender[T], error) {
	s, ok := conn.Endpoint.(Sender[T])
	if !ok {
		return nil, errors.Errorf(errors.ErrResource, "connection %q (%s) has no %s sender",
			conn.Name, conn.PayloadType, typeName[T]())
	}
	return s, nil
}

// ReceiverOf returns the typed receiver behind a bound connection
func ReceiverOf[T any](conn component.Connection) (Receiver[T], error) {
	r, ok := conn.Endpoint.(Receiver[T])
	if !ok {
		return nil, errors.Errorf(errors.ErrResource, "connection %q (%s) has no %s receiver",
			conn.Name, conn.PayloadType, typeName[T]())
	}
	return r, nil
}

func typeName[T any]() string {
	var zero T
	return fmt.Sprintf("%T", zero)
}
