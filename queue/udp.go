package queue

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// DefaultUDPReadBuffer is the socket receive buffer requested for UDP
// receivers. Front-end boards send bursts larger than the kernel default.
const DefaultUDPReadBuffer = 2 * 1024 * 1024

const maxDatagram = 65507

// UDP receives items as datagrams, one item per datagram, the way front-end
// electronics stream frames to a readout host. The receiving side listens
// on the configured address; the sending side dials it.
type UDP[T any] struct {
	name    string
	address string
	codec   Codec[T]

	rmu  sync.Mutex
	conn *net.UDPConn
	buf  []byte

	wmu sync.Mutex
	out *net.UDPConn
}

// NewUDP creates a UDP queue bound to address. It does not open sockets yet.
func NewUDP[T any](name, address string, codec Codec[T]) (*UDP[T], error) {
	if address == "" {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "queue %q has no address", name)
	}
	if codec == nil {
		codec = MsgpackCodec[T]{}
	}
	return &UDP[T]{name: name, address: address, codec: codec}, nil
}

// Name implements Endpoint
func (q *UDP[T]) Name() string { return q.name }

// Kind implements Endpoint
func (q *UDP[T]) Kind() Kind { return KindUDP }

// Listen opens the receiving socket. It is idempotent.
func (q *UDP[T]) Listen() error {
	q.rmu.Lock()
	defer q.rmu.Unlock()

	if q.conn != nil {
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp", q.address)
	if err != nil {
		return fmt.Errorf("queue %q: resolve %s: %w: %w", q.name, q.address, errors.ErrResource, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("queue %q: listen %s: %w: %w", q.name, q.address, errors.ErrResource, err)
	}
	// Best effort; the kernel may cap it.
	_ = conn.SetReadBuffer(DefaultUDPReadBuffer)

	q.conn = conn
	q.buf = make([]byte, maxDatagram)
	return nil
}

// LocalAddr returns the listening address once Listen succeeded
func (q *UDP[T]) LocalAddr() net.Addr {
	q.rmu.Lock()
	defer q.rmu.Unlock()
	if q.conn == nil {
		return nil
	}
	return q.conn.LocalAddr()
}

// Pop implements Receiver
func (q *UDP[T]) Pop(timeout time.Duration) (T, error) {
	var zero T
	if err := q.Listen(); err != nil {
		return zero, err
	}

	q.rmu.Lock()
	defer q.rmu.Unlock()

	if q.conn == nil {
		return zero, errors.ErrQueueClosed
	}
	if err := q.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return zero, fmt.Errorf("queue %q: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}

	n, _, err := q.conn.ReadFromUDP(q.buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return zero, errors.ErrTimeout
		}
		return zero, fmt.Errorf("queue %q: read: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}

	item, err := q.codec.Unmarshal(append([]byte(nil), q.buf[:n]...))
	if err != nil {
		return zero, fmt.Errorf("queue %q: decode: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}
	return item, nil
}

// Push implements Sender
func (q *UDP[T]) Push(item T, timeout time.Duration) error {
	data, err := q.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue %q: encode: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("queue %q: %d byte item exceeds datagram size: %w", q.name, len(data), errors.ErrRuntimeIO)
	}

	q.wmu.Lock()
	defer q.wmu.Unlock()

	if q.out == nil {
		addr, err := net.ResolveUDPAddr("udp", q.address)
		if err != nil {
			return fmt.Errorf("queue %q: resolve %s: %w: %w", q.name, q.address, errors.ErrResource, err)
		}
		out, err := net.DialUDP("udp", nil, addr)
		if err != nil {
			return fmt.Errorf("queue %q: dial %s: %w: %w", q.name, q.address, errors.ErrResource, err)
		}
		q.out = out
	}

	if err := q.out.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return fmt.Errorf("queue %q: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}
	if _, err := q.out.Write(data); err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return errors.ErrTimeout
		}
		return fmt.Errorf("queue %q: write: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}
	return nil
}

// CloseReceiver closes the listening socket. The sending side stays open.
func (q *UDP[T]) CloseReceiver() error {
	q.rmu.Lock()
	defer q.rmu.Unlock()

	if q.conn == nil {
		return nil
	}
	err := q.conn.Close()
	q.conn = nil
	return err
}

// Close implements Endpoint
func (q *UDP[T]) Close() error {
	q.rmu.Lock()
	defer q.rmu.Unlock()
	q.wmu.Lock()
	defer q.wmu.Unlock()

	var errs []error
	if q.conn != nil {
		errs = append(errs, q.conn.Close())
		q.conn = nil
	}
	if q.out != nil {
		errs = append(errs, q.out.Close())
		q.out = nil
	}
	return errors.Join(errs...)
}
