package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
)

// NATS carries a connection over a NATS subject so modules in different
// applications can be linked. Receivers use a synchronous subscription so
// every Pop is a bounded NextMsg.
type NATS[T any] struct {
	name    string
	subject string
	client  *natsclient.Client
	codec   Codec[T]

	mu  sync.Mutex
	sub *nats.Subscription
}

// NewNATS creates a NATS-backed queue; it does not subscribe yet
func NewNATS[T any](name, subject string, client *natsclient.Client, codec Codec[T]) (*NATS[T], error) {
	if client == nil {
		return nil, errors.Errorf(errors.ErrNoConnection, "queue %q needs a NATS client", name)
	}
	if subject == "" {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "queue %q has no subject", name)
	}
	if codec == nil {
		codec = MsgpackCodec[T]{}
	}
	return &NATS[T]{name: name, subject: subject, client: client, codec: codec}, nil
}

// Name implements Endpoint
func (q *NATS[T]) Name() string { return q.name }

// Kind implements Endpoint
func (q *NATS[T]) Kind() Kind { return KindNATS }

// Subject returns the NATS subject carrying the queue
func (q *NATS[T]) Subject() string { return q.subject }

// Subscribe opens the receiving side. It is idempotent.
func (q *NATS[T]) Subscribe() error {
	_, err := q.subscription()
	return err
}

// subscription returns the live subscription, opening it if needed
func (q *NATS[T]) subscription() (*nats.Subscription, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sub != nil {
		return q.sub, nil
	}
	sub, err := q.client.SubscribeSync(q.subject)
	if err != nil {
		return nil, fmt.Errorf("queue %q: %w: %w", q.name, errors.ErrResource, err)
	}
	q.sub = sub
	return sub, nil
}

// Push implements Sender
func (q *NATS[T]) Push(item T, timeout time.Duration) error {
	data, err := q.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("queue %q: encode: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := q.client.Publish(ctx, q.subject, data); err != nil {
		return fmt.Errorf("queue %q: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}
	return nil
}

// Pop implements Receiver
func (q *NATS[T]) Pop(timeout time.Duration) (T, error) {
	var zero T
	sub, err := q.subscription()
	if err != nil {
		return zero, err
	}

	msg, err := sub.NextMsg(timeout)
	if err != nil {
		if errors.Is(err, nats.ErrTimeout) {
			return zero, errors.ErrTimeout
		}
		if errors.Is(err, nats.ErrBadSubscription) {
			return zero, errors.ErrQueueClosed
		}
		return zero, fmt.Errorf("queue %q: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}

	item, err := q.codec.Unmarshal(msg.Data)
	if err != nil {
		return zero, fmt.Errorf("queue %q: decode: %w: %w", q.name, errors.ErrRuntimeIO, err)
	}
	return item, nil
}

// CloseReceiver drops the subscription. A later Pop subscribes again.
func (q *NATS[T]) CloseReceiver() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.sub == nil {
		return nil
	}
	err := q.sub.Unsubscribe()
	q.sub = nil
	if err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
		return err
	}
	return nil
}

// Close implements Endpoint
func (q *NATS[T]) Close() error {
	return q.CloseReceiver()
}
