// Package consumer implements the dummy consumer pipelines: each pops items
// from its input connection, counts them and lets a type-specific inspector
// look at every item.
package consumer

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/fragment"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// DefaultQueueTimeout bounds each pop
const DefaultQueueTimeout = 100 * time.Millisecond

// Config is the conf payload of a consumer pipeline
type Config struct {
	QueueTimeoutMs int `json:"queue_timeout_ms"`
}

func parseConfig(raw json.RawMessage) (Config, error) {
	var cfg Config
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Errorf(errors.ErrInvalidConfig, "consumer conf: %v", err)
		}
	}
	if cfg.QueueTimeoutMs < 0 {
		return cfg, errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "queue_timeout_ms cannot be negative")
	}
	return cfg, nil
}

// Inspector examines every consumed item. Inspect runs on the worker
// goroutine; Info may run concurrently with it.
type Inspector[T any] interface {
	Inspect(item T)
	Reset()
	Info() map[string]any
}

// Consumer counts the items popped from its input
type Consumer[T any] struct {
	pc        component.PipelineContext
	input     queue.Receiver[T]
	worker    *component.Worker
	inspector Inspector[T]
	size      func(T) int

	mu         sync.Mutex
	timeout    time.Duration
	configured bool

	processed atomic.Int64
	failures  atomic.Int64
}

// NewConsumer builds a consumer on an input connection. inspector and size
// may be nil.
func NewConsumer[T any](pc component.PipelineContext, inspector Inspector[T], size func(T) int) (*Consumer[T], error) {
	if pc.Connection.Direction != component.DirectionInput {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "consumer needs an input connection, %q is %s",
			pc.Connection.Name, pc.Connection.Direction)
	}
	input, err := queue.ReceiverOf[T](pc.Connection)
	if err != nil {
		return nil, err
	}
	return &Consumer[T]{
		pc:        pc,
		input:     input,
		worker:    component.NewWorker(pc.Connection.Name),
		inspector: inspector,
		size:      size,
	}, nil
}

// pipeline avoids handing back a typed nil inside a non-nil interface
func pipeline[T any](c *Consumer[T], err error) (component.Pipeline, error) {
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Register adds the fragment, time-sync and errored-frame consumers
func Register(d *component.Dispatcher) error {
	if err := d.Register(fragment.TypeTagFragment, NewFragmentConsumer); err != nil {
		return err
	}
	if err := d.Register(fragment.TypeTagTimeSync, NewTimeSyncConsumer); err != nil {
		return err
	}
	for _, tag := range frame.ReadoutTypes() {
		if err := d.Register(tag, NewErroredFrameConsumer); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConf implements component.ConfValidator
func (c *Consumer[T]) ValidateConf(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

// Conf sets the pop timeout
func (c *Consumer[T]) Conf(raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.timeout = DefaultQueueTimeout
	if cfg.QueueTimeoutMs > 0 {
		c.timeout = time.Duration(cfg.QueueTimeoutMs) * time.Millisecond
	}
	c.configured = true
	c.mu.Unlock()
	return nil
}

// Start resets the counters and launches the consumer
func (c *Consumer[T]) Start(component.RunParams) error {
	c.mu.Lock()
	timeout, configured := c.timeout, c.configured
	c.mu.Unlock()
	if !configured {
		return errors.Errorf(errors.ErrNotConfigured, "consumer %s", c.pc.Connection.Name)
	}

	c.processed.Store(0)
	c.failures.Store(0)
	if c.inspector != nil {
		c.inspector.Reset()
	}

	return c.worker.Start(func() {
		c.pc.PinWorker()
		component.Loop(c.pc.Marker, func() error { return c.step(timeout) }, c.onError)
	})
}

func (c *Consumer[T]) step(timeout time.Duration) error {
	item, err := c.input.Pop(timeout)
	if err != nil {
		if errors.Is(err, errors.ErrQueueClosed) {
			time.Sleep(timeout)
		}
		return err
	}
	c.processed.Add(1)
	if c.inspector != nil {
		c.inspector.Inspect(item)
	}
	size := 0
	if c.size != nil {
		size = c.size(item)
	}
	c.pc.Metrics.RecordPackets(c.pc.Module, c.pc.Connection.Name, "input", 1, size)
	return nil
}

func (c *Consumer[T]) onError(err error) {
	c.failures.Add(1)
	c.pc.Metrics.RecordPipelineError(c.pc.Module, c.pc.Connection.Name, errors.Kind(err))
	c.pc.Log().Warn("Consumer error", "error", err)
}

// Stop is a no-op; the worker exits when the run marker clears
func (c *Consumer[T]) Stop() error {
	return nil
}

// Scrap forgets the configuration
func (c *Consumer[T]) Scrap() error {
	c.mu.Lock()
	c.configured = false
	c.timeout = 0
	c.mu.Unlock()
	return nil
}

// Quiescent implements component.Pipeline
func (c *Consumer[T]) Quiescent() bool {
	return c.worker.Ready()
}

// PacketsProcessed returns the number of items consumed since start
func (c *Consumer[T]) PacketsProcessed() int64 {
	return c.processed.Load()
}

// Info implements component.Pipeline
func (c *Consumer[T]) Info(level int) map[string]any {
	info := map[string]any{
		"packets_processed": c.processed.Load(),
		"errors":            c.failures.Load(),
	}
	if c.inspector != nil {
		for k, v := range c.inspector.Info() {
			info[k] = v
		}
	}
	if level >= component.InfoLevelVerbose {
		c.mu.Lock()
		info["queue_timeout_ms"] = c.timeout.Milliseconds()
		c.mu.Unlock()
	}
	return info
}
