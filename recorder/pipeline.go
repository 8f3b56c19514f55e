// Package recorder implements the data-recorder pipeline: every frame popped
// from the input connection is streamed to a file.
package recorder

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// Defaults
const (
	DefaultStreamBufferSize = 8 << 20
	DefaultQueueTimeout     = 100 * time.Millisecond
)

// Config is the conf payload of a recorder pipeline
type Config struct {
	OutputFile       string `json:"output_file"`
	StreamBufferSize int    `json:"stream_buffer_size"`
	Compression      string `json:"compression_algorithm"`
	QueueTimeoutMs   int    `json:"queue_timeout_ms"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.OutputFile == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "output_file is required")
	}
	if c.StreamBufferSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"stream_buffer_size cannot be negative")
	}
	if c.QueueTimeoutMs < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"queue_timeout_ms cannot be negative")
	}
	_, err := ParseCompression(c.Compression)
	return err
}

func (c *Config) queueTimeout() time.Duration {
	if c.QueueTimeoutMs == 0 {
		return DefaultQueueTimeout
	}
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

func parseConfig(raw json.RawMessage) (Config, error) {
	cfg := Config{StreamBufferSize: DefaultStreamBufferSize}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Errorf(errors.ErrInvalidConfig, "recorder conf: %v", err)
		}
	}
	return cfg, cfg.Validate()
}

// Pipeline writes every received frame to the configured output file
type Pipeline struct {
	pc     component.PipelineContext
	input  queue.Receiver[frame.Frame]
	worker *component.Worker

	mu     sync.Mutex
	cfg    Config
	writer *Writer

	received atomic.Int64
	written  atomic.Int64
	failures atomic.Int64
}

// New builds a recorder pipeline on an input connection
func New(pc component.PipelineContext) (component.Pipeline, error) {
	if pc.Connection.Direction != component.DirectionInput {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "recorder needs an input connection, %q is %s",
			pc.Connection.Name, pc.Connection.Direction)
	}
	input, err := queue.ReceiverOf[frame.Frame](pc.Connection)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		pc:     pc,
		input:  input,
		worker: component.NewWorker(pc.Connection.Name),
	}, nil
}

// Register adds the recorder constructor for every recordable frame type
func Register(d *component.Dispatcher) error {
	for _, tag := range frame.RecorderTypes() {
		if err := d.Register(tag, New); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConf implements component.ConfValidator
func (p *Pipeline) ValidateConf(raw json.RawMessage) error {
	_, err := parseConfig(raw)
	return err
}

// Conf opens the output file
func (p *Pipeline) Conf(raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return err
	}
	compression, _ := ParseCompression(cfg.Compression)

	w, err := Create(cfg.OutputFile, cfg.StreamBufferSize, compression)
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrConfiguration, err)
	}

	p.mu.Lock()
	p.cfg = cfg
	p.writer = w
	p.mu.Unlock()

	p.pc.Log().Info("Recorder configured",
		"output_file", cfg.OutputFile,
		"compression", compression,
		"stream_buffer_size", cfg.StreamBufferSize)
	return nil
}

// Start launches the write loop
func (p *Pipeline) Start(component.RunParams) error {
	p.mu.Lock()
	w, timeout := p.writer, p.cfg.queueTimeout()
	p.mu.Unlock()
	if w == nil {
		return errors.Errorf(errors.ErrNotConfigured, "recorder %s has no output file", p.pc.Connection.Name)
	}

	p.received.Store(0)
	p.written.Store(0)
	p.failures.Store(0)

	return p.worker.Start(func() {
		p.pc.PinWorker()
		component.Loop(p.pc.Marker, func() error { return p.step(w, timeout) }, p.onError)
		if err := w.Flush(); err != nil {
			p.onError(err)
		}
	})
}

func (p *Pipeline) step(w *Writer, timeout time.Duration) error {
	fr, err := p.input.Pop(timeout)
	if err != nil {
		if errors.Is(err, errors.ErrQueueClosed) {
			time.Sleep(timeout)
		}
		return err
	}
	p.received.Add(1)

	if err := w.Write(fr); err != nil {
		return err
	}
	p.written.Add(1)
	p.pc.Metrics.RecordPackets(p.pc.Module, p.pc.Connection.Name, "input", 1, len(fr.Payload))
	return nil
}

func (p *Pipeline) onError(err error) {
	p.failures.Add(1)
	p.pc.Metrics.RecordPipelineError(p.pc.Module, p.pc.Connection.Name, errors.Kind(err))
	p.pc.Log().Warn("Recorder write failed", "error", err)
}

// Stop is a no-op; the worker exits when the run marker clears
func (p *Pipeline) Stop() error {
	return nil
}

// Scrap closes the output file
func (p *Pipeline) Scrap() error {
	p.mu.Lock()
	w := p.writer
	p.writer = nil
	p.cfg = Config{}
	p.mu.Unlock()

	if w == nil {
		return nil
	}
	return w.Close()
}

// Quiescent implements component.Pipeline
func (p *Pipeline) Quiescent() bool {
	return p.worker.Ready()
}

// Info implements component.Pipeline
func (p *Pipeline) Info(level int) map[string]any {
	info := map[string]any{
		"packets_received": p.received.Load(),
		"packets_written":  p.written.Load(),
		"write_errors":     p.failures.Load(),
	}
	if level >= component.InfoLevelVerbose {
		p.mu.Lock()
		info["output_file"] = p.cfg.OutputFile
		info["compression_algorithm"] = p.cfg.Compression
		info["stream_buffer_size"] = p.cfg.StreamBufferSize
		p.mu.Unlock()
	}
	return info
}
