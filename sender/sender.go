// Package sender implements the fragment-sender pipeline: fragments popped
// from the input connection are msgpack-serialized and published to NATS,
// either as core messages or into a JetStream stream.
package sender

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/fragment"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
	"github.com/DUNE-DAQ/readoutmodules/pkg/retry"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// Defaults
const (
	DefaultSubject      = "readout.fragments"
	DefaultSendTimeout  = 1000 * time.Millisecond
	DefaultQueueTimeout = 100 * time.Millisecond
)

// fragmentNamespace seeds deterministic message IDs
var fragmentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("readout/fragment"))

// Publisher delivers one serialized fragment
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

// StreamPublisher delivers into a JetStream stream with deduplication
type StreamPublisher interface {
	EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	PublishToStreamWithID(ctx context.Context, subject, msgID string, data []byte) error
}

var (
	_ Publisher       = (*natsclient.Client)(nil)
	_ StreamPublisher = (*natsclient.Client)(nil)
)

// Config is the conf payload of a fragment sender
type Config struct {
	Subject        string `json:"subject"`
	Stream         string `json:"stream,omitempty"`
	SendTimeoutMs  int    `json:"send_timeout_ms"`
	QueueTimeoutMs int    `json:"queue_timeout_ms"`
	Validate       bool   `json:"validate"`
}

func (c *Config) validate() error {
	if c.Subject == "" || strings.ContainsAny(c.Subject, " \t*>") {
		return errors.Errorf(errors.ErrInvalidConfig, "invalid publish subject %q", c.Subject)
	}
	if c.SendTimeoutMs < 0 || c.QueueTimeoutMs < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "timeouts cannot be negative")
	}
	return nil
}

func (c *Config) sendTimeout() time.Duration {
	if c.SendTimeoutMs == 0 {
		return DefaultSendTimeout
	}
	return time.Duration(c.SendTimeoutMs) * time.Millisecond
}

func (c *Config) queueTimeout() time.Duration {
	if c.QueueTimeoutMs == 0 {
		return DefaultQueueTimeout
	}
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

func parseConfig(raw json.RawMessage) (Config, error) {
	cfg := Config{Subject: DefaultSubject}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Errorf(errors.ErrInvalidConfig, "fragment sender conf: %v", err)
		}
	}
	return cfg, cfg.validate()
}

// SubjectFor returns the subject a fragment is published on. A fragment
// destination is appended as the last subject token.
func SubjectFor(base string, f *fragment.Fragment) string {
	if f.Destination == "" {
		return base
	}
	return base + "." + f.Destination
}

// MessageID derives a stable ID from the fragment identity so resends of the
// same fragment deduplicate.
func MessageID(f *fragment.Fragment) string {
	key := fmt.Sprintf("%d/%d/%s/%d/%d", f.Header.RunNumber, f.Header.TriggerNumber,
		f.Header.GeoID, f.Header.SequenceNumber, f.Header.Type)
	return uuid.NewSHA1(fragmentNamespace, []byte(key)).String()
}

// Pipeline publishes every fragment received on its input
type Pipeline struct {
	pc        component.PipelineContext
	input     queue.Receiver[fragment.Fragment]
	worker    *component.Worker
	publisher Publisher
	streams   StreamPublisher

	mu         sync.Mutex
	cfg        Config
	configured bool

	sent     atomic.Int64
	bytes    atomic.Int64
	invalid  atomic.Int64
	timeouts atomic.Int64
	failures atomic.Int64
}

// New builds a sender that publishes through the application NATS client
func New(pc component.PipelineContext) (component.Pipeline, error) {
	if pc.Deps.NATSClient == nil {
		return newPipeline(pc, nil, nil)
	}
	return newPipeline(pc, pc.Deps.NATSClient, pc.Deps.NATSClient)
}

// WithPublisher returns a constructor publishing through pub. pub is also
// used for streams when it implements StreamPublisher.
func WithPublisher(pub Publisher) component.Constructor {
	return func(pc component.PipelineContext) (component.Pipeline, error) {
		streams, _ := pub.(StreamPublisher)
		return newPipeline(pc, pub, streams)
	}
}

func newPipeline(pc component.PipelineContext, pub Publisher, streams StreamPublisher) (component.Pipeline, error) {
	if pc.Connection.Direction != component.DirectionInput {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "fragment sender needs an input connection, %q is %s",
			pc.Connection.Name, pc.Connection.Direction)
	}
	input, err := queue.ReceiverOf[fragment.Fragment](pc.Connection)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		pc:        pc,
		input:     input,
		worker:    component.NewWorker(pc.Connection.Name),
		publisher: pub,
		streams:   streams,
	}, nil
}

// Register adds the fragment sender constructor
func Register(d *component.Dispatcher) error {
	return d.Register(fragment.TypeTagFragment, New)
}

// ValidateConf implements component.ConfValidator
func (p *Pipeline) ValidateConf(raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return err
	}
	if p.publisher == nil {
		return errors.Errorf(errors.ErrMissingConfig, "fragment sender %s has no NATS client", p.pc.Connection.Name)
	}
	if cfg.Stream != "" && p.streams == nil {
		return errors.Errorf(errors.ErrInvalidConfig, "stream %q requested but publisher has no JetStream", cfg.Stream)
	}
	return nil
}

// Conf validates the payload and, for stream publishing, ensures the stream
// exists.
func (p *Pipeline) Conf(raw json.RawMessage) error {
	if err := p.ValidateConf(raw); err != nil {
		return err
	}
	cfg, _ := parseConfig(raw)

	if cfg.Stream != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*cfg.sendTimeout())
		defer cancel()
		_, err := p.streams.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.Subject, cfg.Subject + ".>"},
		})
		if err != nil {
			return fmt.Errorf("%w: ensure stream %s: %w", errors.ErrResource, cfg.Stream, err)
		}
	}

	p.mu.Lock()
	p.cfg = cfg
	p.configured = true
	p.mu.Unlock()

	p.pc.Log().Info("Fragment sender configured",
		"subject", cfg.Subject,
		"stream", cfg.Stream,
		"send_timeout", cfg.sendTimeout())
	return nil
}

// Start resets the counters and launches the sender
func (p *Pipeline) Start(component.RunParams) error {
	p.mu.Lock()
	cfg, configured := p.cfg, p.configured
	p.mu.Unlock()
	if !configured {
		return errors.Errorf(errors.ErrNotConfigured, "fragment sender %s", p.pc.Connection.Name)
	}

	p.sent.Store(0)
	p.bytes.Store(0)
	p.invalid.Store(0)
	p.timeouts.Store(0)
	p.failures.Store(0)

	return p.worker.Start(func() {
		p.pc.PinWorker()
		component.Loop(p.pc.Marker, func() error { return p.step(&cfg) }, p.onError)
	})
}

func (p *Pipeline) step(cfg *Config) error {
	f, err := p.input.Pop(cfg.queueTimeout())
	if err != nil {
		if errors.Is(err, errors.ErrQueueClosed) {
			time.Sleep(cfg.queueTimeout())
		}
		return err
	}

	if cfg.Validate {
		if err := f.Validate(); err != nil {
			p.invalid.Add(1)
			return err
		}
	}

	data, err := f.Marshal()
	if err != nil {
		return errors.Errorf(errors.ErrRuntimeIO, "serialize fragment %d: %v", f.Header.TriggerNumber, err)
	}

	if err := p.send(cfg, &f, data); err != nil {
		if errors.IsTimeout(err) {
			p.timeouts.Add(1)
			p.pc.Metrics.RecordQueueTimeout(p.pc.Connection.Name, "send")
		}
		return errors.Errorf(errors.ErrRuntimeIO, "send fragment %d: %v", f.Header.TriggerNumber, err)
	}

	p.sent.Add(1)
	p.bytes.Add(int64(len(data)))
	p.pc.Metrics.RecordPackets(p.pc.Module, p.pc.Connection.Name, "output", 1, len(data))
	return nil
}

// send publishes within the send timeout, retrying transient failures
func (p *Pipeline) send(cfg *Config, f *fragment.Fragment, data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.sendTimeout())
	defer cancel()

	subject := SubjectFor(cfg.Subject, f)
	return retry.Do(ctx, retry.Send(), func() error {
		if cfg.Stream != "" {
			return p.streams.PublishToStreamWithID(ctx, subject, MessageID(f), data)
		}
		return p.publisher.Publish(ctx, subject, data)
	})
}

func (p *Pipeline) onError(err error) {
	p.failures.Add(1)
	p.pc.Metrics.RecordPipelineError(p.pc.Module, p.pc.Connection.Name, errors.Kind(err))
	p.pc.Log().Warn("Fragment send failed", "error", err)
}

// Stop is a no-op; the worker exits when the run marker clears
func (p *Pipeline) Stop() error {
	return nil
}

// Scrap forgets the configuration
func (p *Pipeline) Scrap() error {
	p.mu.Lock()
	p.cfg = Config{}
	p.configured = false
	p.mu.Unlock()
	return nil
}

// Quiescent implements component.Pipeline
func (p *Pipeline) Quiescent() bool {
	return p.worker.Ready()
}

// Info implements component.Pipeline
func (p *Pipeline) Info(level int) map[string]any {
	info := map[string]any{
		"fragments_sent":    p.sent.Load(),
		"bytes_sent":        p.bytes.Load(),
		"invalid_fragments": p.invalid.Load(),
		"send_timeouts":     p.timeouts.Load(),
		"send_errors":       p.failures.Load(),
	}
	if level >= component.InfoLevelVerbose {
		p.mu.Lock()
		info["subject"] = p.cfg.Subject
		info["stream"] = p.cfg.Stream
		info["send_timeout_ms"] = p.cfg.sendTimeout().Milliseconds()
		p.mu.Unlock()
	}
	return info
}
