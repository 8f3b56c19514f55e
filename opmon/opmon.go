// Package opmon publishes periodic get_info snapshots of every hosted module
// to one or more sinks: the structured log and a NATS KV bucket.
package opmon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// DefaultInterval is the snapshot period when none is configured
const DefaultInterval = 10 * time.Second

// Snapshot is one module's get_info result stamped with its collection time
type Snapshot struct {
	Application string         `json:"application"`
	Time        time.Time      `json:"time"`
	Info        component.Info `json:"info"`
}

// Sink receives every collected batch of snapshots
type Sink interface {
	Name() string
	Write(ctx context.Context, snapshots []Snapshot) error
}

// Source returns the current info of every hosted module at level
type Source func(level int) []component.Info

// Option configures a Publisher
type Option func(*Publisher)

// WithSink adds a sink
func WithSink(s Sink) Option {
	return func(p *Publisher) {
		if s != nil {
			p.sinks = append(p.sinks, s)
		}
	}
}

// WithInterval sets the snapshot period
func WithInterval(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLevel sets the info level collected
func WithLevel(level int) Option {
	return func(p *Publisher) {
		p.level = level
	}
}

// WithLogger sets the publisher logger
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// Publisher collects snapshots from a Source and hands them to its sinks
type Publisher struct {
	app      string
	source   Source
	sinks    []Sink
	interval time.Duration
	level    int
	logger   *slog.Logger

	batches  atomic.Uint64
	failures atomic.Uint64
}

// NewPublisher creates a publisher for application app
func NewPublisher(app string, source Source, opts ...Option) *Publisher {
	p := &Publisher{
		app:      app,
		source:   source,
		interval: DefaultInterval,
		level:    component.InfoLevelCounters,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "opmon")
	return p
}

// Collect takes one snapshot of every module
func (p *Publisher) Collect() []Snapshot {
	if p.source == nil {
		return nil
	}
	now := time.Now().UTC()
	infos := p.source(p.level)
	out := make([]Snapshot, 0, len(infos))
	for _, info := range infos {
		out = append(out, Snapshot{Application: p.app, Time: now, Info: info})
	}
	return out
}

// PublishOnce collects and writes one batch. Every sink is tried; their
// failures are joined.
func (p *Publisher) PublishOnce(ctx context.Context) error {
	snapshots := p.Collect()
	if len(snapshots) == 0 {
		return nil
	}

	var errs []error
	for _, s := range p.sinks {
		if err := s.Write(ctx, snapshots); err != nil {
			p.failures.Add(1)
			p.logger.Warn("Snapshot sink failed", "sink", s.Name(), "error", err)
			errs = append(errs, errors.Errorf(errors.ErrRuntimeIO, "sink %s: %v", s.Name(), err))
		}
	}
	p.batches.Add(1)
	return errors.Join(errs...)
}

// Run publishes every interval until ctx is cancelled. A final batch is
// written on the way out so the last state of a run is kept.
func (p *Publisher) Run(ctx context.Context) error {
	if len(p.sinks) == 0 {
		p.logger.Debug("No snapshot sinks configured")
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("Snapshot publisher started", "interval", p.interval, "sinks", len(p.sinks), "level", p.level)
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
			_ = p.PublishOnce(final)
			cancel()
			return nil
		case <-ticker.C:
			_ = p.PublishOnce(ctx)
		}
	}
}

// Batches returns how many batches were collected and written
func (p *Publisher) Batches() uint64 {
	return p.batches.Load()
}

// Errors returns how many sink writes failed
func (p *Publisher) Errors() uint64 {
	return p.failures.Load()
}
