package component

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/metric"
)

// DefaultStopPollInterval is how often stop checks worker readiness
const DefaultStopPollInterval = 100 * time.Millisecond

// Controllable is the command surface run control drives. Module implements
// it; module flavors that own no pipelines implement it directly.
type Controllable interface {
	Name() string
	Init(ctx context.Context, cfg json.RawMessage) error
	Conf(ctx context.Context, cfg json.RawMessage) error
	Start(ctx context.Context, runNumber uint64) error
	Stop(ctx context.Context) error
	Scrap(ctx context.Context) error
	Record(ctx context.Context, cfg json.RawMessage) error
	Info(level int) Info
	State() State
}

// InitConfig is the init payload: the connections the module owns
type InitConfig struct {
	Connections []ConnectionRef `json:"connections"`
}

// ConfMapper splits a conf payload into per-connection entries. names are
// the bound connection names in binding order.
type ConfMapper func(cfg json.RawMessage, names []string) (map[string]json.RawMessage, error)

// PerConnectionConf expects a JSON object keyed by connection name
func PerConnectionConf(cfg json.RawMessage, _ []string) (map[string]json.RawMessage, error) {
	entries := make(map[string]json.RawMessage)
	if len(cfg) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(cfg, &entries); err != nil {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "conf payload must map connection names to objects: %v", err)
	}
	return entries, nil
}

// SingleConf hands the whole payload to the module's only pipeline
func SingleConf(cfg json.RawMessage, names []string) (map[string]json.RawMessage, error) {
	if len(names) != 1 {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "single-pipeline conf with %d pipelines bound", len(names))
	}
	if len(cfg) == 0 {
		cfg = json.RawMessage("{}")
	}
	return map[string]json.RawMessage{names[0]: cfg}, nil
}

// ModuleOption configures a Module
type ModuleOption func(*Module)

// WithConnectionFilter restricts which declared connections get a pipeline.
// Connections rejected by accept are ignored.
func WithConnectionFilter(accept func(ConnectionRef) bool) ModuleOption {
	return func(m *Module) {
		m.accept = accept
	}
}

// WithSinglePipeline requires the module to own exactly one pipeline and
// applies the whole conf payload to it.
func WithSinglePipeline() ModuleOption {
	return func(m *Module) {
		m.single = true
		m.confMapper = SingleConf
	}
}

// WithConfMapper overrides how conf payloads are split per connection
func WithConfMapper(mapper ConfMapper) ModuleOption {
	return func(m *Module) {
		m.confMapper = mapper
	}
}

// WithStopPollInterval overrides the stop barrier poll interval
func WithStopPollInterval(d time.Duration) ModuleOption {
	return func(m *Module) {
		if d > 0 {
			m.pollInterval = d
		}
	}
}

// WithParallelStop stops pipelines concurrently and checks their quiescence
// in parallel. Suited to modules with many independent links.
func WithParallelStop() ModuleOption {
	return func(m *Module) {
		m.parallelStop = true
	}
}

// WithPlugin records the plugin name reported by get_info
func WithPlugin(plugin string) ModuleOption {
	return func(m *Module) {
		m.plugin = plugin
	}
}

// Module sequences init/conf/start/stop/scrap/record across the pipelines it
// owns. Commands are serialized; get_info may run concurrently with them.
type Module struct {
	name       string
	plugin     string
	dispatcher *Dispatcher
	deps       Dependencies
	logger     *slog.Logger
	metrics    *metric.Metrics

	marker  *RunMarker
	binding *Binding

	accept       func(ConnectionRef) bool
	single       bool
	confMapper   ConfMapper
	pollInterval time.Duration
	parallelStop bool

	cmdMu     sync.Mutex
	state     atomic.Int32
	runNumber atomic.Uint64
}

// NewModule creates an uninitialized module that builds its pipelines with
// dispatcher.
func NewModule(name string, dispatcher *Dispatcher, deps Dependencies, opts ...ModuleOption) *Module {
	m := &Module{
		name:         name,
		dispatcher:   dispatcher,
		deps:         deps,
		logger:       deps.GetLoggerWithModule(name),
		metrics:      deps.MetricsRegistry.CoreMetrics(),
		marker:       NewRunMarker(),
		binding:      NewBinding(),
		confMapper:   PerConnectionConf,
		pollInterval: DefaultStopPollInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.setState(StateUninitialized)
	return m
}

// Name returns the module instance name
func (m *Module) Name() string {
	return m.name
}

// State returns the current lifecycle state
func (m *Module) State() State {
	return State(m.state.Load())
}

// RunNumber returns the run number recorded by the last start
func (m *Module) RunNumber() uint64 {
	return m.runNumber.Load()
}

// Marker returns the module's shared run marker
func (m *Module) Marker() *RunMarker {
	return m.marker
}

// Binding returns the module's connection binding
func (m *Module) Binding() *Binding {
	return m.binding
}

func (m *Module) setState(s State) {
	m.state.Store(int32(s))
	m.metrics.RecordState(m.name, int(s))
}

// command serializes fn against other commands and records its outcome
func (m *Module) command(name string, fn func() error) error {
	m.cmdMu.Lock()
	defer m.cmdMu.Unlock()

	begin := time.Now()
	err := fn()
	m.metrics.RecordCommand(m.name, name, err, time.Since(begin))

	if err != nil {
		m.logger.Error("Command failed", "command", name, "state", m.State(), "kind", errors.Kind(err), "error", err)
		return err
	}
	m.logger.Info("Command completed", "command", name, "state", m.State(), "duration", time.Since(begin))
	return nil
}

func (m *Module) requireState(command string, allowed ...State) error {
	current := m.State()
	if slices.Contains(allowed, current) {
		return nil
	}
	return errors.Errorf(errors.ErrInvalidState, "%s: %s not allowed in state %s", m.name, command, current)
}

// Init enumerates the declared connections, binds each to its endpoint and
// dispatches a pipeline per connection. Nothing is committed unless every
// connection resolves.
func (m *Module) Init(_ context.Context, cfg json.RawMessage) error {
	return m.command(CommandInit, func() error {
		if err := m.requireState(CommandInit, StateUninitialized, StateInitialized); err != nil {
			return err
		}

		var initCfg InitConfig
		if len(cfg) > 0 {
			if err := json.Unmarshal(cfg, &initCfg); err != nil {
				return errors.Errorf(errors.ErrInvalidConfig, "%s: init payload: %v", m.name, err)
			}
		}

		refs := make([]ConnectionRef, 0, len(initCfg.Connections))
		seen := make(map[string]bool, len(initCfg.Connections))
		for _, ref := range initCfg.Connections {
			if m.accept != nil && !m.accept(ref) {
				m.logger.Debug("Ignoring connection", "connection", ref.Name, "direction", ref.Direction)
				continue
			}
			if ref.Name == "" {
				return errors.Errorf(errors.ErrInvalidConfig, "%s: connection with empty name", m.name)
			}
			if seen[ref.Name] || m.binding.Has(ref.Name) {
				return errors.Errorf(errors.ErrDuplicateConnection, "%s: connection %q", m.name, ref.Name)
			}
			seen[ref.Name] = true
			refs = append(refs, ref)
		}

		if m.single && m.binding.Len()+len(refs) != 1 {
			return errors.Errorf(errors.ErrInvalidConfig,
				"%s: expected exactly one connection, got %d", m.name, m.binding.Len()+len(refs))
		}

		transport := m.deps.Transport
		if transport == nil && len(refs) > 0 {
			return errors.WrapFatal(errors.ErrNoConnection, m.name, "Init", "transport lookup")
		}

		// Every tag must resolve before any endpoint is bound; binding an
		// input may subscribe.
		tags := make([]string, len(refs))
		for i, ref := range refs {
			tag, err := m.dispatcher.ResolveTag(ref.Name, transport)
			if err != nil {
				return fmt.Errorf("%s: %w", m.name, err)
			}
			if _, err := m.dispatcher.Lookup(ref.Name, tag); err != nil {
				return fmt.Errorf("%s: %w", m.name, err)
			}
			tags[i] = tag
		}

		type pending struct {
			conn     Connection
			pipeline Pipeline
		}
		built := make([]pending, 0, len(refs))
		bound := make([]ConnectionRef, 0, len(refs))
		release := func() {
			if r, ok := transport.(Releaser); ok {
				for _, ref := range bound {
					if err := r.Release(ref); err != nil {
						m.logger.Warn("Release failed", "connection", ref.Name, "error", err)
					}
				}
			}
		}

		for i, ref := range refs {
			endpoint, err := transport.Endpoint(ref)
			if err != nil {
				release()
				if !errors.IsResource(err) {
					err = fmt.Errorf("%w: %w", errors.ErrResource, err)
				}
				return fmt.Errorf("%s: binding connection %q: %w", m.name, ref.Name, err)
			}
			bound = append(bound, ref)

			conn := Connection{ConnectionRef: ref, PayloadType: tags[i], Endpoint: endpoint}
			pipeline, err := m.dispatcher.Resolve(PipelineContext{
				Module:     m.name,
				Connection: conn,
				Marker:     m.marker,
				Logger:     m.logger,
				Metrics:    m.metrics,
				Deps:       m.deps,
			}, transport)
			if err != nil {
				release()
				return fmt.Errorf("%s: %w", m.name, err)
			}

			built = append(built, pending{conn: conn, pipeline: pipeline})
		}

		for _, p := range built {
			if err := m.binding.Add(p.conn, p.pipeline); err != nil {
				release()
				return err
			}
			m.logger.Info("Bound pipeline", "connection", p.conn.Name, "payload_type", p.conn.PayloadType)
		}

		m.setState(StateInitialized)
		return nil
	})
}

// Conf validates every entry before applying any, then configures the named
// pipelines. The module reaches Configured only when all pipelines are.
func (m *Module) Conf(_ context.Context, cfg json.RawMessage) error {
	return m.command(CommandConf, func() error {
		if err := m.requireState(CommandConf, StateInitialized, StateConfigured); err != nil {
			return err
		}

		entries, err := m.confMapper(cfg, m.binding.Names())
		if err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}

		planned, err := m.binding.Plan(entries)
		if err != nil {
			return fmt.Errorf("%s: %w", m.name, err)
		}

		for _, name := range planned {
			pipeline, _ := m.binding.Get(name)
			if v, ok := pipeline.(ConfValidator); ok {
				if err := v.ValidateConf(entries[name]); err != nil {
					return fmt.Errorf("%s: pipeline %q: %w", m.name, name, err)
				}
			}
		}

		applied := make([]string, 0, len(planned))
		for _, name := range planned {
			pipeline, _ := m.binding.Get(name)
			if err := pipeline.Conf(entries[name]); err != nil {
				m.rollback(applied)
				return fmt.Errorf("%s: pipeline %q: %w", m.name, name, err)
			}
			m.binding.setConfigured(name, true)
			applied = append(applied, name)
		}

		if !m.binding.AllConfigured() {
			return errors.Errorf(errors.ErrNotConfigured, "%s", m.name)
		}
		m.setState(StateConfigured)
		return nil
	})
}

// rollback scraps pipelines configured by a conf call that failed part way
func (m *Module) rollback(names []string) {
	for _, name := range names {
		pipeline, _ := m.binding.Get(name)
		if err := pipeline.Scrap(); err != nil {
			m.logger.Warn("Rollback scrap failed", "connection", name, "error", err)
		}
		m.binding.setConfigured(name, false)
	}
}

// Start sets the run marker, then starts every pipeline. If some pipelines
// fail to start the module still enters Running so that stop can drive it
// back to a safe state; the failures are returned.
func (m *Module) Start(_ context.Context, runNumber uint64) error {
	return m.command(CommandStart, func() error {
		if err := m.requireState(CommandStart, StateConfigured); err != nil {
			return err
		}

		m.marker.Set(true)
		m.runNumber.Store(runNumber)
		m.metrics.RecordRunNumber(m.name, runNumber)

		var errs []error
		for _, e := range m.binding.snapshot() {
			if err := e.pipeline.Start(RunParams{RunNumber: runNumber}); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q: %w", e.name, err))
			}
		}

		m.setState(StateRunning)
		if len(errs) > 0 {
			return errors.Wrap(errors.Join(errs...), m.name, "Start", "pipeline start")
		}
		return nil
	})
}

// Stop clears the run marker, stops every pipeline and blocks until all
// workers report quiescent. Cancelling ctx abandons the wait and leaves the
// module Running so stop can be retried.
func (m *Module) Stop(ctx context.Context) error {
	return m.command(CommandStop, func() error {
		if err := m.requireState(CommandStop, StateRunning); err != nil {
			return err
		}

		m.marker.Set(false)

		entries := m.binding.snapshot()
		var (
			errs    []error
			waitErr error
		)
		if m.parallelStop {
			errs, waitErr = m.stopParallel(ctx, entries)
		} else {
			for _, e := range entries {
				if err := e.pipeline.Stop(); err != nil {
					errs = append(errs, fmt.Errorf("pipeline %q: %w", e.name, err))
				}
			}
			waitErr = m.awaitQuiescent(ctx, entries)
		}
		if waitErr != nil {
			return errors.Wrap(errors.Join(append(errs, waitErr)...), m.name, "Stop", "quiescence wait")
		}

		m.setState(StateStopped)
		if len(errs) > 0 {
			return errors.Wrap(errors.Join(errs...), m.name, "Stop", "pipeline stop")
		}
		return nil
	})
}

// stopParallel stops each pipeline in its own goroutine and waits for it to
// go quiescent. A pipeline that fails to stop does not cancel the others.
func (m *Module) stopParallel(ctx context.Context, entries []bindingEntry) ([]error, error) {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, e := range entries {
		g.Go(func() error {
			if err := e.pipeline.Stop(); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("pipeline %q: %w", e.name, err))
				mu.Unlock()
			}
			return m.awaitQuiescent(ctx, []bindingEntry{e})
		})
	}
	waitErr := g.Wait()
	return errs, waitErr
}

func (m *Module) awaitQuiescent(ctx context.Context, entries []bindingEntry) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		busy := 0
		for _, e := range entries {
			if !e.pipeline.Quiescent() {
				busy++
			}
		}
		if busy == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%d pipelines still active: %w", busy, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Scrap resets every pipeline's configuration and returns to Initialized.
// Pipeline objects persist.
func (m *Module) Scrap(_ context.Context) error {
	return m.command(CommandScrap, func() error {
		if err := m.requireState(CommandScrap, StateConfigured, StateStopped); err != nil {
			return err
		}

		var errs []error
		for _, e := range m.binding.snapshot() {
			if err := e.pipeline.Scrap(); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q: %w", e.name, err))
				continue
			}
			m.binding.setConfigured(e.name, false)
		}
		if len(errs) > 0 {
			return errors.Wrap(errors.Join(errs...), m.name, "Scrap", "pipeline scrap")
		}

		m.setState(StateInitialized)
		return nil
	})
}

// Record forwards to the pipelines that support recording. Valid only while
// Running.
func (m *Module) Record(_ context.Context, cfg json.RawMessage) error {
	return m.command(CommandRecord, func() error {
		if err := m.requireState(CommandRecord, StateRunning); err != nil {
			return err
		}

		recorded := 0
		var errs []error
		for _, e := range m.binding.snapshot() {
			r, ok := e.pipeline.(Recordable)
			if !ok {
				continue
			}
			recorded++
			if err := r.Record(cfg); err != nil {
				errs = append(errs, fmt.Errorf("pipeline %q: %w", e.name, err))
			}
		}
		if recorded == 0 {
			return errors.Errorf(errors.ErrRecordingUnsupported, "%s", m.name)
		}
		return errors.Join(errs...)
	})
}

// Info returns a snapshot of the module. It never blocks on a running command.
func (m *Module) Info(level int) Info {
	info := Info{
		Module:    m.name,
		Plugin:    m.plugin,
		State:     m.State().String(),
		RunNumber: m.RunNumber(),
	}
	if level < InfoLevelCounters {
		return info
	}

	for _, e := range m.binding.snapshot() {
		info.Pipelines = append(info.Pipelines, PipelineInfo{
			Connection:  e.name,
			Direction:   e.conn.Direction.String(),
			PayloadType: e.conn.PayloadType,
			Configured:  e.configured,
			Quiescent:   e.pipeline.Quiescent(),
			Stats:       e.pipeline.Info(level),
		})
	}
	return info
}
