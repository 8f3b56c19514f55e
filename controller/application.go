package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/DUNE-DAQ/readoutmodules/affinity"
	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/config"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/health"
	"github.com/DUNE-DAQ/readoutmodules/metric"
	"github.com/DUNE-DAQ/readoutmodules/modules"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// Application hosts the modules declared in a config and routes run-control
// commands to them.
type Application struct {
	cfg       *config.Config
	logger    *slog.Logger
	client    *natsclient.Client
	registry  *metric.MetricsRegistry
	plugins   *modules.Registry
	transport *queue.Registry
	affinity  *affinity.Table
	monitor   *health.Monitor

	hosted map[string]*hosted
	order  []string

	httpMu     sync.Mutex
	httpServer *http.Server
}

// hosted pairs a module with its declaration. mu serializes commands.
type hosted struct {
	mu     sync.Mutex
	module component.Controllable
	decl   config.ModuleConfig

	errMu   sync.RWMutex
	lastErr error
}

func (h *hosted) setLastErr(err error) {
	h.errMu.Lock()
	h.lastErr = err
	h.errMu.Unlock()
}

func (h *hosted) getLastErr() error {
	h.errMu.RLock()
	defer h.errMu.RUnlock()
	return h.lastErr
}

// Option configures an Application
type Option func(*Application)

// WithNATSClient enables NATS queues, the command endpoint and the KV sink
func WithNATSClient(client *natsclient.Client) Option {
	return func(a *Application) {
		a.client = client
	}
}

// WithMetricsRegistry exposes module metrics on /metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(a *Application) {
		a.registry = registry
	}
}

// WithLogger sets the application logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Application) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithPlugins replaces the default plugin registry
func WithPlugins(plugins *modules.Registry) Option {
	return func(a *Application) {
		a.plugins = plugins
	}
}

// New declares the configured queues and creates every configured module.
// Modules start Uninitialized; nothing is bound until init.
func New(cfg *config.Config, opts ...Option) (*Application, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(errors.Errorf(errors.ErrMissingConfig, "nil config"), "Application", "New", "config check")
	}

	a := &Application{
		cfg:      cfg,
		logger:   slog.Default(),
		affinity: affinity.NewTable(),
		monitor:  health.NewMonitor(),
		hosted:   make(map[string]*hosted, len(cfg.Modules)),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("application", cfg.Application)

	if a.plugins == nil {
		a.plugins = modules.NewRegistry()
		if err := modules.Register(a.plugins); err != nil {
			return nil, err
		}
	}

	if a.client != nil {
		a.client.OnHealthChange(a.natsHealthChanged)
	}

	transportOpts := []queue.RegistryOption{queue.WithLogger(a.logger), queue.WithMetrics(a.registry)}
	if a.client != nil {
		transportOpts = append(transportOpts, queue.WithNATSClient(a.client))
	}
	a.transport = queue.NewRegistry(transportOpts...)
	modules.RegisterPayloads(a.transport)
	if err := a.transport.Declare(cfg.Queues...); err != nil {
		return nil, errors.Wrap(err, "Application", "New", "declare queues")
	}

	deps := component.Dependencies{
		Transport:       a.transport,
		NATSClient:      a.client,
		MetricsRegistry: a.registry,
		Logger:          a.logger,
		Affinity:        a.affinity,
	}
	for _, decl := range cfg.Modules {
		if _, dup := a.hosted[decl.Name]; dup {
			return nil, errors.WrapInvalid(errors.Errorf(errors.ErrInvalidConfig, "module %q declared twice", decl.Name),
				"Application", "New", "create module")
		}
		m, err := a.plugins.Create(decl.Plugin, decl.Name, deps)
		if err != nil {
			return nil, err
		}
		h := &hosted{module: m, decl: decl}
		a.hosted[decl.Name] = h
		a.order = append(a.order, decl.Name)
		a.refreshHealth(h)
	}

	a.logger.Info("Application created", "modules", len(a.order), "queues", len(cfg.Queues))
	return a, nil
}

// Name returns the application name
func (a *Application) Name() string {
	return a.cfg.Application
}

// Modules returns the hosted module names in declaration order
func (a *Application) Modules() []string {
	return append([]string(nil), a.order...)
}

// Module returns the named hosted module
func (a *Application) Module(name string) (component.Controllable, bool) {
	h, ok := a.hosted[name]
	if !ok {
		return nil, false
	}
	return h.module, true
}

// Transport returns the queue registry the modules bind to
func (a *Application) Transport() *queue.Registry {
	return a.transport
}

// Execute routes cmd to its target modules concurrently. Commands to one
// module are serialized.
func (a *Application) Execute(ctx context.Context, cmd Command) Reply {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	reply := Reply{ID: cmd.ID}

	targets, err := a.targets(cmd)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}

	logger := a.logger.With("command", cmd.Name, "command_id", cmd.ID)
	logger.Debug("Executing command", "modules", len(targets))

	results := make([]Result, len(targets))
	var g errgroup.Group
	for i, h := range targets {
		g.Go(func() error {
			results[i] = a.apply(ctx, h, cmd)
			if !results[i].Success {
				return fmt.Errorf("%s: %s", results[i].Module, results[i].Error)
			}
			return nil
		})
	}
	err = g.Wait()

	reply.Results = results
	reply.Success = err == nil
	if err != nil {
		var failed []error
		for _, r := range results {
			if !r.Success {
				failed = append(failed, fmt.Errorf("%s: %s", r.Module, r.Error))
			}
		}
		reply.Error = errors.Join(failed...).Error()
		logger.Warn("Command failed", "error", reply.Error)
	} else {
		logger.Info("Command completed", "modules", len(targets))
	}
	return reply
}

func (a *Application) targets(cmd Command) ([]*hosted, error) {
	if !commands[cmd.Name] {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "unknown command %q", cmd.Name)
	}
	names := cmd.Modules
	if len(names) == 0 {
		names = a.order
	}
	out := make([]*hosted, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		h, ok := a.hosted[name]
		if !ok {
			return nil, errors.Errorf(errors.ErrInvalidConfig, "unknown module %q", name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, h)
	}
	return out, nil
}

func (a *Application) apply(ctx context.Context, h *hosted, cmd Command) Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	name := h.module.Name()
	result := Result{Module: name}

	var err error
	switch cmd.Name {
	case component.CommandInit:
		data := cmd.Data
		if len(data) == 0 {
			data = h.decl.InitPayload()
		}
		err = h.module.Init(ctx, data)
	case component.CommandConf:
		data := cmd.Data
		if len(data) == 0 {
			data = h.decl.Conf
		}
		err = h.module.Conf(ctx, data)
	case component.CommandStart:
		var run uint64
		if run, err = parseStart(cmd.Data); err == nil {
			err = h.module.Start(ctx, run)
		}
	case component.CommandStop:
		err = h.module.Stop(ctx)
	case component.CommandScrap:
		err = h.module.Scrap(ctx)
	case component.CommandRecord:
		err = h.module.Record(ctx, cmd.Data)
	case component.CommandGetInfo:
		var level int
		if level, err = parseInfo(cmd.Data); err == nil {
			info := h.module.Info(level)
			result.Info = &info
		}
	}

	if cmd.Name != component.CommandGetInfo {
		h.setLastErr(err)
	}
	if err != nil {
		result.Error = err.Error()
		result.Kind = errors.Kind(err)
		a.logger.Error("Module command failed", "module", name, "command", cmd.Name, "kind", result.Kind, "error", err)
	} else {
		result.Success = true
	}
	result.State = h.module.State().String()
	a.refreshHealth(h)
	return result
}

// Infos returns every module's info at level in declaration order. It does
// not wait for in-flight commands.
func (a *Application) Infos(level int) []component.Info {
	out := make([]component.Info, 0, len(a.order))
	for _, name := range a.order {
		out = append(out, a.hosted[name].module.Info(level))
	}
	return out
}

func (a *Application) refreshHealth(h *hosted) {
	a.monitor.Update(h.module.Name(), health.FromModule(h.module.Info(component.InfoLevelCounters), h.getLastErr()))
}

func (a *Application) natsHealthChanged(healthy bool) {
	a.monitor.Update("nats", health.FromNATS(healthy, a.client.Status().String()))
	if healthy {
		a.logger.Info("NATS connection healthy")
	} else {
		a.logger.Warn("NATS connection lost")
	}
}

// Health aggregates the status of every module and, when configured, the
// NATS connection.
func (a *Application) Health() health.Status {
	for _, name := range a.order {
		a.refreshHealth(a.hosted[name])
	}
	if a.client != nil {
		a.monitor.Update("nats", health.FromNATS(a.client.IsHealthy(), a.client.Status().String()))
	}
	return a.monitor.AggregateHealth(a.cfg.Application)
}

// Shutdown stops running modules, scraps configured ones and closes the
// queues.
func (a *Application) Shutdown(ctx context.Context) error {
	var running, scrappable []string
	for _, name := range a.order {
		switch a.hosted[name].module.State() {
		case component.StateRunning:
			running = append(running, name)
			scrappable = append(scrappable, name)
		case component.StateConfigured, component.StateStopped:
			scrappable = append(scrappable, name)
		}
	}

	var errs []error
	if len(running) > 0 {
		if reply := a.Execute(ctx, Command{Name: component.CommandStop, Modules: running}); !reply.Success {
			errs = append(errs, errors.New(reply.Error))
		}
	}
	if len(scrappable) > 0 {
		if reply := a.Execute(ctx, Command{Name: component.CommandScrap, Modules: scrappable}); !reply.Success {
			errs = append(errs, errors.New(reply.Error))
		}
	}

	if err := a.stopHTTP(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := a.transport.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrap(errors.Join(errs...), "Application", "Shutdown", "shutdown")
	}
	a.logger.Info("Application shut down")
	return nil
}

// encodeReply marshals r, falling back to a bare failure reply
func encodeReply(r Reply) []byte {
	data, err := json.Marshal(r)
	if err != nil {
		data, _ = json.Marshal(Reply{ID: r.ID, Error: "encode reply: " + err.Error()})
	}
	return data
}

const shutdownGrace = 5 * time.Second
