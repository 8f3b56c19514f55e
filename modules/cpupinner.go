package modules

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/affinity"
	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/metric"
)

// PinConfig is the CPUPinner conf payload. Keys are "<module>/<connection>"
// or "<module>".
type PinConfig struct {
	Pins map[string][]int `json:"pins"`
}

// Validate checks every cpu against the set the process may run on
func (c PinConfig) Validate(allowed []int) error {
	for key, cpus := range c.Pins {
		if key == "" {
			return errors.Errorf(errors.ErrInvalidConfig, "pin with empty key")
		}
		if len(cpus) == 0 {
			return errors.Errorf(errors.ErrInvalidConfig, "pin %q has no cpus", key)
		}
		for _, cpu := range cpus {
			if !slices.Contains(allowed, cpu) {
				return errors.Errorf(errors.ErrInvalidConfig, "pin %q: cpu %d not in allowed set %v", key, cpu, allowed)
			}
		}
	}
	return nil
}

// CPUPinner owns no connections. Conf fills the shared affinity table that
// pipeline workers consult when they start; scrap empties it.
type CPUPinner struct {
	name    string
	table   *affinity.Table
	allowed func() []int
	logger  *slog.Logger
	metrics *metric.Metrics

	cmdMu     sync.Mutex
	state     atomic.Int32
	runNumber atomic.Uint64
}

// NewCPUPinner builds a pinner writing to deps.Affinity
func NewCPUPinner(name string, deps component.Dependencies) (component.Controllable, error) {
	if deps.Affinity == nil {
		return nil, errors.Errorf(errors.ErrInitialization, "%s: no affinity table", name)
	}
	p := &CPUPinner{
		name:    name,
		table:   deps.Affinity,
		allowed: affinity.Allowed,
		logger:  deps.GetLoggerWithModule(name),
		metrics: deps.MetricsRegistry.CoreMetrics(),
	}
	p.setState(component.StateUninitialized)
	return p, nil
}

// Name implements component.Controllable
func (p *CPUPinner) Name() string {
	return p.name
}

// State implements component.Controllable
func (p *CPUPinner) State() component.State {
	return component.State(p.state.Load())
}

func (p *CPUPinner) setState(s component.State) {
	p.state.Store(int32(s))
	p.metrics.RecordState(p.name, int(s))
}

func (p *CPUPinner) command(name string, allowed []component.State, next component.State, fn func() error) error {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()

	begin := time.Now()
	err := p.transition(name, allowed, next, fn)
	p.metrics.RecordCommand(p.name, name, err, time.Since(begin))
	if err != nil {
		p.logger.Error("Command failed", "command", name, "state", p.State(), "kind", errors.Kind(err), "error", err)
		return err
	}
	p.logger.Info("Command completed", "command", name, "state", p.State())
	return nil
}

func (p *CPUPinner) transition(name string, allowed []component.State, next component.State, fn func() error) error {
	if current := p.State(); !slices.Contains(allowed, current) {
		return errors.Errorf(errors.ErrInvalidState, "%s: %s not allowed in state %s", p.name, name, current)
	}
	if fn != nil {
		if err := fn(); err != nil {
			return err
		}
	}
	p.setState(next)
	return nil
}

// Init implements component.Controllable. Connections are ignored.
func (p *CPUPinner) Init(_ context.Context, _ json.RawMessage) error {
	return p.command(component.CommandInit,
		[]component.State{component.StateUninitialized, component.StateInitialized},
		component.StateInitialized, nil)
}

// Conf replaces the affinity table with the payload's pins
func (p *CPUPinner) Conf(_ context.Context, cfg json.RawMessage) error {
	return p.command(component.CommandConf,
		[]component.State{component.StateInitialized, component.StateConfigured},
		component.StateConfigured, func() error {
			var pc PinConfig
			if len(cfg) > 0 {
				if err := json.Unmarshal(cfg, &pc); err != nil {
					return errors.Errorf(errors.ErrInvalidConfig, "%s: conf payload: %v", p.name, err)
				}
			}
			if err := pc.Validate(p.allowed()); err != nil {
				return err
			}
			if err := p.table.Replace(pc.Pins); err != nil {
				return err
			}
			p.logger.Info("Affinity table loaded", "pins", len(pc.Pins))
			return nil
		})
}

// Start implements component.Controllable
func (p *CPUPinner) Start(_ context.Context, runNumber uint64) error {
	return p.command(component.CommandStart,
		[]component.State{component.StateConfigured},
		component.StateRunning, func() error {
			p.runNumber.Store(runNumber)
			p.metrics.RecordRunNumber(p.name, runNumber)
			return nil
		})
}

// Stop implements component.Controllable
func (p *CPUPinner) Stop(_ context.Context) error {
	return p.command(component.CommandStop,
		[]component.State{component.StateRunning},
		component.StateStopped, nil)
}

// Scrap clears the affinity table
func (p *CPUPinner) Scrap(_ context.Context) error {
	return p.command(component.CommandScrap,
		[]component.State{component.StateConfigured, component.StateStopped},
		component.StateInitialized, func() error {
			p.table.Clear()
			return nil
		})
}

// Record implements component.Controllable; the pinner has nothing to record.
func (p *CPUPinner) Record(_ context.Context, _ json.RawMessage) error {
	p.cmdMu.Lock()
	defer p.cmdMu.Unlock()
	return errors.Errorf(errors.ErrRecordingUnsupported, "%s", p.name)
}

// Info implements component.Controllable
func (p *CPUPinner) Info(level int) component.Info {
	info := component.Info{
		Module:    p.name,
		Plugin:    PluginCPUPinner,
		State:     p.State().String(),
		RunNumber: p.runNumber.Load(),
	}
	if level >= component.InfoLevelCounters {
		info.Extra = map[string]any{"pins": p.table.Len()}
	}
	if level >= component.InfoLevelVerbose {
		info.Extra["table"] = p.table.Snapshot()
	}
	return info
}
