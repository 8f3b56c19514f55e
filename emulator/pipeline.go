// Package emulator implements the source-emulator pipeline behind the fake
// card reader: each output link gets a rate-limited generator of synthetic
// frames with seeded dropouts and error-bit injection.
package emulator

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/pkg/timestamp"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// batchWindow is the share of a second generated per limiter reservation
const batchWindow = 100

// Pipeline generates frames for one output link
type Pipeline struct {
	pc     component.PipelineContext
	output queue.Sender[frame.Frame]
	params frame.Params
	worker *component.Worker

	mu     sync.Mutex
	cfg    LinkConfig
	source []byte
	ready  bool

	ticks        atomic.Uint64
	generated    atomic.Int64
	sent         atomic.Int64
	dropouts     atomic.Int64
	errored      atomic.Int64
	pushTimeouts atomic.Int64
	current      atomic.Uint64
}

// New builds an emulator pipeline on an output connection
func New(pc component.PipelineContext) (component.Pipeline, error) {
	if pc.Connection.Direction != component.DirectionOutput {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "emulator needs an output connection, %q is %s",
			pc.Connection.Name, pc.Connection.Direction)
	}
	params, ok := frame.EmulationParams(pc.Connection.PayloadType)
	if !ok {
		return nil, errors.Errorf(errors.ErrNoImplementation, "no emulation parameters for %q", pc.Connection.PayloadType)
	}
	output, err := queue.SenderOf[frame.Frame](pc.Connection)
	if err != nil {
		return nil, err
	}
	return &Pipeline{
		pc:     pc,
		output: output,
		params: params,
		worker: component.NewWorker(pc.Connection.Name),
	}, nil
}

// Register adds the emulator constructor for every emulated frame type
func Register(d *component.Dispatcher) error {
	for _, tag := range frame.EmulatorTypes() {
		if err := d.Register(tag, New); err != nil {
			return err
		}
	}
	return nil
}

// ValidateConf implements component.ConfValidator
func (p *Pipeline) ValidateConf(raw json.RawMessage) error {
	_, err := parseLinkConfig(raw)
	return err
}

// Conf loads the optional source file
func (p *Pipeline) Conf(raw json.RawMessage) error {
	cfg, err := parseLinkConfig(raw)
	if err != nil {
		return err
	}

	var source []byte
	if cfg.DataFilename != "" {
		source, err = os.ReadFile(cfg.DataFilename)
		if err != nil {
			return errors.Errorf(errors.ErrInvalidConfig, "link %q: cannot read %s: %v", p.pc.Connection.Name, cfg.DataFilename, err)
		}
		if len(source) < p.params.FrameSize {
			return errors.Errorf(errors.ErrInvalidConfig, "link %q: %s holds %d bytes, one frame needs %d",
				p.pc.Connection.Name, cfg.DataFilename, len(source), p.params.FrameSize)
		}
	}

	p.mu.Lock()
	p.cfg = cfg
	p.source = source
	p.ready = true
	p.mu.Unlock()

	p.pc.Log().Info("Emulator configured",
		"rate_khz", p.params.RateKHz/cfg.Slowdown,
		"data_filename", cfg.DataFilename,
		"error_rate", cfg.EmuFrameErrorRate,
		"geoid", cfg.GeoID.String())
	return nil
}

type generator struct {
	tag       string
	params    frame.Params
	cfg       LinkConfig
	source    []byte
	offset    int
	blank     []byte
	dropouts  pattern[bool]
	errorBits pattern[uint16]
	limiter   *rate.Limiter
	batch     int
	timeout   time.Duration
	ts        uint64
	seq       uint64
}

func (g *generator) payload() []byte {
	if g.source == nil {
		return g.blank
	}
	if g.offset+g.params.FrameSize > len(g.source) {
		g.offset = 0
	}
	out := g.source[g.offset : g.offset+g.params.FrameSize]
	g.offset += g.params.FrameSize
	return out
}

// Start launches the generator
func (p *Pipeline) Start(component.RunParams) error {
	p.mu.Lock()
	if !p.ready {
		p.mu.Unlock()
		return errors.Errorf(errors.ErrNotConfigured, "emulator %s", p.pc.Connection.Name)
	}
	cfg, source := p.cfg, p.source
	p.mu.Unlock()

	seed := cfg.RandomSeed
	if seed == 0 {
		seed = uint64(cfg.GeoID.Element)<<16 | uint64(cfg.GeoID.Region)
	}
	ticksPerSecond := p.params.RateKHz * 1000 / cfg.Slowdown
	batch := max(1, int(ticksPerSecond/batchWindow))

	g := &generator{
		tag:       p.pc.Connection.PayloadType,
		params:    p.params,
		cfg:       cfg,
		source:    source,
		dropouts:  dropoutPattern(seed, p.params.DropoutRate),
		errorBits: errorPattern(seed, cfg.EmuFrameErrorRate),
		limiter:   rate.NewLimiter(rate.Limit(ticksPerSecond), batch),
		batch:     batch,
		timeout:   cfg.queueTimeout(),
	}
	if source == nil {
		g.blank = make([]byte, p.params.FrameSize)
	}
	if cfg.SetT0To >= 0 {
		g.ts = uint64(cfg.SetT0To)
	} else {
		g.ts = timestamp.Now()
	}

	p.ticks.Store(0)
	p.generated.Store(0)
	p.sent.Store(0)
	p.dropouts.Store(0)
	p.errored.Store(0)
	p.pushTimeouts.Store(0)
	p.current.Store(g.ts)

	p.pc.Log().Debug("Emulator starting", "t0", g.ts, "t0_time", timestamp.Format(g.ts),
		"tick_period", timestamp.Duration(p.params.TimeTickDiff), "batch", batch)
	return p.worker.Start(func() {
		p.pc.PinWorker()
		component.Loop(p.pc.Marker, func() error { return p.step(g) }, p.onError)
	})
}

// step waits for the limiter to admit one batch of ticks and emits it. The
// wait never exceeds the queue timeout so the run marker stays responsive.
func (p *Pipeline) step(g *generator) error {
	now := time.Now()
	r := g.limiter.ReserveN(now, g.batch)
	if !r.OK() {
		return errors.Errorf(errors.ErrRuntimeIO, "rate limiter rejects batch of %d", g.batch)
	}
	if delay := r.DelayFrom(now); delay > 0 {
		if delay > g.timeout && g.timeout > 0 {
			r.CancelAt(now)
			time.Sleep(g.timeout)
			return errors.ErrTimeout
		}
		time.Sleep(delay)
	}

	for range g.batch {
		if !p.pc.Marker.Running() {
			return nil
		}
		p.tick(g)
	}
	return nil
}

func (p *Pipeline) tick(g *generator) {
	tick := p.ticks.Add(1) - 1
	ts := g.ts
	g.ts += g.params.TimeTickDiff
	p.current.Store(g.ts)

	if g.dropouts.at(tick) {
		p.dropouts.Add(1)
		return
	}

	for range g.params.FramesPerTick {
		fr := frame.Frame{
			Type:      g.tag,
			Timestamp: ts,
			Sequence:  g.seq,
			GeoID:     g.cfg.GeoID,
			ErrorBits: g.errorBits.at(g.seq),
			Payload:   g.payload(),
		}
		g.seq++
		p.generated.Add(1)
		if fr.HasErrors() {
			p.errored.Add(1)
		}

		if err := p.output.Push(fr, g.timeout); err != nil {
			if errors.IsTimeout(err) {
				p.pushTimeouts.Add(1)
				p.pc.Metrics.RecordQueueTimeout(p.pc.Connection.Name, "push")
				continue
			}
			p.onError(err)
			continue
		}
		p.sent.Add(1)
		p.pc.Metrics.RecordPackets(p.pc.Module, p.pc.Connection.Name, "output", 1, len(fr.Payload))
	}
}

func (p *Pipeline) onError(err error) {
	p.pc.Metrics.RecordPipelineError(p.pc.Module, p.pc.Connection.Name, errors.Kind(err))
	p.pc.Log().Warn("Emulator error", "error", err)
}

// Stop is a no-op; the worker exits when the run marker clears
func (p *Pipeline) Stop() error {
	return nil
}

// Scrap drops the link configuration
func (p *Pipeline) Scrap() error {
	p.mu.Lock()
	p.cfg = LinkConfig{}
	p.source = nil
	p.ready = false
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
		"ticks":             p.ticks.Load(),
		"frames_generated":  p.generated.Load(),
		"packets_sent":      p.sent.Load(),
		"dropouts":          p.dropouts.Load(),
		"errored_frames":    p.errored.Load(),
		"push_timeouts":     p.pushTimeouts.Load(),
		"current_timestamp": p.current.Load(),
	}
	if level >= component.InfoLevelVerbose {
		p.mu.Lock()
		info["slowdown"] = p.cfg.Slowdown
		info["rate_khz"] = p.params.RateKHz
		info["time_tick_diff"] = p.params.TimeTickDiff
		info["frames_per_tick"] = p.params.FramesPerTick
		info["emu_frame_error_rate"] = p.cfg.EmuFrameErrorRate
		info["data_filename"] = p.cfg.DataFilename
		info["geoid"] = p.cfg.GeoID.String()
		p.mu.Unlock()
	}
	return info
}
