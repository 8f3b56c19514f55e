package component

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// Test helpers shared across packages that exercise module lifecycles

// FakeTransport is an in-memory Transport. Tags maps connection names to
// advertised payload types; Fail makes Endpoint fail for a name.
type FakeTransport struct {
	Tags map[string][]string
	Fail map[string]error

	mu       sync.Mutex
	bound    []string
	released []string
}

// NewFakeTransport creates a transport advertising one tag per connection
func NewFakeTransport(tags map[string]string) *FakeTransport {
	t := &FakeTransport{Tags: make(map[string][]string), Fail: make(map[string]error)}
	for name, tag := range tags {
		t.Tags[name] = []string{tag}
	}
	return t
}

// PayloadTypes implements PayloadTypeLookup
func (t *FakeTransport) PayloadTypes(connection string) []string {
	return t.Tags[connection]
}

// Endpoint implements Transport; the endpoint is the connection name
func (t *FakeTransport) Endpoint(ref ConnectionRef) (any, error) {
	if err, ok := t.Fail[ref.Name]; ok {
		return nil, err
	}
	t.mu.Lock()
	t.bound = append(t.bound, ref.Name)
	t.mu.Unlock()
	return ref.Name, nil
}

// Release implements Releaser; the name is no longer reported by Bound
func (t *FakeTransport) Release(ref ConnectionRef) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bound = slices.DeleteFunc(t.bound, func(name string) bool { return name == ref.Name })
	t.released = append(t.released, ref.Name)
	return nil
}

// Bound returns the names currently bound through Endpoint
func (t *FakeTransport) Bound() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.bound...)
}

// Released returns the names handed back through Release
func (t *FakeTransport) Released() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.released...)
}

// FakePipeline is an instrumented pipeline. Its worker loops on the run
// marker with a bounded sleep and records when it has exited.
type FakePipeline struct {
	Conn   Connection
	marker *RunMarker
	worker *Worker

	Linger     time.Duration // extra time the worker keeps running after the marker clears
	ConfErr    error
	StartErr   error
	StopErr    error
	ScrapErr   error
	RejectConf bool // ValidateConf fails

	confs             atomic.Int32
	starts            atomic.Int32
	stops             atomic.Int32
	scraps            atomic.Int32
	loops             atomic.Int64
	exited            atomic.Bool
	startedWithMarker atomic.Bool
	stoppedWithMarker atomic.Bool
	lastConf          atomic.Value
}

// NewFakePipeline creates a fake bound to pc
func NewFakePipeline(pc PipelineContext) *FakePipeline {
	return &FakePipeline{
		Conn:   pc.Connection,
		marker: pc.Marker,
		worker: NewWorker(pc.Connection.Name),
	}
}

// FakeConstructor returns a constructor that records every pipeline it builds
func FakeConstructor(built *[]*FakePipeline, mu *sync.Mutex) Constructor {
	return func(pc PipelineContext) (Pipeline, error) {
		p := NewFakePipeline(pc)
		mu.Lock()
		*built = append(*built, p)
		mu.Unlock()
		return p, nil
	}
}

// ValidateConf implements ConfValidator
func (p *FakePipeline) ValidateConf(json.RawMessage) error {
	if p.RejectConf {
		return errors.Errorf(errors.ErrInvalidConfig, "fake pipeline %s rejects conf", p.Conn.Name)
	}
	return nil
}

// Conf implements Pipeline
func (p *FakePipeline) Conf(cfg json.RawMessage) error {
	if p.ConfErr != nil {
		return p.ConfErr
	}
	p.confs.Add(1)
	p.lastConf.Store(string(cfg))
	return nil
}

// Start implements Pipeline
func (p *FakePipeline) Start(RunParams) error {
	p.starts.Add(1)
	p.startedWithMarker.Store(p.marker.Running())
	if p.StartErr != nil {
		return p.StartErr
	}
	p.exited.Store(false)
	return p.worker.Start(func() {
		for p.marker.Running() {
			p.loops.Add(1)
			time.Sleep(time.Millisecond)
		}
		if p.Linger > 0 {
			time.Sleep(p.Linger)
		}
		p.exited.Store(true)
	})
}

// Stop implements Pipeline
func (p *FakePipeline) Stop() error {
	p.stops.Add(1)
	p.stoppedWithMarker.Store(p.marker.Running())
	return p.StopErr
}

// Scrap implements Pipeline
func (p *FakePipeline) Scrap() error {
	if p.ScrapErr != nil {
		return p.ScrapErr
	}
	p.scraps.Add(1)
	return nil
}

// Quiescent implements Pipeline
func (p *FakePipeline) Quiescent() bool {
	return p.worker.Ready()
}

// Info implements Pipeline
func (p *FakePipeline) Info(level int) map[string]any {
	info := map[string]any{"loops": p.loops.Load()}
	if level >= InfoLevelVerbose {
		info["conf"] = p.LastConf()
	}
	return info
}

// Confs returns how many times Conf succeeded
func (p *FakePipeline) Confs() int { return int(p.confs.Load()) }

// Starts returns how many times Start was called
func (p *FakePipeline) Starts() int { return int(p.starts.Load()) }

// Stops returns how many times Stop was called
func (p *FakePipeline) Stops() int { return int(p.stops.Load()) }

// Scraps returns how many times Scrap succeeded
func (p *FakePipeline) Scraps() int { return int(p.scraps.Load()) }

// Exited reports whether the worker loop has returned
func (p *FakePipeline) Exited() bool { return p.exited.Load() }

// StartedWithMarker reports the marker value observed at Start
func (p *FakePipeline) StartedWithMarker() bool { return p.startedWithMarker.Load() }

// StoppedWithMarker reports the marker value observed at Stop
func (p *FakePipeline) StoppedWithMarker() bool { return p.stoppedWithMarker.Load() }

// LastConf returns the last applied configuration
func (p *FakePipeline) LastConf() string {
	v, _ := p.lastConf.Load().(string)
	return v
}

// InitPayload builds an init payload for the given connection names, all of
// the given direction.
func InitPayload(direction Direction, names ...string) json.RawMessage {
	cfg := InitConfig{}
	for _, name := range names {
		cfg.Connections = append(cfg.Connections, ConnectionRef{Name: name, Direction: direction})
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		panic(fmt.Sprintf("marshal init payload: %v", err))
	}
	return data
}
