package readout

import (
	"encoding/json"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/fragment"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/pkg/buffer"
	"github.com/DUNE-DAQ/readoutmodules/queue"
	"github.com/DUNE-DAQ/readoutmodules/recorder"
)

type recording struct {
	writer   *recorder.Writer
	deadline time.Time
}

// runState is what the worker reads; it is fixed for the duration of a run
type runState struct {
	runNumber uint64
	timeout   time.Duration
	interval  time.Duration
	timesync  queue.Sender[fragment.TimeSync]
	errored   queue.Sender[frame.Frame]
}

// Pipeline receives raw frames from one link, keeps the most recent ones in
// a latency buffer and supports recording them to a file.
type Pipeline struct {
	pc     component.PipelineContext
	input  queue.Receiver[frame.Frame]
	worker *component.Worker

	mu       sync.Mutex
	cfg      Config
	latency  buffer.Buffer[frame.Frame]
	timesync queue.Sender[fragment.TimeSync]
	errored  queue.Sender[frame.Frame]
	rec      *recording

	received      atomic.Int64
	bytes         atomic.Int64
	erroredFrames atomic.Int64
	timesyncs     atomic.Int64
	recorded      atomic.Int64
	recordings    atomic.Int64
	failures      atomic.Int64
	lastTimestamp atomic.Uint64
}

// New builds a link handler pipeline on an input connection
func New(pc component.PipelineContext) (component.Pipeline, error) {
	if pc.Connection.Direction != component.DirectionInput {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "link handler needs an input connection, %q is %s",
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

// Register adds the link handler constructor for every readout frame type
func Register(d *component.Dispatcher) error {
	for _, tag := range frame.ReadoutTypes() {
		if err := d.Register(tag, New); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) checkSideOutput(name, tag string) error {
	if name == "" {
		return nil
	}
	transport := p.pc.Deps.Transport
	if transport == nil {
		return errors.Errorf(errors.ErrInvalidConfig, "no transport to bind queue %q", name)
	}
	tags := transport.PayloadTypes(name)
	if len(tags) != 1 || tags[0] != tag {
		return errors.Errorf(errors.ErrInvalidConfig, "queue %q carries %v, want %s", name, tags, tag)
	}
	return nil
}

func sideOutput[T any](pc component.PipelineContext, name, tag string) (queue.Sender[T], error) {
	if name == "" {
		return nil, nil
	}
	ref := component.ConnectionRef{Name: name, Direction: component.DirectionOutput}
	endpoint, err := pc.Deps.Transport.Endpoint(ref)
	if err != nil {
		return nil, err
	}
	return queue.SenderOf[T](component.Connection{ConnectionRef: ref, PayloadType: tag, Endpoint: endpoint})
}

// ValidateConf implements component.ConfValidator
func (p *Pipeline) ValidateConf(raw json.RawMessage) error {
	cfg, err := parseConfig(raw)
	if err != nil {
		return err
	}
	if err := p.checkSideOutput(cfg.TimeSyncQueue, fragment.TypeTagTimeSync); err != nil {
		return err
	}
	return p.checkSideOutput(cfg.ErroredFramesQueue, p.pc.Connection.PayloadType)
}

// Conf allocates the latency buffer and binds the optional side outputs
func (p *Pipeline) Conf(raw json.RawMessage) error {
	if err := p.ValidateConf(raw); err != nil {
		return err
	}
	cfg, _ := parseConfig(raw)

	timesync, err := sideOutput[fragment.TimeSync](p.pc, cfg.TimeSyncQueue, fragment.TypeTagTimeSync)
	if err != nil {
		return err
	}
	errored, err := sideOutput[frame.Frame](p.pc, cfg.ErroredFramesQueue, p.pc.Connection.PayloadType)
	if err != nil {
		return err
	}

	latency, err := buffer.NewCircularBuffer[frame.Frame](cfg.LatencyBufferSize,
		buffer.WithOverflowPolicy[frame.Frame](cfg.overflowPolicy()),
		buffer.WithMetrics[frame.Frame](p.pc.Deps.MetricsRegistry, p.pc.Module+"/"+p.pc.Connection.Name),
	)
	if err != nil {
		return errors.Errorf(errors.ErrInvalidConfig, "latency buffer: %v", err)
	}

	p.mu.Lock()
	p.cfg = cfg
	p.latency = latency
	p.timesync = timesync
	p.errored = errored
	p.mu.Unlock()

	p.pc.Log().Info("Link handler configured",
		"latency_buffer_size", cfg.LatencyBufferSize,
		"overflow_policy", cfg.overflowPolicy(),
		"timesync_queue", cfg.TimeSyncQueue,
		"errored_frames_queue", cfg.ErroredFramesQueue)
	return nil
}

// Start clears the latency buffer and launches the receiver
func (p *Pipeline) Start(params component.RunParams) error {
	p.mu.Lock()
	if p.latency == nil {
		p.mu.Unlock()
		return errors.Errorf(errors.ErrNotConfigured, "link handler %s", p.pc.Connection.Name)
	}
	p.latency.Clear()
	p.latency.Stats().Reset()
	run := runState{
		runNumber: params.RunNumber,
		timeout:   p.cfg.queueTimeout(),
		interval:  p.cfg.timeSyncInterval(),
		timesync:  p.timesync,
		errored:   p.errored,
	}
	p.mu.Unlock()

	p.received.Store(0)
	p.bytes.Store(0)
	p.erroredFrames.Store(0)
	p.timesyncs.Store(0)
	p.recorded.Store(0)
	p.failures.Store(0)
	p.lastTimestamp.Store(0)

	return p.worker.Start(func() {
		p.pc.PinWorker()
		var seq uint32
		lastSync := time.Now()
		component.Loop(p.pc.Marker, func() error {
			if run.timesync != nil && time.Since(lastSync) >= run.interval {
				lastSync = time.Now()
				if err := p.sendTimeSync(&run, seq); err != nil {
					return err
				}
				seq++
			}
			return p.step(&run)
		}, p.onError)
		p.finishRecording(true)
	})
}

func (p *Pipeline) sendTimeSync(run *runState, seq uint32) error {
	ts := p.lastTimestamp.Load()
	if ts == 0 {
		return nil
	}
	msg := fragment.TimeSync{
		DAQTime:        ts,
		SystemTime:     uint64(time.Now().UnixNano()),
		RunNumber:      run.runNumber,
		SequenceNumber: seq,
		SourcePID:      uint32(os.Getpid()),
	}
	if err := run.timesync.Push(msg, run.timeout); err != nil {
		return errors.Errorf(errors.ErrRuntimeIO, "timesync push: %v", err)
	}
	p.timesyncs.Add(1)
	return nil
}

func (p *Pipeline) step(run *runState) error {
	p.finishRecording(false)

	fr, err := p.input.Pop(run.timeout)
	if err != nil {
		if errors.Is(err, errors.ErrQueueClosed) {
			time.Sleep(run.timeout)
		}
		return err
	}
	p.received.Add(1)
	p.bytes.Add(int64(len(fr.Payload)))
	p.lastTimestamp.Store(fr.Timestamp)
	p.pc.Metrics.RecordPackets(p.pc.Module, p.pc.Connection.Name, "input", 1, len(fr.Payload))

	if err := p.buffer(fr); err != nil {
		return err
	}

	if fr.HasErrors() {
		p.erroredFrames.Add(1)
		if run.errored != nil {
			if err := run.errored.Push(fr, run.timeout); err != nil {
				return errors.Errorf(errors.ErrRuntimeIO, "errored frame push: %v", err)
			}
		}
	}
	return nil
}

// buffer stores fr and appends it to an active recording. Both happen under
// one lock so a recording's dump and its live frames never overlap.
func (p *Pipeline) buffer(fr frame.Frame) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.latency.Write(fr); err != nil {
		return errors.Errorf(errors.ErrRuntimeIO, "latency buffer: %v", err)
	}
	if p.rec == nil {
		return nil
	}
	if err := p.rec.writer.Write(fr); err != nil {
		return err
	}
	p.recorded.Add(1)
	return nil
}

func (p *Pipeline) onError(err error) {
	p.failures.Add(1)
	p.pc.Metrics.RecordPipelineError(p.pc.Module, p.pc.Connection.Name, errors.Kind(err))
	p.pc.Log().Warn("Link handler error", "error", err)
}

// finishRecording closes the active recording once its deadline passes, or
// unconditionally when force is set.
func (p *Pipeline) finishRecording(force bool) {
	p.mu.Lock()
	rec := p.rec
	if rec == nil || (!force && time.Now().Before(rec.deadline)) {
		p.mu.Unlock()
		return
	}
	p.rec = nil
	p.mu.Unlock()

	if err := rec.writer.Close(); err != nil {
		p.onError(err)
		return
	}
	p.pc.Log().Info("Recording finished", "output_file", rec.writer.Path(), "frames", rec.writer.Frames())
}

// Record dumps the latency buffer to a file and keeps appending every
// received frame for the requested duration.
func (p *Pipeline) Record(raw json.RawMessage) error {
	var rc RecordConfig
	if err := json.Unmarshal(raw, &rc); err != nil {
		return errors.Errorf(errors.ErrInvalidConfig, "record payload: %v", err)
	}
	if err := rc.Validate(); err != nil {
		return err
	}

	p.finishRecording(false)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.latency == nil {
		return errors.Errorf(errors.ErrNotConfigured, "link handler %s", p.pc.Connection.Name)
	}
	if p.rec != nil {
		return errors.Errorf(errors.ErrRecordingActive, "%s until %s",
			p.rec.writer.Path(), p.rec.deadline.Format(time.RFC3339))
	}

	w, err := recorder.Create(rc.OutputFile, 0, recorder.CompressionNone)
	if err != nil {
		return err
	}
	for _, fr := range p.latency.Snapshot() {
		if err := w.Write(fr); err != nil {
			_ = w.Close()
			return err
		}
	}
	p.rec = &recording{writer: w, deadline: time.Now().Add(rc.duration())}
	p.recordings.Add(1)

	p.pc.Log().Info("Recording started",
		"output_file", rc.OutputFile,
		"duration_s", rc.DurationS,
		"buffered_frames", w.Frames())
	return nil
}

// Stop is a no-op; the worker exits when the run marker clears
func (p *Pipeline) Stop() error {
	return nil
}

// Scrap releases the latency buffer and unbinds the side outputs
func (p *Pipeline) Scrap() error {
	p.mu.Lock()
	latency := p.latency
	p.latency = nil
	p.timesync = nil
	p.errored = nil
	p.cfg = Config{}
	p.mu.Unlock()

	if latency == nil {
		return nil
	}
	return latency.Close()
}

// Quiescent implements component.Pipeline
func (p *Pipeline) Quiescent() bool {
	return p.worker.Ready()
}

// Info implements component.Pipeline
func (p *Pipeline) Info(level int) map[string]any {
	info := map[string]any{
		"packets_received": p.received.Load(),
		"bytes_received":   p.bytes.Load(),
		"errored_frames":   p.erroredFrames.Load(),
		"timesyncs_sent":   p.timesyncs.Load(),
		"recorded_frames":  p.recorded.Load(),
		"recordings":       p.recordings.Load(),
		"errors":           p.failures.Load(),
		"last_timestamp":   p.lastTimestamp.Load(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	info["recording"] = p.rec != nil
	if p.latency != nil {
		info["latency_buffer_occupancy"] = p.latency.Size()
		info["latency_buffer_drops"] = p.latency.Stats().Drops()
	}
	if level >= component.InfoLevelVerbose {
		info["latency_buffer_size"] = p.cfg.LatencyBufferSize
		info["overflow_policy"] = p.cfg.overflowPolicy().String()
		info["timesync_queue"] = p.cfg.TimeSyncQueue
		info["errored_frames_queue"] = p.cfg.ErroredFramesQueue
	}
	return info
}
