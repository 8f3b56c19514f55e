package readout

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/fragment"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/queue"
	"github.com/DUNE-DAQ/readoutmodules/recorder"
)

func wibFrame(i int, errBits uint16) frame.Frame {
	return frame.Frame{
		Type:      frame.TypeWIB2,
		Timestamp: uint64(1000 + 32*i),
		Sequence:  uint64(i),
		ErrorBits: errBits,
		Payload:   []byte{byte(i)},
	}
}

func newRegistry(t *testing.T) *queue.Registry {
	t.Helper()
	r := queue.NewRegistry()
	queue.Register[frame.Frame](r, nil, frame.AllTypes()...)
	queue.Register[fragment.TimeSync](r, nil, fragment.TypeTagTimeSync)
	require.NoError(t, r.Declare(
		queue.Spec{Name: "link0", PayloadTypes: []string{frame.TypeWIB2}, Capacity: 64},
		queue.Spec{Name: "errored", PayloadTypes: []string{frame.TypeWIB2}, Capacity: 64},
		queue.Spec{Name: "timesync", PayloadTypes: []string{fragment.TypeTagTimeSync}, Capacity: 64},
	))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func sender[T any](t *testing.T, r *queue.Registry, name string) queue.Sender[T] {
	t.Helper()
	ref := component.ConnectionRef{Name: name, Direction: component.DirectionOutput}
	ep, err := r.Endpoint(ref)
	require.NoError(t, err)
	s, err := queue.SenderOf[T](component.Connection{ConnectionRef: ref, Endpoint: ep})
	require.NoError(t, err)
	return s
}

func receiver[T any](t *testing.T, r *queue.Registry, name string) queue.Receiver[T] {
	t.Helper()
	ref := component.ConnectionRef{Name: name, Direction: component.DirectionInput}
	ep, err := r.Endpoint(ref)
	require.NoError(t, err)
	rx, err := queue.ReceiverOf[T](component.Connection{ConnectionRef: ref, Endpoint: ep})
	require.NoError(t, err)
	return rx
}

func newModule(t *testing.T, r *queue.Registry) *component.Module {
	t.Helper()
	d := component.NewDispatcher("DataLinkHandler")
	require.NoError(t, Register(d))
	m := component.NewModule("dlh0", d, component.Dependencies{Transport: r}, component.WithStopPollInterval(5*time.Millisecond))
	require.NoError(t, m.Init(t.Context(), component.InitPayload(component.DirectionInput, "link0")))
	return m
}

func confPayload(cfg Config) json.RawMessage {
	data, _ := json.Marshal(map[string]Config{"link0": cfg})
	return data
}

func pipelineOf(t *testing.T, m *component.Module) *Pipeline {
	t.Helper()
	p, ok := m.Binding().Get("link0")
	require.True(t, ok)
	return p.(*Pipeline)
}

func waitFor(t *testing.T, p *Pipeline, key string, want any) {
	t.Helper()
	require.Eventually(t, func() bool {
		return p.Info(component.InfoLevelCounters)[key] == want
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s=%v", key, want)
}

func readFrames(t *testing.T, path string) []frame.Frame {
	t.Helper()
	rd, err := recorder.Open(path, recorder.CompressionNone)
	require.NoError(t, err)
	defer rd.Close()

	var out []frame.Frame
	for {
		f, err := rd.Next()
		if err == io.EOF {
			return out
		}
		require.NoError(t, err)
		out = append(out, f)
	}
}

func TestLinkHandler_LatencyBuffer(t *testing.T) {
	r := newRegistry(t)
	m := newModule(t, r)
	require.NoError(t, m.Conf(t.Context(), confPayload(Config{LatencyBufferSize: 4, QueueTimeoutMs: 5})))
	require.NoError(t, m.Start(t.Context(), 1))

	in := sender[frame.Frame](t, r, "link0")
	for i := range 6 {
		require.NoError(t, in.Push(wibFrame(i, 0), time.Second))
	}

	p := pipelineOf(t, m)
	waitFor(t, p, "packets_received", int64(6))
	info := p.Info(component.InfoLevelCounters)
	assert.Equal(t, 4, info["latency_buffer_occupancy"])
	assert.Equal(t, int64(2), info["latency_buffer_drops"])
	assert.Equal(t, uint64(1000+32*5), info["last_timestamp"])

	require.NoError(t, m.Stop(t.Context()))
	assert.True(t, p.Quiescent())
	require.NoError(t, m.Scrap(t.Context()))
	assert.NotContains(t, p.Info(component.InfoLevelCounters), "latency_buffer_occupancy")
}

func TestLinkHandler_Record(t *testing.T) {
	r := newRegistry(t)
	m := newModule(t, r)
	require.NoError(t, m.Conf(t.Context(), confPayload(Config{LatencyBufferSize: 4, QueueTimeoutMs: 5})))
	require.NoError(t, m.Start(t.Context(), 1))
	defer func() { _ = m.Stop(t.Context()) }()

	p := pipelineOf(t, m)
	in := sender[frame.Frame](t, r, "link0")
	for i := range 6 {
		require.NoError(t, in.Push(wibFrame(i, 0), time.Second))
	}
	waitFor(t, p, "packets_received", int64(6))

	path := filepath.Join(t.TempDir(), "record.bin")
	record := json.RawMessage(fmt.Sprintf(`{"duration_s": 0.2, "output_file": %q}`, path))
	require.NoError(t, m.Record(t.Context(), record))

	err := m.Record(t.Context(), record)
	assert.ErrorIs(t, err, errors.ErrRecordingActive)
	assert.True(t, errors.IsCommandSequence(err))

	for i := 6; i < 8; i++ {
		require.NoError(t, in.Push(wibFrame(i, 0), time.Second))
	}
	waitFor(t, p, "recorded_frames", int64(2))
	waitFor(t, p, "recording", false)

	frames := readFrames(t, path)
	require.Len(t, frames, 6)
	assert.Equal(t, uint64(2), frames[0].Sequence)
	assert.Equal(t, uint64(7), frames[5].Sequence)

	require.NoError(t, m.Record(t.Context(), json.RawMessage(
		fmt.Sprintf(`{"duration_s": 1, "output_file": %q}`, filepath.Join(t.TempDir(), "second.bin")))))
	assert.Equal(t, int64(2), p.Info(component.InfoLevelCounters)["recordings"])
}

func TestLinkHandler_RecordValidation(t *testing.T) {
	r := newRegistry(t)
	m := newModule(t, r)
	require.NoError(t, m.Conf(t.Context(), confPayload(Config{LatencyBufferSize: 4})))

	err := m.Record(t.Context(), json.RawMessage(`{"duration_s": 1, "output_file": "x"}`))
	assert.True(t, errors.IsCommandSequence(err), "record outside running")

	require.NoError(t, m.Start(t.Context(), 1))
	defer func() { _ = m.Stop(t.Context()) }()

	for _, payload := range []string{`{`, `{"duration_s": 0, "output_file": "x"}`, `{"duration_s": 1}`} {
		err := m.Record(t.Context(), json.RawMessage(payload))
		assert.True(t, errors.IsConfiguration(err), payload)
	}
}

func TestLinkHandler_SideOutputs(t *testing.T) {
	r := newRegistry(t)
	m := newModule(t, r)
	require.NoError(t, m.Conf(t.Context(), confPayload(Config{
		LatencyBufferSize:  16,
		QueueTimeoutMs:     5,
		TimeSyncQueue:      "timesync",
		TimeSyncIntervalMs: 10,
		ErroredFramesQueue: "errored",
	})))
	require.NoError(t, m.Start(t.Context(), 42))

	in := sender[frame.Frame](t, r, "link0")
	require.NoError(t, in.Push(wibFrame(0, 0), time.Second))
	require.NoError(t, in.Push(wibFrame(1, 0b101), time.Second))

	bad, err := receiver[frame.Frame](t, r, "errored").Pop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), bad.Sequence)

	ts, err := receiver[fragment.TimeSync](t, r, "timesync").Pop(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), ts.RunNumber)
	assert.NotZero(t, ts.DAQTime)
	assert.NotZero(t, ts.SourcePID)

	require.NoError(t, m.Stop(t.Context()))
	assert.Equal(t, int64(1), pipelineOf(t, m).Info(component.InfoLevelCounters)["errored_frames"])
}

func TestLinkHandler_ConfValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  string
	}{
		{"malformed", `{"link0": {"latency_buffer_size": "big"}}`},
		{"zero buffer", `{"link0": {"latency_buffer_size": 0}}`},
		{"blocking buffer", `{"link0": {"latency_buffer_size": 4, "overflow_policy": "Block"}}`},
		{"unknown policy", `{"link0": {"latency_buffer_size": 4, "overflow_policy": "Spill"}}`},
		{"missing side queue", `{"link0": {"latency_buffer_size": 4, "timesync_queue": "nope"}}`},
		{"wrong side queue type", `{"link0": {"latency_buffer_size": 4, "timesync_queue": "errored"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newModule(t, newRegistry(t))
			err := m.Conf(t.Context(), json.RawMessage(tt.cfg))
			assert.True(t, errors.IsConfiguration(err), "%v", err)
			assert.Equal(t, component.StateInitialized, m.State())
		})
	}
}

func TestRegister(t *testing.T) {
	d := component.NewDispatcher("DataLinkHandler")
	require.NoError(t, Register(d))
	assert.ElementsMatch(t, frame.ReadoutTypes(), d.Tags())
	assert.False(t, d.Supports(frame.TypeTDE))
}
