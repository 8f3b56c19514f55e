package opmon

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
)

type fakeKV struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return 0, stderrors.New("bucket unavailable")
	}
	if f.data == nil {
		f.data = make(map[string][]byte)
	}
	f.data[key] = value
	return uint64(len(f.data)), nil
}

func (f *fakeKV) get(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.data[key]
}

type captureSink struct {
	mu      sync.Mutex
	batches [][]Snapshot
}

func (c *captureSink) Name() string { return "capture" }

func (c *captureSink) Write(_ context.Context, snapshots []Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, snapshots)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func source(level int) []component.Info {
	info := component.Info{Module: "dlh0", Plugin: "DataLinkHandler", State: "running", RunNumber: 12}
	if level >= component.InfoLevelCounters {
		info.Pipelines = []component.PipelineInfo{{
			Connection: "link0",
			Stats:      map[string]any{"packets_received": uint64(40)},
		}}
	}
	return []component.Info{info, {Module: "pinner", State: "configured", Extra: map[string]any{"pins": 2}}}
}

func TestPublisher_PublishOnce(t *testing.T) {
	sink := &captureSink{}
	kv := &fakeKV{}
	p := NewPublisher("ru01", source, WithSink(sink), WithSink(NewKVSink(kv, "ru01")))

	require.NoError(t, p.PublishOnce(context.Background()))
	require.Equal(t, 1, sink.count())

	batch := sink.batches[0]
	require.Len(t, batch, 2)
	assert.Equal(t, "ru01", batch[0].Application)
	assert.Equal(t, "dlh0", batch[0].Info.Module)
	assert.Len(t, batch[0].Info.Pipelines, 1)

	var stored Snapshot
	require.NoError(t, json.Unmarshal(kv.get("ru01.dlh0"), &stored))
	assert.Equal(t, "running", stored.Info.State)
	assert.Equal(t, uint64(12), stored.Info.RunNumber)
	assert.NotNil(t, kv.get("ru01.pinner"))
	assert.Equal(t, uint64(1), p.Batches())
}

func TestPublisher_SinkFailure(t *testing.T) {
	sink := &captureSink{}
	p := NewPublisher("ru01", source, WithSink(NewKVSink(&fakeKV{fail: true}, "")), WithSink(sink))

	err := p.PublishOnce(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsRuntimeIO(err))
	assert.Equal(t, 1, sink.count())
	assert.Equal(t, uint64(1), p.Errors())
}

func TestPublisher_Level(t *testing.T) {
	p := NewPublisher("ru01", source, WithLevel(component.InfoLevelState))
	snaps := p.Collect()
	require.Len(t, snaps, 2)
	assert.Empty(t, snaps[0].Info.Pipelines)

	assert.Nil(t, NewPublisher("ru01", nil).Collect())
}

func TestPublisher_Run(t *testing.T) {
	sink := &captureSink{}
	p := NewPublisher("ru01", source, WithSink(sink), WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop")
	}
	assert.GreaterOrEqual(t, sink.count(), 3)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	p := NewPublisher("ru01", source, WithSink(NewLogSink(logger, slog.LevelInfo)))

	require.NoError(t, p.PublishOnce(context.Background()))

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var record map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &record))
	assert.Equal(t, "Module snapshot", record["msg"])
	assert.Equal(t, "dlh0", record["module"])
	assert.Equal(t, float64(12), record["run_number"])
	link, ok := record["link0"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(40), link["packets_received"])
}

func TestKVSink_Key(t *testing.T) {
	assert.Equal(t, "ru01.dlh0", NewKVSink(nil, "ru01").Key("dlh0"))
	assert.Equal(t, "dlh_0", NewKVSink(nil, "").Key("dlh 0"))
	assert.Equal(t, "a_b.x_y", NewKVSink(nil, "a>b").Key("x*y"))
}
