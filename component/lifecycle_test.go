package component

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/metric"
)

type recordingFake struct {
	*FakePipeline
	mu      sync.Mutex
	records []string
}

func (r *recordingFake) Record(cfg json.RawMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, string(cfg))
	return nil
}

type ModuleSuite struct {
	suite.Suite

	ctx       context.Context
	transport *FakeTransport
	built     []*FakePipeline
	mu        sync.Mutex
	module    *Module
	registry  *metric.MetricsRegistry
}

func TestModuleSuite(t *testing.T) {
	suite.Run(t, new(ModuleSuite))
}

func (s *ModuleSuite) SetupTest() {
	s.ctx = context.Background()
	s.built = nil
	s.transport = NewFakeTransport(map[string]string{"A": "Foo", "B": "Bar"})
	s.registry = metric.NewMetricsRegistry()

	d := NewDispatcher("test")
	s.Require().NoError(d.Register("Foo", FakeConstructor(&s.built, &s.mu)))
	s.Require().NoError(d.Register("Bar", FakeConstructor(&s.built, &s.mu)))

	s.module = NewModule("mod", d, Dependencies{
		Transport:       s.transport,
		MetricsRegistry: s.registry,
	}, WithStopPollInterval(5*time.Millisecond))
}

func (s *ModuleSuite) conf(entries ...string) json.RawMessage {
	m := make(map[string]json.RawMessage)
	for _, name := range entries {
		m[name] = json.RawMessage(`{"name":"` + name + `"}`)
	}
	data, err := json.Marshal(m)
	s.Require().NoError(err)
	return data
}

func (s *ModuleSuite) initAB() {
	s.Require().NoError(s.module.Init(s.ctx, InitPayload(DirectionInput, "A", "B")))
}

func (s *ModuleSuite) TestInitConfScenario() {
	s.initAB()
	s.Equal(StateInitialized, s.module.State())
	s.Len(s.built, 2)
	s.Equal([]string{"A", "B"}, s.module.Binding().Names())

	err := s.module.Conf(s.ctx, s.conf("A", "C"))
	s.Require().Error(err)
	s.True(errors.IsConfiguration(err))
	s.ErrorIs(err, errors.ErrUnknownConnection)

	err = s.module.Conf(s.ctx, s.conf("A"))
	s.Require().Error(err)
	s.ErrorIs(err, errors.ErrNotConfigured)

	for _, p := range s.built {
		s.Zero(p.Confs(), "failed conf calls must not touch pipelines")
	}
	s.Equal(StateInitialized, s.module.State())

	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	s.Equal(StateConfigured, s.module.State())
	s.Equal(`{"name":"A"}`, s.built[0].LastConf())
}

func (s *ModuleSuite) TestInitTwiceRejectsDuplicate() {
	s.initAB()

	err := s.module.Init(s.ctx, InitPayload(DirectionInput, "A"))
	s.Require().Error(err)
	s.ErrorIs(err, errors.ErrDuplicateConnection)
	s.Len(s.built, 2)
}

func (s *ModuleSuite) TestInitDuplicateWithinPayload() {
	err := s.module.Init(s.ctx, InitPayload(DirectionInput, "A", "A"))
	s.Require().Error(err)
	s.ErrorIs(err, errors.ErrDuplicateConnection)
	s.Equal(StateUninitialized, s.module.State())
	s.Zero(s.module.Binding().Len())
}

func (s *ModuleSuite) TestInitFailuresCommitNothing() {
	s.transport.Tags["C"] = []string{"Baz"}
	err := s.module.Init(s.ctx, InitPayload(DirectionInput, "A", "C"))
	s.Require().Error(err)
	s.True(errors.IsNoImplementation(err))
	s.Zero(s.module.Binding().Len())
	s.Equal(StateUninitialized, s.module.State())
	s.Empty(s.transport.Bound(), "no endpoint is bound before every tag resolves")
	s.Empty(s.transport.Released())

	s.transport.Fail["B"] = stderrors.New("queue B missing")
	err = s.module.Init(s.ctx, InitPayload(DirectionInput, "A", "B"))
	s.Require().Error(err)
	s.True(errors.IsResource(err))
	s.Zero(s.module.Binding().Len())
	s.Empty(s.transport.Bound())
	s.Equal([]string{"A"}, s.transport.Released())
}

func TestModule_InitReleasesEndpointsOnConstructorFailure(t *testing.T) {
	transport := NewFakeTransport(map[string]string{"A": "Foo", "B": "Broken"})
	var built []*FakePipeline
	var mu sync.Mutex

	d := NewDispatcher("test")
	require.NoError(t, d.Register("Foo", FakeConstructor(&built, &mu)))
	require.NoError(t, d.Register("Broken", func(PipelineContext) (Pipeline, error) {
		return nil, stderrors.New("no hardware")
	}))

	m := NewModule("mod", d, Dependencies{Transport: transport})
	err := m.Init(context.Background(), InitPayload(DirectionInput, "A", "B"))
	require.Error(t, err)
	assert.True(t, errors.IsInitialization(err))
	assert.Equal(t, StateUninitialized, m.State())
	assert.Empty(t, transport.Bound())
	assert.ElementsMatch(t, []string{"A", "B"}, transport.Released())
}

func (s *ModuleSuite) TestConfTwiceWithoutScrapFails() {
	s.initAB()
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))

	err := s.module.Conf(s.ctx, s.conf("A", "B"))
	s.Require().Error(err)
	s.ErrorIs(err, errors.ErrAlreadyConfigured)
	s.Equal(StateConfigured, s.module.State())
}

func (s *ModuleSuite) TestConfValidatesBeforeCommit() {
	s.initAB()
	s.built[1].RejectConf = true

	err := s.module.Conf(s.ctx, s.conf("A", "B"))
	s.Require().Error(err)
	s.True(errors.IsConfiguration(err))
	s.Zero(s.built[0].Confs())
	s.False(s.module.Binding().Configured("A"))
}

func (s *ModuleSuite) TestConfRollsBackOnCommitFailure() {
	s.initAB()
	s.built[1].ConfErr = errors.Errorf(errors.ErrInvalidConfig, "bad")

	err := s.module.Conf(s.ctx, s.conf("A", "B"))
	s.Require().Error(err)
	s.Equal(1, s.built[0].Scraps())
	s.False(s.module.Binding().Configured("A"))
	s.Equal(StateInitialized, s.module.State())

	s.built[1].ConfErr = nil
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
}

func (s *ModuleSuite) TestStartStopOrderingAndBarrier() {
	s.initAB()
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	for _, p := range s.built {
		p.Linger = 50 * time.Millisecond
	}

	s.Require().NoError(s.module.Start(s.ctx, 42))
	s.Equal(StateRunning, s.module.State())
	s.Equal(uint64(42), s.module.RunNumber())
	s.True(s.module.Marker().Running())

	s.Require().NoError(s.module.Stop(s.ctx))
	s.Equal(StateStopped, s.module.State())
	s.False(s.module.Marker().Running())

	for _, p := range s.built {
		s.True(p.StartedWithMarker(), "marker must be set before pipeline start")
		s.False(p.StoppedWithMarker(), "marker must be cleared before pipeline stop")
		s.True(p.Exited(), "stop returned before worker exited")
		s.True(p.Quiescent())
	}
}

func (s *ModuleSuite) TestFullRoundTrip() {
	s.initAB()
	for cycle := 1; cycle <= 2; cycle++ {
		s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
		s.Require().NoError(s.module.Start(s.ctx, uint64(cycle)))
		s.Require().NoError(s.module.Stop(s.ctx))
		s.Require().NoError(s.module.Scrap(s.ctx))
		s.Equal(StateInitialized, s.module.State())
		s.False(s.module.Binding().Configured("A"))
	}

	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	s.Require().NoError(s.module.Start(s.ctx, 3))
	s.Require().NoError(s.module.Stop(s.ctx))

	s.Len(s.built, 2, "scrap must keep pipeline objects")
	for _, p := range s.built {
		s.Equal(3, p.Confs())
		s.Equal(3, p.Starts())
		s.Equal(2, p.Scraps())
	}
}

func (s *ModuleSuite) TestStartFailureStillAllowsStop() {
	s.initAB()
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	s.built[0].StartErr = stderrors.New("link down")

	err := s.module.Start(s.ctx, 7)
	s.Require().Error(err)
	s.Equal(StateRunning, s.module.State())
	s.Equal(1, s.built[1].Starts())

	s.Require().NoError(s.module.Stop(s.ctx))
	s.Equal(1, s.built[0].Stops())
	s.True(s.built[1].Exited())
}

func (s *ModuleSuite) TestStopErrorsAreReported() {
	s.initAB()
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	s.Require().NoError(s.module.Start(s.ctx, 1))
	s.built[0].StopErr = stderrors.New("flush failed")

	err := s.module.Stop(s.ctx)
	s.Require().Error(err)
	s.Equal(StateStopped, s.module.State())
	s.Equal(1, s.built[1].Stops())
}

func (s *ModuleSuite) TestStopCancelledLeavesRunning() {
	s.initAB()
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	s.built[0].Linger = 300 * time.Millisecond
	s.Require().NoError(s.module.Start(s.ctx, 1))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	s.Error(s.module.Stop(ctx))
	s.Equal(StateRunning, s.module.State())

	s.Require().NoError(s.module.Stop(s.ctx))
	s.True(s.built[0].Exited())
}

func (s *ModuleSuite) TestCommandSequence() {
	err := s.module.Conf(s.ctx, s.conf("A"))
	s.True(errors.IsCommandSequence(err))

	s.initAB()
	s.True(errors.IsCommandSequence(s.module.Start(s.ctx, 1)))
	s.True(errors.IsCommandSequence(s.module.Stop(s.ctx)))
	s.True(errors.IsCommandSequence(s.module.Scrap(s.ctx)))

	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	s.True(errors.IsCommandSequence(s.module.Init(s.ctx, InitPayload(DirectionInput, "Z"))))
	s.True(errors.IsCommandSequence(s.module.Stop(s.ctx)))

	s.Require().NoError(s.module.Start(s.ctx, 1))
	s.True(errors.IsCommandSequence(s.module.Conf(s.ctx, s.conf("A", "B"))))
	s.True(errors.IsCommandSequence(s.module.Scrap(s.ctx)))
	s.True(errors.IsCommandSequence(s.module.Start(s.ctx, 2)))
	s.Require().NoError(s.module.Stop(s.ctx))
}

func (s *ModuleSuite) TestRecordOutsideRunningFails() {
	check := func(state State) {
		s.Require().Equal(state, s.module.State())
		err := s.module.Record(s.ctx, json.RawMessage(`{}`))
		s.True(errors.IsCommandSequence(err), "record in %s: %v", state, err)
		s.ErrorIs(err, errors.ErrInvalidState)
	}

	check(StateUninitialized)
	s.initAB()
	check(StateInitialized)
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))
	check(StateConfigured)
	s.Require().NoError(s.module.Start(s.ctx, 1))

	err := s.module.Record(s.ctx, json.RawMessage(`{}`))
	s.True(errors.IsCommandSequence(err))
	s.ErrorIs(err, errors.ErrRecordingUnsupported)

	s.Require().NoError(s.module.Stop(s.ctx))
	check(StateStopped)
}

func (s *ModuleSuite) TestInfoLevels() {
	s.initAB()
	s.Require().NoError(s.module.Conf(s.ctx, s.conf("A", "B")))

	info := s.module.Info(InfoLevelState)
	s.Equal("mod", info.Module)
	s.Equal("configured", info.State)
	s.Empty(info.Pipelines)

	info = s.module.Info(InfoLevelVerbose)
	s.Require().Len(info.Pipelines, 2)
	s.Equal("Foo", info.Pipelines[0].PayloadType)
	s.Equal("input", info.Pipelines[0].Direction)
	s.True(info.Pipelines[0].Configured)
	s.True(info.Pipelines[0].Quiescent)
	s.Equal(`{"name":"A"}`, info.Pipelines[0].Stats["conf"])
}

func TestModule_RecordForwardsToRecordablePipelines(t *testing.T) {
	ctx := context.Background()
	var recorders []*recordingFake
	d := NewDispatcher("readout")
	d.MustRegister("WIBFrame", func(pc PipelineContext) (Pipeline, error) {
		r := &recordingFake{FakePipeline: NewFakePipeline(pc)}
		recorders = append(recorders, r)
		return r, nil
	})

	m := NewModule("dlh", d, Dependencies{
		Transport: NewFakeTransport(map[string]string{"raw": "WIBFrame"}),
	}, WithSinglePipeline(), WithStopPollInterval(time.Millisecond))

	require.NoError(t, m.Init(ctx, InitPayload(DirectionInput, "raw")))
	require.NoError(t, m.Conf(ctx, json.RawMessage(`{"latency_buffer_size":100}`)))
	require.NoError(t, m.Start(ctx, 1))
	require.NoError(t, m.Record(ctx, json.RawMessage(`{"duration_s":1}`)))
	require.NoError(t, m.Stop(ctx))

	require.Len(t, recorders, 1)
	assert.Equal(t, []string{`{"duration_s":1}`}, recorders[0].records)
	assert.Equal(t, `{"latency_buffer_size":100}`, recorders[0].LastConf())
}

func TestModule_SinglePipelineAndFilter(t *testing.T) {
	ctx := context.Background()
	d := NewDispatcher("emu")
	d.MustRegister("Foo", func(pc PipelineContext) (Pipeline, error) { return NewFakePipeline(pc), nil })
	transport := NewFakeTransport(map[string]string{"in": "Foo", "out0": "Foo", "out1": "Foo"})

	single := NewModule("dlh", d, Dependencies{Transport: transport}, WithSinglePipeline())
	err := single.Init(ctx, InitPayload(DirectionInput, "out0", "out1"))
	assert.True(t, errors.IsConfiguration(err))

	fanout := NewModule("fake", d, Dependencies{Transport: transport},
		WithConnectionFilter(func(ref ConnectionRef) bool { return ref.Direction == DirectionOutput }))
	payload := json.RawMessage(`{"connections":[
		{"name":"in","direction":"input"},
		{"name":"out0","direction":"output"},
		{"name":"out1","direction":"output"}]}`)
	require.NoError(t, fanout.Init(ctx, payload))
	assert.Equal(t, []string{"out0", "out1"}, fanout.Binding().Names())
}

func TestModule_ParallelStop(t *testing.T) {
	ctx := context.Background()
	var (
		built []*FakePipeline
		mu    sync.Mutex
	)
	d := NewDispatcher("emu")
	d.MustRegister("Foo", FakeConstructor(&built, &mu))
	transport := NewFakeTransport(map[string]string{"out0": "Foo", "out1": "Foo", "out2": "Foo"})

	m := NewModule("fake", d, Dependencies{Transport: transport},
		WithParallelStop(), WithStopPollInterval(time.Millisecond))
	require.NoError(t, m.Init(ctx, InitPayload(DirectionOutput, "out0", "out1", "out2")))
	require.NoError(t, m.Conf(ctx, json.RawMessage(`{"out0":{},"out1":{},"out2":{}}`)))

	require.Len(t, built, 3)
	for _, p := range built {
		p.Linger = 20 * time.Millisecond
	}
	built[1].StopErr = errors.Errorf(errors.ErrRuntimeIO, "flush failed")

	require.NoError(t, m.Start(ctx, 3))
	err := m.Stop(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsRuntimeIO(err))
	assert.Equal(t, StateStopped, m.State())
	for _, p := range built {
		assert.True(t, p.Exited())
		assert.False(t, p.StoppedWithMarker())
	}
}

func TestModule_InitWithoutTransport(t *testing.T) {
	d := NewDispatcher("x")
	m := NewModule("m", d, Dependencies{})
	err := m.Init(context.Background(), InitPayload(DirectionInput, "A"))
	assert.True(t, errors.IsResource(err))
}

func TestState_String(t *testing.T) {
	names := []string{"uninitialized", "initialized", "configured", "running", "stopped"}
	for i, s := range States() {
		assert.Equal(t, names[i], s.String())
	}
	assert.Equal(t, "unknown", State(99).String())
}

func TestDirection_JSON(t *testing.T) {
	var ref ConnectionRef
	require.NoError(t, json.Unmarshal([]byte(`{"name":"q","direction":"output"}`), &ref))
	assert.Equal(t, DirectionOutput, ref.Direction)

	data, err := json.Marshal(ref)
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"q","direction":"output"}`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"direction":"sideways"}`), &ref))
}
