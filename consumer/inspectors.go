package consumer

import (
	"math/bits"
	"sync/atomic"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/fragment"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/pkg/timestamp"
)

// FragmentInspector validates fragment headers
type FragmentInspector struct {
	invalid     atomic.Int64
	bytes       atomic.Int64
	lastTrigger atomic.Uint64
}

// Inspect implements Inspector
func (i *FragmentInspector) Inspect(f fragment.Fragment) {
	i.bytes.Add(int64(f.Size()))
	i.lastTrigger.Store(f.Header.TriggerNumber)
	if f.Validate() != nil {
		i.invalid.Add(1)
	}
}

// Reset implements Inspector
func (i *FragmentInspector) Reset() {
	i.invalid.Store(0)
	i.bytes.Store(0)
	i.lastTrigger.Store(0)
}

// Info implements Inspector
func (i *FragmentInspector) Info() map[string]any {
	return map[string]any{
		"invalid_fragments":   i.invalid.Load(),
		"fragment_bytes":      i.bytes.Load(),
		"last_trigger_number": i.lastTrigger.Load(),
	}
}

// NewFragmentConsumer builds the fragment consumer
func NewFragmentConsumer(pc component.PipelineContext) (component.Pipeline, error) {
	return pipeline(NewConsumer[fragment.Fragment](pc, &FragmentInspector{}, func(f fragment.Fragment) int { return f.Size() }))
}

// ErroredFrameInspector totals the error bits set on consumed frames
type ErroredFrameInspector struct {
	errorBits     atomic.Int64
	erroredFrames atomic.Int64
}

// Inspect implements Inspector
func (i *ErroredFrameInspector) Inspect(f frame.Frame) {
	if !f.HasErrors() {
		return
	}
	i.erroredFrames.Add(1)
	i.errorBits.Add(int64(bits.OnesCount16(f.ErrorBits)))
}

// Reset implements Inspector
func (i *ErroredFrameInspector) Reset() {
	i.errorBits.Store(0)
	i.erroredFrames.Store(0)
}

// Info implements Inspector
func (i *ErroredFrameInspector) Info() map[string]any {
	return map[string]any{
		"total_error_bits": i.errorBits.Load(),
		"errored_frames":   i.erroredFrames.Load(),
	}
}

// NewErroredFrameConsumer builds the errored-frame consumer
func NewErroredFrameConsumer(pc component.PipelineContext) (component.Pipeline, error) {
	return pipeline(NewConsumer[frame.Frame](pc, &ErroredFrameInspector{}, func(f frame.Frame) int { return f.Size() }))
}

// TimeSyncInspector tracks the latest time-sync message
type TimeSyncInspector struct {
	lastDAQTime atomic.Uint64
	runNumber   atomic.Uint64
	sequence    atomic.Uint32
	outOfOrder  atomic.Int64
	maxInterval atomic.Int64 // ns of DAQ time between consecutive in-order syncs
}

// Inspect implements Inspector
func (i *TimeSyncInspector) Inspect(ts fragment.TimeSync) {
	prev := i.lastDAQTime.Load()
	switch {
	case prev > ts.DAQTime:
		i.outOfOrder.Add(1)
	case prev != 0:
		if gap := int64(timestamp.Between(prev, ts.DAQTime)); gap > i.maxInterval.Load() {
			i.maxInterval.Store(gap)
		}
	}
	i.lastDAQTime.Store(ts.DAQTime)
	i.runNumber.Store(ts.RunNumber)
	i.sequence.Store(ts.SequenceNumber)
}

// Reset implements Inspector
func (i *TimeSyncInspector) Reset() {
	i.lastDAQTime.Store(0)
	i.runNumber.Store(0)
	i.sequence.Store(0)
	i.outOfOrder.Store(0)
	i.maxInterval.Store(0)
}

// Info implements Inspector
func (i *TimeSyncInspector) Info() map[string]any {
	last := i.lastDAQTime.Load()
	return map[string]any{
		"last_daq_time":        last,
		"last_daq_time_utc":    timestamp.Format(last),
		"last_run_number":      i.runNumber.Load(),
		"last_sequence_number": i.sequence.Load(),
		"out_of_order":         i.outOfOrder.Load(),
		"max_interval_ns":      i.maxInterval.Load(),
		"daq_time_lag_ms":      timestamp.Since(last).Milliseconds(),
	}
}

// NewTimeSyncConsumer builds the time-sync consumer
func NewTimeSyncConsumer(pc component.PipelineContext) (component.Pipeline, error) {
	return pipeline(NewConsumer[fragment.TimeSync](pc, &TimeSyncInspector{}, nil))
}
