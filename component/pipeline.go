package component

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/DUNE-DAQ/readoutmodules/metric"
)

// Direction of a connection relative to the owning module
type Direction int

const (
	// DirectionInput connections deliver data to the module
	DirectionInput Direction = iota
	// DirectionOutput connections carry data away from the module
	DirectionOutput
)

// String returns the direction name
func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the direction by name
func (d Direction) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts "input" or "output"
func (d *Direction) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch strings.ToLower(s) {
	case "input", "in":
		*d = DirectionInput
	case "output", "out":
		*d = DirectionOutput
	default:
		return fmt.Errorf("unknown connection direction %q", s)
	}
	return nil
}

// ConnectionRef names a connection owned by a module, as declared in the
// init payload.
type ConnectionRef struct {
	Name      string    `json:"name"`
	Direction Direction `json:"direction"`
}

// Connection is a bound ConnectionRef. Immutable after init.
type Connection struct {
	ConnectionRef
	PayloadType string
	// Endpoint is the queue handle returned by the Transport. Pipelines
	// assert it to the queue interface they expect.
	Endpoint any
}

// PayloadTypeLookup yields the payload-type tags advertised for a connection
type PayloadTypeLookup interface {
	PayloadTypes(connection string) []string
}

// Transport binds named connections to queue endpoints
type Transport interface {
	PayloadTypeLookup
	Endpoint(ref ConnectionRef) (any, error)
}

// Releaser is implemented by transports whose Endpoint acquires resources,
// such as subscriptions, that must be dropped when init fails.
type Releaser interface {
	Release(ref ConnectionRef) error
}

// RunParams are handed to every pipeline at start
type RunParams struct {
	RunNumber uint64
}

// Pipeline is the per-connection runtime object driven by a Module. A
// pipeline starts at most one worker, and that worker must poll the shared
// RunMarker using bounded-timeout reads.
type Pipeline interface {
	Conf(cfg json.RawMessage) error
	Start(params RunParams) error
	Stop() error
	Scrap() error
	// Quiescent reports whether the pipeline's worker has exited
	Quiescent() bool
	Info(level int) map[string]any
}

// Recordable pipelines support the record command
type Recordable interface {
	Record(cfg json.RawMessage) error
}

// ConfValidator pipelines can check a configuration without applying it,
// letting conf validate every entry before mutating any pipeline.
type ConfValidator interface {
	ValidateConf(cfg json.RawMessage) error
}

// PipelineContext carries what a constructor needs to build a pipeline
type PipelineContext struct {
	Module     string
	Connection Connection
	Marker     *RunMarker
	Logger     *slog.Logger
	Metrics    *metric.Metrics
	Deps       Dependencies
}

// Log returns the pipeline logger, falling back to the dependencies logger
func (pc PipelineContext) Log() *slog.Logger {
	if pc.Logger != nil {
		return pc.Logger
	}
	return pc.Deps.GetLoggerWithModule(pc.Module).With("connection", pc.Connection.Name)
}

// PinWorker applies the CPU pin registered for this pipeline, if any. Call
// it from inside the worker goroutine.
func (pc PipelineContext) PinWorker() {
	applied, err := pc.Deps.Affinity.Apply(pc.Module, pc.Connection.Name)
	switch {
	case err != nil:
		pc.Log().Warn("CPU pinning failed", "error", err)
	case applied:
		pc.Log().Debug("Worker pinned")
	}
}
