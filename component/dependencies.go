package component

import (
	"log/slog"

	"github.com/DUNE-DAQ/readoutmodules/affinity"
	"github.com/DUNE-DAQ/readoutmodules/metric"
	"github.com/DUNE-DAQ/readoutmodules/natsclient"
)

// Dependencies provides the external collaborators shared by modules and
// their pipelines.
type Dependencies struct {
	Transport       Transport               // Queue binding for connections
	NATSClient      *natsclient.Client      // NATS client for remote sinks (can be nil)
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	Affinity        *affinity.Table         // CPU pins applied by workers (can be nil)
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithModule returns a logger tagged with the module name
func (d *Dependencies) GetLoggerWithModule(module string) *slog.Logger {
	return d.GetLogger().With("module", module)
}
