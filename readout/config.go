package readout

import (
	"encoding/json"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/pkg/buffer"
)

// Defaults
const (
	DefaultLatencyBufferSize = 10000
	DefaultQueueTimeout      = 100 * time.Millisecond
	DefaultTimeSyncInterval  = time.Second
)

// Config is the conf payload of a link handler pipeline
type Config struct {
	LatencyBufferSize  int    `json:"latency_buffer_size"`
	OverflowPolicy     string `json:"overflow_policy"`
	QueueTimeoutMs     int    `json:"queue_timeout_ms"`
	TimeSyncQueue      string `json:"timesync_queue,omitempty"`
	TimeSyncIntervalMs int    `json:"timesync_interval_ms,omitempty"`
	ErroredFramesQueue string `json:"errored_frames_queue,omitempty"`
	SourceID           uint32 `json:"source_id"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.LatencyBufferSize <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"latency_buffer_size must be positive")
	}
	policy, ok := buffer.ParseOverflowPolicy(c.OverflowPolicy)
	if !ok {
		return errors.Errorf(errors.ErrInvalidConfig, "unknown overflow_policy %q", c.OverflowPolicy)
	}
	if policy == buffer.Block {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"latency buffer cannot block the receiver")
	}
	if c.QueueTimeoutMs < 0 || c.TimeSyncIntervalMs < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeouts cannot be negative")
	}
	return nil
}

func (c *Config) overflowPolicy() buffer.OverflowPolicy {
	policy, _ := buffer.ParseOverflowPolicy(c.OverflowPolicy)
	return policy
}

func (c *Config) queueTimeout() time.Duration {
	if c.QueueTimeoutMs == 0 {
		return DefaultQueueTimeout
	}
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

func (c *Config) timeSyncInterval() time.Duration {
	if c.TimeSyncIntervalMs == 0 {
		return DefaultTimeSyncInterval
	}
	return time.Duration(c.TimeSyncIntervalMs) * time.Millisecond
}

func parseConfig(raw json.RawMessage) (Config, error) {
	cfg := Config{LatencyBufferSize: DefaultLatencyBufferSize}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Errorf(errors.ErrInvalidConfig, "link handler conf: %v", err)
		}
	}
	return cfg, cfg.Validate()
}

// RecordConfig is the record command payload
type RecordConfig struct {
	DurationS  float64 `json:"duration_s"`
	OutputFile string  `json:"output_file"`
}

// Validate checks the record request
func (c *RecordConfig) Validate() error {
	if c.DurationS <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "RecordConfig", "Validate", "duration_s must be positive")
	}
	if c.OutputFile == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "RecordConfig", "Validate", "output_file is required")
	}
	return nil
}

func (c *RecordConfig) duration() time.Duration {
	return time.Duration(c.DurationS * float64(time.Second))
}
