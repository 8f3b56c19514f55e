package emulator

import (
	"encoding/json"
	"os"
	"slices"
	"time"

	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/frame"
	"github.com/DUNE-DAQ/readoutmodules/pkg/timestamp"
)

// Defaults
const (
	DefaultQueueTimeoutMs = 100
	DefaultSlowdown       = 1.0
	patternSize           = 10000
)

// LinkConfig configures the emulator of one output link
type LinkConfig struct {
	QueueName         string      `json:"queue_name"`
	Slowdown          float64     `json:"slowdown"`
	DataFilename      string      `json:"data_filename,omitempty"`
	EmuFrameErrorRate float64     `json:"emu_frame_error_rate"`
	GeoID             frame.GeoID `json:"geoid"`
	RandomSeed        uint64      `json:"random_seed,omitempty"`
	QueueTimeoutMs    int         `json:"queue_timeout_ms"`
	SetT0To           int64       `json:"set_t0_to"`
}

// Validate checks the link configuration for errors
func (c *LinkConfig) Validate() error {
	if c.Slowdown <= 0 {
		return errors.Errorf(errors.ErrInvalidConfig, "link %q: slowdown must be positive", c.QueueName)
	}
	if c.EmuFrameErrorRate < 0 || c.EmuFrameErrorRate > 1 {
		return errors.Errorf(errors.ErrInvalidConfig, "link %q: emu_frame_error_rate must be within [0, 1]", c.QueueName)
	}
	if c.QueueTimeoutMs < 0 {
		return errors.Errorf(errors.ErrInvalidConfig, "link %q: queue_timeout_ms cannot be negative", c.QueueName)
	}
	if c.SetT0To >= 0 {
		if err := timestamp.Validate(uint64(c.SetT0To)); err != nil {
			return errors.Errorf(errors.ErrInvalidConfig, "link %q: set_t0_to: %v", c.QueueName, err)
		}
	}
	if c.DataFilename != "" {
		info, err := os.Stat(c.DataFilename)
		if err != nil {
			return errors.Errorf(errors.ErrInvalidConfig, "link %q: data file: %v", c.QueueName, err)
		}
		if info.IsDir() {
			return errors.Errorf(errors.ErrInvalidConfig, "link %q: data file %s is a directory", c.QueueName, c.DataFilename)
		}
	}
	return nil
}

func (c *LinkConfig) queueTimeout() time.Duration {
	return time.Duration(c.QueueTimeoutMs) * time.Millisecond
}

// Conf is the FakeCardReader conf payload
type Conf struct {
	LinkConfs      []LinkConfig `json:"link_confs"`
	QueueTimeoutMs int          `json:"queue_timeout_ms"`
	SetT0To        int64        `json:"set_t0_to"`
}

func parseLinkConfig(raw json.RawMessage) (LinkConfig, error) {
	cfg := LinkConfig{Slowdown: DefaultSlowdown, QueueTimeoutMs: DefaultQueueTimeoutMs, SetT0To: -1}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &cfg); err != nil {
			return cfg, errors.Errorf(errors.ErrInvalidConfig, "link conf: %v", err)
		}
	}
	return cfg, cfg.Validate()
}

// LinkConfMapper splits a FakeCardReader payload into one entry per link.
// Module-wide queue_timeout_ms and set_t0_to are copied into every link.
// Every bound link must appear exactly once.
func LinkConfMapper(raw json.RawMessage, names []string) (map[string]json.RawMessage, error) {
	conf := Conf{QueueTimeoutMs: DefaultQueueTimeoutMs, SetT0To: -1}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &conf); err != nil {
			return nil, errors.Errorf(errors.ErrInvalidConfig, "fake card reader conf: %v", err)
		}
	}

	entries := make(map[string]json.RawMessage, len(conf.LinkConfs))
	for _, link := range conf.LinkConfs {
		if !slices.Contains(names, link.QueueName) {
			return nil, errors.Errorf(errors.ErrUnknownConnection, "cannot find queue %q", link.QueueName)
		}
		if _, dup := entries[link.QueueName]; dup {
			return nil, errors.Errorf(errors.ErrAlreadyConfigured, "link %q configured twice", link.QueueName)
		}
		if link.Slowdown == 0 {
			link.Slowdown = DefaultSlowdown
		}
		link.QueueTimeoutMs = conf.QueueTimeoutMs
		link.SetT0To = conf.SetT0To

		data, err := json.Marshal(link)
		if err != nil {
			return nil, errors.Errorf(errors.ErrInvalidConfig, "link %q: %v", link.QueueName, err)
		}
		entries[link.QueueName] = data
	}

	var missing []string
	for _, name := range names {
		if _, ok := entries[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, errors.Errorf(errors.ErrNotConfigured, "not all links were configured, missing %v", missing)
	}
	return entries, nil
}
