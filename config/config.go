package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/pkg/tlsutil"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

// Config is the readout application configuration
type Config struct {
	Application string         `json:"application"`
	NATS        NATSConfig     `json:"nats"`
	HTTP        HTTPConfig     `json:"http"`
	OpMon       OpMonConfig    `json:"opmon"`
	Queues      []queue.Spec   `json:"queues,omitempty"`
	Modules     []ModuleConfig `json:"modules"`
}

// NATSConfig defines NATS connection settings. With no URLs the application
// runs without NATS.
type NATSConfig struct {
	URLs          []string `json:"urls,omitempty"`
	Name          string   `json:"name,omitempty"`
	MaxReconnects int      `json:"max_reconnects,omitempty"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty"`
	Username      string   `json:"username,omitempty"`
	Password      string   `json:"password,omitempty"`
	Token         string   `json:"token,omitempty"`

	TLS *tlsutil.ClientConfig `json:"tls,omitempty"`
}

// Enabled reports whether a NATS connection is configured
func (n NATSConfig) Enabled() bool {
	return len(n.URLs) > 0
}

// URL joins the server list the way nats.Connect expects
func (n NATSConfig) URL() string {
	return strings.Join(n.URLs, ",")
}

// HTTPConfig configures the metrics and health listener. An empty address
// disables it.
type HTTPConfig struct {
	Address string                `json:"address,omitempty"`
	TLS     *tlsutil.ServerConfig `json:"tls,omitempty"`
}

// OpMonConfig selects where periodic module snapshots go
type OpMonConfig struct {
	Log      bool     `json:"log"`
	KV       bool     `json:"kv"`
	Bucket   string   `json:"bucket,omitempty"`
	Interval Duration `json:"interval,omitempty"`
	Level    int      `json:"level"`
}

// ModuleConfig declares one hosted module
type ModuleConfig struct {
	Name        string                    `json:"name"`
	Plugin      string                    `json:"plugin"`
	Connections []component.ConnectionRef `json:"connections,omitempty"`
	Conf        json.RawMessage           `json:"conf,omitempty"`
}

// InitPayload is the init command data for the module
func (m ModuleConfig) InitPayload() json.RawMessage {
	data, _ := json.Marshal(component.InitConfig{Connections: m.Connections})
	return data
}

// Module returns the declaration of the named module
func (c *Config) Module(name string) (ModuleConfig, bool) {
	for _, m := range c.Modules {
		if m.Name == name {
			return m, true
		}
	}
	return ModuleConfig{}, false
}

// Validate checks cross-references the schema cannot express
func (c *Config) Validate() error {
	if !isValidNATSSubjectPart(c.Application) {
		return errors.Errorf(errors.ErrInvalidConfig,
			"application %q is not valid for NATS subjects (letters, digits, dashes and underscores)", c.Application)
	}

	queues := make(map[string]queue.Spec, len(c.Queues))
	for _, spec := range c.Queues {
		if err := spec.Validate(); err != nil {
			return err
		}
		if _, dup := queues[spec.Name]; dup {
			return errors.Errorf(errors.ErrDuplicateConnection, "queue %q declared twice", spec.Name)
		}
		if spec.Kind == queue.KindNATS && !c.NATS.Enabled() {
			return errors.Errorf(errors.ErrMissingConfig, "queue %q is a nats queue but nats.urls is empty", spec.Name)
		}
		queues[spec.Name] = spec
	}

	if len(c.Modules) == 0 {
		return errors.Errorf(errors.ErrMissingConfig, "no modules declared")
	}
	modules := make(map[string]bool, len(c.Modules))
	for _, m := range c.Modules {
		if m.Name == "" || m.Plugin == "" {
			return errors.Errorf(errors.ErrInvalidConfig, "module %q: name and plugin are required", m.Name)
		}
		if modules[m.Name] {
			return errors.Errorf(errors.ErrInvalidConfig, "module %q declared twice", m.Name)
		}
		modules[m.Name] = true

		for _, ref := range m.Connections {
			if _, ok := queues[ref.Name]; !ok {
				return errors.Errorf(errors.ErrUnknownConnection, "module %q: queue %q is not declared", m.Name, ref.Name)
			}
		}
	}

	if c.OpMon.Level < component.InfoLevelState || c.OpMon.Level > component.InfoLevelVerbose {
		return errors.Errorf(errors.ErrInvalidConfig, "opmon.level %d out of range", c.OpMon.Level)
	}
	if c.HTTP.TLS != nil && c.HTTP.Address == "" {
		return errors.Errorf(errors.ErrMissingConfig, "http.tls needs http.address")
	}
	if c.OpMon.KV && !c.NATS.Enabled() {
		return errors.Errorf(errors.ErrMissingConfig, "opmon.kv needs nats.urls")
	}
	return nil
}

// isValidNATSSubjectPart checks that s can be used as one subject token
func isValidNATSSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// String returns an indented JSON rendering with secrets masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// Duration is a time.Duration read from "250ms", "1d" or a nanosecond count
type Duration time.Duration

// Std returns the standard library duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(x)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", x, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(x))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
