package config

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/DUNE-DAQ/readoutmodules/errors"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "READOUTD"

//go:embed schema.json
var schemaJSON []byte

var schemaLoader = gojsonschema.NewBytesLoader(schemaJSON)

// Loader reads configuration layers, merges them over the defaults, applies
// environment overrides and validates the result.
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with validation enabled
func NewLoader() *Loader {
	return &Loader{
		validation: true,
		envPrefix:  EnvPrefix,
		getenv:     os.Getenv,
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables schema and cross-reference validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	merged, err := toMap(Defaults())
	if err != nil {
		return nil, errors.WrapFatal(err, "Loader", "Load", "encode defaults")
	}

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.Errorf(errors.ErrInvalidConfig, "failed to load %s: %v", path, err)
		}
		merged = deepMergeMaps(merged, raw)
	}

	if l.validation {
		if err := validateDocument(gojsonschema.NewGoLoader(merged)); err != nil {
			return nil, err
		}
	}

	cfg, err := fromMap(merged)
	if err != nil {
		return nil, errors.Errorf(errors.ErrInvalidConfig, "decode configuration: %v", err)
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the configuration every layer is merged over
func Defaults() *Config {
	return &Config{
		NATS: NATSConfig{
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		OpMon: OpMonConfig{
			Log:      true,
			Bucket:   "readout_opmon",
			Interval: Duration(10 * time.Second),
			Level:    1,
		},
	}
}

// loadRaw reads one YAML or JSON layer as a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}
	return raw, nil
}

func toMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func fromMap(m map[string]any) (*Config, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence.
// Lists are replaced, not merged.
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// applyEnvOverrides applies READOUTD_* environment variables
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	lookup := func(suffix string) (string, error) {
		key := l.envPrefix + "_" + suffix
		val := l.getenv(key)
		if err := validateEnvVar(key, val); err != nil {
			return "", errors.Errorf(errors.ErrInvalidConfig, "%v", err)
		}
		return val, nil
	}

	overrides := []struct {
		suffix string
		apply  func(string) error
	}{
		{"APPLICATION", func(v string) error { cfg.Application = v; return nil }},
		{"NATS_URLS", func(v string) error { cfg.NATS.URLs = strings.Split(v, ","); return nil }},
		{"NATS_USERNAME", func(v string) error { cfg.NATS.Username = v; return nil }},
		{"NATS_PASSWORD", func(v string) error { cfg.NATS.Password = v; return nil }},
		{"NATS_TOKEN", func(v string) error { cfg.NATS.Token = v; return nil }},
		{"HTTP_ADDRESS", func(v string) error { cfg.HTTP.Address = v; return nil }},
		{"OPMON_INTERVAL", func(v string) error {
			d, err := parseDurationWithDays(v)
			if err != nil {
				return err
			}
			cfg.OpMon.Interval = Duration(d)
			return nil
		}},
		{"OPMON_LEVEL", func(v string) error {
			n, err := strconv.Atoi(v)
			if err != nil {
				return err
			}
			cfg.OpMon.Level = n
			return nil
		}},
	}

	for _, o := range overrides {
		val, err := lookup(o.suffix)
		if err != nil {
			return err
		}
		if val == "" {
			continue
		}
		if err := o.apply(val); err != nil {
			return errors.Errorf(errors.ErrInvalidConfig, "%s_%s=%q: %v", l.envPrefix, o.suffix, val, err)
		}
	}
	return nil
}

// ValidateSchema checks cfg against the embedded JSON schema
func ValidateSchema(cfg *Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return errors.WrapFatal(err, "config", "ValidateSchema", "encode configuration")
	}
	return validateDocument(gojsonschema.NewBytesLoader(data))
}

func validateDocument(doc gojsonschema.JSONLoader) error {
	result, err := gojsonschema.Validate(schemaLoader, doc)
	if err != nil {
		return errors.Errorf(errors.ErrInvalidConfig, "schema validation: %v", err)
	}
	if result.Valid() {
		return nil
	}

	msgs := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		msgs = append(msgs, fmt.Sprintf("%s: %s", desc.Field(), desc.Description()))
	}
	return errors.Errorf(errors.ErrInvalidConfig, "schema validation failed: %s", strings.Join(msgs, "; "))
}

// SaveToFile writes cfg as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}
