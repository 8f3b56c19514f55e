package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/DUNE-DAQ/readoutmodules/component"
	"github.com/DUNE-DAQ/readoutmodules/errors"
	"github.com/DUNE-DAQ/readoutmodules/pkg/tlsutil"
	"github.com/DUNE-DAQ/readoutmodules/queue"
)

const appYAML = `
application: ru01
nats:
  urls: [nats://localhost:4222]
  reconnect_wait: 500ms
http:
  address: ":9090"
opmon:
  kv: true
  interval: 2s
queues:
  - {name: link0, payload_types: [WIBEthFrame], capacity: 5000}
  - {name: fragments, payload_types: [Fragment], kind: nats, subject: readout.ru01.fragments}
modules:
  - name: fake0
    plugin: FakeCardReader
    connections: [{name: link0, direction: output}]
    conf:
      link_confs:
        - {queue_name: link0, slowdown: 10}
      queue_timeout_ms: 100
  - name: dlh0
    plugin: DataLinkHandler
    connections: [{name: link0, direction: input}]
    conf: {latency_buffer_size: 100000}
  - name: sender0
    plugin: FragmentSender
    connections: [{name: fragments, direction: input}]
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_YAML(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "app.yaml", appYAML))
	require.NoError(t, err)

	assert.Equal(t, "ru01", cfg.Application)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL())
	assert.True(t, cfg.NATS.Enabled())
	assert.Equal(t, 500*time.Millisecond, cfg.NATS.ReconnectWait.Std())
	assert.Equal(t, -1, cfg.NATS.MaxReconnects)
	assert.Equal(t, ":9090", cfg.HTTP.Address)

	// defaults survive a partial opmon block
	assert.True(t, cfg.OpMon.Log)
	assert.True(t, cfg.OpMon.KV)
	assert.Equal(t, "readout_opmon", cfg.OpMon.Bucket)
	assert.Equal(t, 2*time.Second, cfg.OpMon.Interval.Std())
	assert.Equal(t, component.InfoLevelCounters, cfg.OpMon.Level)

	require.Len(t, cfg.Queues, 2)
	assert.Equal(t, queue.KindNATS, cfg.Queues[1].Kind)
	assert.Equal(t, 5000, cfg.Queues[0].Capacity)

	dlh, ok := cfg.Module("dlh0")
	require.True(t, ok)
	assert.Equal(t, "DataLinkHandler", dlh.Plugin)
	assert.JSONEq(t, `{"latency_buffer_size":100000}`, string(dlh.Conf))
	assert.JSONEq(t, `{"connections":[{"name":"link0","direction":"input"}]}`, string(dlh.InitPayload()))

	fake, _ := cfg.Module("fake0")
	assert.Equal(t, component.DirectionOutput, fake.Connections[0].Direction)

	sender, _ := cfg.Module("sender0")
	assert.Empty(t, sender.Conf)
}

func TestLoader_JSONLayers(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"application": "ru01",
		"queues": [{"name": "link0", "payload_types": ["WIB2Frame"]}],
		"modules": [{"name": "rec0", "plugin": "DataRecorder",
			"connections": [{"name": "link0", "direction": "input"}]}]
	}`)
	override := writeFile(t, "override.json", `{"http": {"address": ":8080"}, "opmon": {"level": 2}}`)

	l := NewLoader()
	l.AddLayer(base)
	l.AddLayer(override)
	cfg, err := l.Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Address)
	assert.Equal(t, component.InfoLevelVerbose, cfg.OpMon.Level)
	assert.Equal(t, 10*time.Second, cfg.OpMon.Interval.Std())
	assert.False(t, cfg.NATS.Enabled())
	require.Len(t, cfg.Modules, 1)
}

func TestLoader_EnvOverrides(t *testing.T) {
	t.Setenv("READOUTD_APPLICATION", "ru02")
	t.Setenv("READOUTD_NATS_URLS", "nats://a:4222,nats://b:4222")
	t.Setenv("READOUTD_NATS_TOKEN", "s3cret")
	t.Setenv("READOUTD_HTTP_ADDRESS", ":7070")
	t.Setenv("READOUTD_OPMON_INTERVAL", "1d")
	t.Setenv("READOUTD_OPMON_LEVEL", "0")

	cfg, err := NewLoader().LoadFile(writeFile(t, "app.yml", appYAML))
	require.NoError(t, err)

	assert.Equal(t, "ru02", cfg.Application)
	assert.Equal(t, []string{"nats://a:4222", "nats://b:4222"}, cfg.NATS.URLs)
	assert.Equal(t, ":7070", cfg.HTTP.Address)
	assert.Equal(t, 24*time.Hour, cfg.OpMon.Interval.Std())
	assert.Equal(t, component.InfoLevelState, cfg.OpMon.Level)

	rendered := cfg.String()
	assert.NotContains(t, rendered, "s3cret")
	assert.Contains(t, rendered, "***")
}

func TestLoader_BadEnvOverride(t *testing.T) {
	t.Setenv("READOUTD_OPMON_LEVEL", "high")

	_, err := NewLoader().LoadFile(writeFile(t, "app.yaml", appYAML))
	require.Error(t, err)
	assert.True(t, errors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "READOUTD_OPMON_LEVEL")
}

func TestLoader_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{
			name:    "missing modules",
			content: `{"application": "ru01"}`,
			want:    "modules",
		},
		{
			name: "unknown field",
			content: `{"application": "ru01", "modulez": [],
				"modules": [{"name": "m", "plugin": "DummyConsumer"}]}`,
			want: "modulez",
		},
		{
			name: "bad direction",
			content: `{"application": "ru01",
				"queues": [{"name": "q", "payload_types": ["Fragment"]}],
				"modules": [{"name": "m", "plugin": "DummyConsumer",
					"connections": [{"name": "q", "direction": "sideways"}]}]}`,
			want: "direction",
		},
		{
			name: "bad tls version",
			content: `{"application": "ru01",
				"nats": {"urls": ["tls://daq:4222"], "tls": {"min_version": "1.0"}},
				"modules": [{"name": "m", "plugin": "DummyConsumer"}]}`,
			want: "min_version",
		},
		{
			name: "bad queue kind",
			content: `{"application": "ru01",
				"queues": [{"name": "q", "payload_types": ["Fragment"], "kind": "zeromq"}],
				"modules": [{"name": "m", "plugin": "DummyConsumer"}]}`,
			want: "kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().LoadFile(writeFile(t, "app.json", tt.content))
			require.Error(t, err)
			assert.True(t, errors.IsConfiguration(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Application: "ru01",
			Queues:      []queue.Spec{{Name: "link0", PayloadTypes: []string{"WIBFrame"}}},
			Modules: []ModuleConfig{{
				Name:        "dlh0",
				Plugin:      "DataLinkHandler",
				Connections: []component.ConnectionRef{{Name: "link0", Direction: component.DirectionInput}},
			}},
			OpMon: OpMonConfig{Level: 1},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		target error
	}{
		{"application with dots", func(c *Config) { c.Application = "ru.01" }, errors.ErrInvalidConfig},
		{"duplicate queue", func(c *Config) { c.Queues = append(c.Queues, c.Queues[0]) }, errors.ErrDuplicateConnection},
		{"undeclared queue", func(c *Config) { c.Modules[0].Connections[0].Name = "link9" }, errors.ErrUnknownConnection},
		{"duplicate module", func(c *Config) { c.Modules = append(c.Modules, c.Modules[0]) }, errors.ErrInvalidConfig},
		{"no modules", func(c *Config) { c.Modules = nil }, errors.ErrMissingConfig},
		{"nats queue without nats", func(c *Config) {
			c.Queues[0].Kind = queue.KindNATS
			c.Queues[0].Subject = "x"
		}, errors.ErrMissingConfig},
		{"kv without nats", func(c *Config) { c.OpMon.KV = true }, errors.ErrMissingConfig},
		{"level out of range", func(c *Config) { c.OpMon.Level = 3 }, errors.ErrInvalidConfig},
		{"http tls without address", func(c *Config) {
			c.HTTP.TLS = &tlsutil.ServerConfig{CertFile: "server.pem", KeyFile: "server-key.pem"}
		}, errors.ErrMissingConfig},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, tt.target)
			assert.True(t, errors.IsConfiguration(err))
		})
	}
}

func TestLoader_FileErrors(t *testing.T) {
	_, err := NewLoader().LoadFile(writeFile(t, "app.toml", "application = 'x'"))
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewLoader().LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.IsConfiguration(err))

	_, err = NewLoader().LoadFile("../etc/app.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "traversal")

	deep := strings.Repeat("[", 150) + strings.Repeat("]", 150)
	_, err = NewLoader().LoadFile(writeFile(t, "deep.json", `{"application": "x", "modules": `+deep+`}`))
	assert.Contains(t, err.Error(), "too deep")
}

func TestLoader_WithoutValidation(t *testing.T) {
	l := NewLoader()
	l.EnableValidation(false)
	cfg, err := l.LoadFile(writeFile(t, "app.json", `{"application": "has.dots"}`))
	require.NoError(t, err)
	assert.Equal(t, "has.dots", cfg.Application)
}

func TestConfig_SaveAndReload(t *testing.T) {
	cfg, err := NewLoader().LoadFile(writeFile(t, "app.yaml", appYAML))
	require.NoError(t, err)

	require.NoError(t, ValidateSchema(cfg))

	path := filepath.Join(t.TempDir(), "saved.json")
	require.NoError(t, cfg.SaveToFile(path))

	reloaded, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.OpMon, reloaded.OpMon)
	assert.Equal(t, cfg.Queues, reloaded.Queues)

	a, _ := json.Marshal(cfg.Modules)
	b, _ := json.Marshal(reloaded.Modules)
	assert.JSONEq(t, string(a), string(b))
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1.5s"`), &d))
	assert.Equal(t, 1500*time.Millisecond, d.Std())

	require.NoError(t, json.Unmarshal([]byte(`2000000`), &d))
	assert.Equal(t, 2*time.Millisecond, d.Std())

	assert.Error(t, json.Unmarshal([]byte(`"soon"`), &d))
	assert.Error(t, json.Unmarshal([]byte(`true`), &d))
}
