package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags(t *testing.T) {
	t.Setenv("READOUTD_LOG_FORMAT", "text")

	cfg, err := parseFlags(newFlagSet(), []string{"-c", "base.yaml", "--config", "site.yaml", "--log-level", "debug"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base.yaml", "site.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)

	t.Setenv("READOUTD_CONFIG", "a.yaml,b.json")
	cfg, err = parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.yaml", "b.json"}, cfg.ConfigPaths)

	_, err = parseFlags(newFlagSet(), []string{"--bogus"})
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("application: x\n"), 0o600))

	valid := CLIConfig{ConfigPaths: []string{path}, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}
	require.NoError(t, validateFlags(&valid))

	tests := []struct {
		name   string
		mutate func(*CLIConfig)
	}{
		{"no config", func(c *CLIConfig) { c.ConfigPaths = nil }},
		{"missing file", func(c *CLIConfig) { c.ConfigPaths = []string{path + ".missing"} }},
		{"bad level", func(c *CLIConfig) { c.LogLevel = "verbose" }},
		{"bad format", func(c *CLIConfig) { c.LogFormat = "xml" }},
		{"bad timeout", func(c *CLIConfig) { c.ShutdownTimeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			assert.Error(t, validateFlags(&cfg))
		})
	}

	assert.NoError(t, validateFlags(&CLIConfig{ShowVersion: true}))
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "warn", "json")

	logger.Info("hidden")
	logger.Warn("shown", "module", "dlh0")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "shown", record["msg"])
	assert.Equal(t, appName, record["service"])
	assert.Equal(t, Version, record["version"])
	assert.Equal(t, "dlh0", record["module"])
	assert.Contains(t, record, "pid")
}

func TestRun_Validate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
application: ru01
queues:
  - {name: link0, payload_types: [WIBFrame]}
modules:
  - name: dlh0
    plugin: DataLinkHandler
    connections: [{name: link0, direction: input}]
`), 0o600))

	require.NoError(t, run([]string{"--config", path, "--validate", "--log-level", "error"}))

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("application: ru01\nmodules: []\n"), 0o600))
	assert.Error(t, run([]string{"--config", bad, "--validate", "--log-level", "error"}))
}
