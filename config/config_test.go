package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleHostYAML = `
host_version: 7
plugin_dir: /srv/plugins
extension: so
capability: Module
configs_dir: /srv/configs
reload_debounce: 250ms
admission: 'name.startsWith("core-")'
retry:
  initial_interval: 50ms
  max_interval: 1s
  max_elapsed: 5s
registry:
  endpoints: ["localhost:2379"]
  namespace: lab
events:
  addr: localhost:6379
  prefix: lab
health:
  address: ":9090"
  interval: 30s
tracing:
  endpoint: otel:4318
  insecure: true
  sample_ratio: 2.5
log:
  level: DEBUG
  format: text
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleHostYAML))
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.HostVersion)
	assert.Equal(t, "/srv/plugins", cfg.GetPluginDir())
	assert.Equal(t, ".so", cfg.GetExtension())
	assert.Equal(t, "Module", cfg.GetCapability())
	assert.Equal(t, "/srv/configs", cfg.GetConfigsDir())
	assert.Equal(t, 250*time.Millisecond, cfg.GetReloadDebounce())
	assert.Equal(t, `name.startsWith("core-")`, cfg.Admission)

	assert.Equal(t, 50*time.Millisecond, cfg.Retry.GetInitialInterval())
	assert.Equal(t, time.Second, cfg.Retry.GetMaxInterval())
	assert.Equal(t, 5*time.Second, cfg.Retry.GetMaxElapsed())

	assert.Equal(t, []string{"localhost:2379"}, cfg.Registry.Endpoints)
	assert.Equal(t, "lab", cfg.Registry.GetNamespace())
	assert.Equal(t, 30, cfg.Registry.GetTTL())

	assert.Equal(t, "lab", cfg.Events.GetPrefix())
	assert.Equal(t, ":9090", cfg.Health.Address)
	assert.Equal(t, 30*time.Second, cfg.Health.GetInterval())

	assert.Equal(t, "otel:4318", cfg.Tracing.Endpoint)
	assert.True(t, cfg.Tracing.Insecure)
	assert.Equal(t, "pluginhost", cfg.Tracing.GetServiceName())
	assert.Equal(t, 1.0, cfg.Tracing.GetSampleRatio())

	assert.Equal(t, "debug", cfg.Log.GetLevel())
	assert.Equal(t, "text", cfg.Log.GetFormat())
}

func TestDefaults(t *testing.T) {
	var cfg *HostConfig
	assert.Equal(t, ".so", cfg.GetExtension())
	assert.Equal(t, "Plugin", cfg.GetCapability())
	assert.Equal(t, "plugins", cfg.GetPluginDir())
	assert.Equal(t, filepath.Join("configs", "plugins"), cfg.GetConfigsDir())
	assert.Equal(t, 500*time.Millisecond, cfg.GetReloadDebounce())

	var retry *RetryConfig
	assert.Equal(t, 100*time.Millisecond, retry.GetInitialInterval())
	assert.Equal(t, 2*time.Second, retry.GetMaxInterval())
	assert.Equal(t, 10*time.Second, retry.GetMaxElapsed())

	var reg *RegistryConfig
	assert.Equal(t, "pluginhost", reg.GetNamespace())
	assert.Equal(t, 30, reg.GetTTL())

	var ev *EventsConfig
	assert.Equal(t, "pluginhost", ev.GetPrefix())

	var hc *HealthConfig
	assert.Equal(t, 15*time.Second, hc.GetInterval())

	var tr *TracingConfig
	assert.Equal(t, "pluginhost", tr.GetServiceName())
	assert.Equal(t, 1.0, tr.GetSampleRatio())

	var lg *LogConfig
	assert.Equal(t, "info", lg.GetLevel())
	assert.Equal(t, "json", lg.GetFormat())
}

func TestInvalidDurationsFallBack(t *testing.T) {
	cfg := &HostConfig{ReloadDebounce: "soon"}
	assert.Equal(t, 500*time.Millisecond, cfg.GetReloadDebounce())

	retry := &RetryConfig{MaxElapsed: "-1s"}
	assert.Equal(t, 10*time.Second, retry.GetMaxElapsed())

	retry = &RetryConfig{MaxElapsed: "0s"}
	assert.Equal(t, time.Duration(0), retry.GetMaxElapsed())
}

func TestParseValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{name: "negative version", yaml: "host_version: -1", wantErr: "host_version cannot be negative"},
		{name: "registry without endpoints", yaml: "registry: {namespace: x}", wantErr: "registry endpoints"},
		{name: "events without addr", yaml: "events: {prefix: x}", wantErr: "events addr"},
		{name: "health without address", yaml: "health: {}", wantErr: "health address"},
		{name: "tracing without endpoint", yaml: "tracing: {insecure: true}", wantErr: "tracing endpoint"},
		{name: "malformed", yaml: "plugin_dir: [", wantErr: "failed to parse"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "host.yml"), []byte("plugin_dir: ./mods\n"), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "./mods", cfg.GetPluginDir())

	cfg, err = Load(filepath.Join(dir, "host.yml"))
	require.NoError(t, err)
	assert.Equal(t, "./mods", cfg.PluginDir)

	_, err = Load(t.TempDir())
	assert.ErrorContains(t, err, "no host.yaml")

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to stat path")
}

func TestLoad_ExampleHostYAML(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "examples", "host.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.HostVersion)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Events.Addr)
	assert.Equal(t, 15*time.Second, cfg.Health.GetInterval())
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, "json", cfg.Log.GetFormat())
}
