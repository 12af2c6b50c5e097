// Package config provides loading of host.yaml and the per-plugin configuration hook.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the host configuration file looked up in a directory.
const DefaultFileName = "host.yaml"

// HostConfig represents a host.yaml configuration file.
type HostConfig struct {
	// HostVersion overrides the build-stamped host version. 0 keeps the stamped one.
	HostVersion int `yaml:"host_version,omitempty"`

	// PluginDir is the directory scanned for module files at startup.
	PluginDir string `yaml:"plugin_dir"`

	// Extension is the module file extension (e.g. ".so").
	Extension string `yaml:"extension,omitempty"`

	// Capability is the exported entry name modules must provide.
	Capability string `yaml:"capability,omitempty"`

	// ConfigsDir holds per-plugin configuration files: <configs_dir>/<name>/<name>.yaml
	ConfigsDir string `yaml:"configs_dir,omitempty"`

	// ShadowDir is where module files are copied before opening.
	ShadowDir string `yaml:"shadow_dir,omitempty"`

	// ReloadDebounce is how long a module file must be quiet before reloading.
	// Format: Go duration string (e.g., "500ms")
	ReloadDebounce string `yaml:"reload_debounce,omitempty"`

	// Admission is a CEL expression over path, name and ext. Empty admits everything.
	Admission string `yaml:"admission,omitempty"`

	Retry    *RetryConfig    `yaml:"retry,omitempty"`
	Registry *RegistryConfig `yaml:"registry,omitempty"`
	Events   *EventsConfig   `yaml:"events,omitempty"`
	Health   *HealthConfig   `yaml:"health,omitempty"`
	Tracing  *TracingConfig  `yaml:"tracing,omitempty"`
	Log      *LogConfig      `yaml:"log,omitempty"`
}

// RetryConfig controls retrying module loads that fail on I/O.
type RetryConfig struct {
	// InitialInterval defaults to 100ms.
	InitialInterval string `yaml:"initial_interval,omitempty"`

	// MaxInterval defaults to 2s.
	MaxInterval string `yaml:"max_interval,omitempty"`

	// MaxElapsed defaults to 10s. "0s" disables retries.
	MaxElapsed string `yaml:"max_elapsed,omitempty"`
}

// RegistryConfig configures etcd announcement of loaded plugins.
type RegistryConfig struct {
	Endpoints []string   `yaml:"endpoints"`
	Namespace string     `yaml:"namespace,omitempty"`
	TTL       int        `yaml:"ttl,omitempty"`
	TLS       *TLSConfig `yaml:"tls,omitempty"`
}

// TLSConfig holds client certificate paths for the registry connection.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// EventsConfig configures Redis publication of lifecycle events.
type EventsConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
}

// HealthConfig configures the gRPC health server.
type HealthConfig struct {
	Address string `yaml:"address"`

	// Interval is how often plugins are asked for their health. Default: 15s
	Interval string `yaml:"interval,omitempty"`

	TLSCertFile string `yaml:"tls_cert_file,omitempty"`
	TLSKeyFile  string `yaml:"tls_key_file,omitempty"`
}

// TracingConfig configures OTLP/HTTP export of lifecycle spans.
type TracingConfig struct {
	// Endpoint is the collector's host:port, e.g. "localhost:4318".
	Endpoint string `yaml:"endpoint"`

	Insecure bool `yaml:"insecure,omitempty"`

	// ServiceName defaults to "pluginhost".
	ServiceName string `yaml:"service_name,omitempty"`

	// SampleRatio is the fraction of traces kept. Default: 1
	SampleRatio *float64 `yaml:"sample_ratio,omitempty"`
}

// LogConfig configures the host logger.
type LogConfig struct {
	// Level is one of debug, info, warn, error. Default: info
	Level string `yaml:"level,omitempty"`

	// Format is "json" or "text". Default: json
	Format string `yaml:"format,omitempty"`
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

// GetExtension returns the module extension, always with a leading dot. Default: ".so"
func (c *HostConfig) GetExtension() string {
	if c == nil || c.Extension == "" {
		return ".so"
	}
	if !strings.HasPrefix(c.Extension, ".") {
		return "." + c.Extension
	}
	return c.Extension
}

// GetCapability returns the entry name. Default: "Plugin"
func (c *HostConfig) GetCapability() string {
	if c == nil || c.Capability == "" {
		return "Plugin"
	}
	return c.Capability
}

// GetPluginDir returns the plugin directory. Default: "plugins"
func (c *HostConfig) GetPluginDir() string {
	if c == nil || c.PluginDir == "" {
		return "plugins"
	}
	return c.PluginDir
}

// GetConfigsDir returns the per-plugin configuration root. Default: "configs/plugins"
func (c *HostConfig) GetConfigsDir() string {
	if c == nil || c.ConfigsDir == "" {
		return filepath.Join("configs", "plugins")
	}
	return c.ConfigsDir
}

// GetReloadDebounce parses the reload debounce. Default: 500ms
func (c *HostConfig) GetReloadDebounce() time.Duration {
	if c == nil {
		return 500 * time.Millisecond
	}
	return durationOr(c.ReloadDebounce, 500*time.Millisecond)
}

// GetInitialInterval parses the first retry delay. Default: 100ms
func (r *RetryConfig) GetInitialInterval() time.Duration {
	if r == nil {
		return 100 * time.Millisecond
	}
	return durationOr(r.InitialInterval, 100*time.Millisecond)
}

// GetMaxInterval parses the retry delay cap. Default: 2s
func (r *RetryConfig) GetMaxInterval() time.Duration {
	if r == nil {
		return 2 * time.Second
	}
	return durationOr(r.MaxInterval, 2*time.Second)
}

// GetMaxElapsed parses the total retry budget. Default: 10s
func (r *RetryConfig) GetMaxElapsed() time.Duration {
	if r == nil {
		return 10 * time.Second
	}
	return durationOr(r.MaxElapsed, 10*time.Second)
}

// GetNamespace returns the etcd key prefix. Default: "pluginhost"
func (r *RegistryConfig) GetNamespace() string {
	if r == nil || r.Namespace == "" {
		return "pluginhost"
	}
	return r.Namespace
}

// GetTTL returns the lease TTL in seconds. Default: 30
func (r *RegistryConfig) GetTTL() int {
	if r == nil || r.TTL <= 0 {
		return 30
	}
	return r.TTL
}

// GetPrefix returns the Redis key prefix. Default: "pluginhost"
func (e *EventsConfig) GetPrefix() string {
	if e == nil || e.Prefix == "" {
		return "pluginhost"
	}
	return e.Prefix
}

// GetInterval parses the health refresh interval. Default: 15s
func (h *HealthConfig) GetInterval() time.Duration {
	if h == nil {
		return 15 * time.Second
	}
	d := durationOr(h.Interval, 15*time.Second)
	if d == 0 {
		return 15 * time.Second
	}
	return d
}

// GetServiceName returns the traced service name. Default: "pluginhost"
func (t *TracingConfig) GetServiceName() string {
	if t == nil || t.ServiceName == "" {
		return "pluginhost"
	}
	return t.ServiceName
}

// GetSampleRatio returns the sampling ratio clamped to [0, 1]. Default: 1
func (t *TracingConfig) GetSampleRatio() float64 {
	if t == nil || t.SampleRatio == nil {
		return 1
	}
	return min(max(*t.SampleRatio, 0), 1)
}

// GetLevel returns the log level. Default: "info"
func (l *LogConfig) GetLevel() string {
	if l == nil || l.Level == "" {
		return "info"
	}
	return strings.ToLower(l.Level)
}

// GetFormat returns the log format. Default: "json"
func (l *LogConfig) GetFormat() string {
	if l == nil || l.Format == "" {
		return "json"
	}
	return strings.ToLower(l.Format)
}

// Load reads and parses a host configuration file.
// If the path is a directory, it looks for host.yaml or host.yml in that directory.
func Load(path string) (*HostConfig, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}

	configPath := path
	if info.IsDir() {
		configPath = ""
		for _, name := range []string{DefaultFileName, "host.yml"} {
			candidate := filepath.Join(path, name)
			if _, err := os.Stat(candidate); err == nil {
				configPath = candidate
				break
			}
		}
		if configPath == "" {
			return nil, fmt.Errorf("no host.yaml or host.yml found in %s", path)
		}
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses host configuration from YAML.
func Parse(data []byte) (*HostConfig, error) {
	var cfg HostConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the accessors cannot default.
func (c *HostConfig) Validate() error {
	if c.HostVersion < 0 {
		return fmt.Errorf("host_version cannot be negative: %d", c.HostVersion)
	}
	if c.Registry != nil && len(c.Registry.Endpoints) == 0 {
		return fmt.Errorf("registry endpoints cannot be empty")
	}
	if c.Events != nil && c.Events.Addr == "" {
		return fmt.Errorf("events addr is required")
	}
	if c.Health != nil && c.Health.Address == "" {
		return fmt.Errorf("health address is required")
	}
	if c.Tracing != nil && c.Tracing.Endpoint == "" {
		return fmt.Errorf("tracing endpoint is required")
	}
	return nil
}
