package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// Configurer reads per-plugin configuration for plugins implementing
// plugin.Configurable. Files live at <dir>/<name>/<name>.yaml. When a file is
// missing, the plugin's defaults are written there first.
type Configurer struct {
	dir    string
	logger *slog.Logger
}

// ConfigurerOption configures a Configurer.
type ConfigurerOption func(*Configurer)

// WithConfigurerLogger sets the logger.
func WithConfigurerLogger(logger *slog.Logger) ConfigurerOption {
	return func(c *Configurer) {
		c.logger = logger
	}
}

// NewConfigurer creates a Configurer rooted at dir.
func NewConfigurer(dir string, opts ...ConfigurerOption) *Configurer {
	c := &Configurer{
		dir:    dir,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Path returns the configuration file for a plugin named name.
func (c *Configurer) Path(name string) string {
	return filepath.Join(c.dir, name, name+".yaml")
}

// Configure loads configuration into p. Plugins that are not Configurable are left alone.
func (c *Configurer) Configure(ctx context.Context, p plugin.Plugin) error {
	cfg, ok := p.(plugin.Configurable)
	if !ok {
		return nil
	}

	name := p.Name()
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("invalid plugin name for configuration: %q", name)
	}

	target := cfg.ConfigTarget()
	if target == nil {
		return fmt.Errorf("plugin %s returned a nil config target", name)
	}

	path := c.Path(name)
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if err := c.writeDefaults(path, target); err != nil {
			return err
		}
		c.logger.Info("wrote default plugin config", "plugin", name, "path", path)

	case err != nil:
		return fmt.Errorf("failed to read plugin config: %w", err)

	default:
		if err := yaml.Unmarshal(data, target); err != nil {
			return fmt.Errorf("failed to parse plugin config %s: %w", path, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return cfg.OnConfigParsed()
}

func (c *Configurer) writeDefaults(path string, target any) error {
	data, err := yaml.Marshal(target)
	if err != nil {
		return fmt.Errorf("failed to marshal default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}
	return nil
}
