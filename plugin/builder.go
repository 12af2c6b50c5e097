package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// LoadFunc is called when the host loads the plugin.
type LoadFunc func(ctx context.Context, hotReload bool) error

// UnloadFunc is called when the host unloads the plugin.
type UnloadFunc func(ctx context.Context, hotReload bool) error

// DisposeFunc releases resources held by the plugin.
type DisposeFunc func() error

// Config holds the configuration for building a plugin.
// Use NewConfig to create a new configuration, then use the setter methods
// to configure the plugin before calling New to build it.
type Config struct {
	name        string
	version     string
	description string
	author      string
	commands    []Command
	loadFunc    LoadFunc
	unloadFunc  UnloadFunc
	disposeFunc DisposeFunc
}

// NewConfig creates a new plugin configuration with no-op lifecycle functions.
func NewConfig() *Config {
	return &Config{
		commands: make([]Command, 0),
		loadFunc: func(ctx context.Context, hotReload bool) error {
			return nil
		},
		unloadFunc: func(ctx context.Context, hotReload bool) error {
			return nil
		},
		disposeFunc: func() error {
			return nil
		},
	}
}

// SetName sets the plugin name.
func (c *Config) SetName(name string) {
	c.name = name
}

// SetVersion sets the plugin version.
func (c *Config) SetVersion(version string) {
	c.version = version
}

// SetDescription sets the plugin description.
func (c *Config) SetDescription(desc string) {
	c.description = desc
}

// SetAuthor sets the plugin author.
func (c *Config) SetAuthor(author string) {
	c.author = author
}

// AddCommand registers a command the host exposes while the plugin is loaded.
func (c *Config) AddCommand(name, description string, handler CommandHandler) {
	c.commands = append(c.commands, Command{
		Name:        name,
		Description: description,
		Handler:     handler,
	})
}

// SetLoadFunc sets the load hook.
func (c *Config) SetLoadFunc(fn LoadFunc) {
	c.loadFunc = fn
}

// SetUnloadFunc sets the unload hook.
func (c *Config) SetUnloadFunc(fn UnloadFunc) {
	c.unloadFunc = fn
}

// SetDisposeFunc sets the dispose hook.
func (c *Config) SetDisposeFunc(fn DisposeFunc) {
	c.disposeFunc = fn
}

// New creates a new Plugin from the configuration.
// Returns an error if the configuration is invalid.
func New(cfg *Config) (Plugin, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	if cfg.name == "" {
		return nil, fmt.Errorf("plugin name is required")
	}

	if cfg.version == "" {
		return nil, fmt.Errorf("plugin version is required")
	}

	seen := make(map[string]struct{}, len(cfg.commands))
	for _, cmd := range cfg.commands {
		if cmd.Name == "" {
			return nil, fmt.Errorf("command name cannot be empty")
		}
		if cmd.Handler == nil {
			return nil, fmt.Errorf("command %s has no handler", cmd.Name)
		}
		if _, exists := seen[cmd.Name]; exists {
			return nil, fmt.Errorf("duplicate command name: %s", cmd.Name)
		}
		seen[cmd.Name] = struct{}{}
	}

	commands := make([]Command, len(cfg.commands))
	copy(commands, cfg.commands)

	return &builtPlugin{
		name:        cfg.name,
		version:     cfg.version,
		description: cfg.description,
		author:      cfg.author,
		commands:    commands,
		loadFunc:    cfg.loadFunc,
		unloadFunc:  cfg.unloadFunc,
		disposeFunc: cfg.disposeFunc,
	}, nil
}

var errDisposed = errors.New("plugin disposed")

// builtPlugin is the Plugin produced by New.
type builtPlugin struct {
	Base

	name        string
	version     string
	description string
	author      string
	commands    []Command
	loadFunc    LoadFunc
	unloadFunc  UnloadFunc
	disposeFunc DisposeFunc

	stateMu  sync.Mutex
	loaded   bool
	disposed bool
}

func (p *builtPlugin) Name() string        { return p.name }
func (p *builtPlugin) Version() string     { return p.version }
func (p *builtPlugin) Description() string { return p.description }
func (p *builtPlugin) Author() string      { return p.author }

// Commands implements CommandProvider.
func (p *builtPlugin) Commands() []Command {
	out := make([]Command, len(p.commands))
	copy(out, p.commands)
	return out
}

func (p *builtPlugin) Load(ctx context.Context, hotReload bool) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.disposed {
		return errDisposed
	}
	if p.loaded {
		return fmt.Errorf("plugin already loaded")
	}

	if err := p.loadFunc(ctx, hotReload); err != nil {
		return fmt.Errorf("load failed: %w", err)
	}

	p.loaded = true
	return nil
}

func (p *builtPlugin) Unload(ctx context.Context, hotReload bool) error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if !p.loaded {
		return fmt.Errorf("plugin not loaded")
	}

	// The instance is disposed after Unload whatever the outcome.
	p.loaded = false
	if err := p.unloadFunc(ctx, hotReload); err != nil {
		return fmt.Errorf("unload failed: %w", err)
	}
	return nil
}

func (p *builtPlugin) Dispose() error {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	if p.disposed {
		return nil
	}
	p.disposed = true
	p.loaded = false
	return p.disposeFunc()
}

// Health implements HealthChecker.
func (p *builtPlugin) Health(ctx context.Context) HealthStatus {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	switch {
	case p.disposed:
		return NewUnhealthyStatus("plugin disposed", nil)
	case !p.loaded:
		return NewUnhealthyStatus("plugin not loaded", nil)
	default:
		return NewHealthyStatus("plugin operational")
	}
}
