package plugin

import (
	"context"
	"log/slog"
	"sync"
)

// Plugin is the capability every module entry type implements.
// The host drives it through Load, Unload and Dispose; it never calls these
// concurrently for the same instance.
type Plugin interface {
	// Name returns the plugin's display name.
	Name() string

	// Version returns the plugin's own version string.
	Version() string

	// Description returns a human-readable description of the plugin.
	Description() string

	// Author returns the plugin author.
	Author() string

	// Load is called once after the instance is constructed and wired.
	// hotReload is true when the instance replaces a previous one after a code change.
	Load(ctx context.Context, hotReload bool) error

	// Unload is called before the instance is disposed.
	// hotReload is true when a replacement instance will be loaded right after.
	Unload(ctx context.Context, hotReload bool) error

	// Dispose releases everything the instance holds. The instance is never used again.
	Dispose() error
}

// PathAware is implemented by plugins that want to know the module path they were loaded from.
type PathAware interface {
	SetModulePath(path string)
}

// LoggerAware is implemented by plugins that accept a host-provided logger.
type LoggerAware interface {
	SetLogger(logger *slog.Logger)
}

// HealthChecker is implemented by plugins that report their own health.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// Base is an embeddable helper that implements PathAware and LoggerAware and gives
// no-op lifecycle methods. Embedders supply Name, Version, Description and Author.
//
//	type Greeter struct {
//	    plugin.Base
//	}
//
//	func (g *Greeter) Name() string        { return "greeter" }
//	func (g *Greeter) Version() string     { return "1.0.0" }
//	func (g *Greeter) Description() string { return "says hello" }
//	func (g *Greeter) Author() string      { return "zero-day" }
type Base struct {
	mu     sync.RWMutex
	path   string
	logger *slog.Logger
}

// SetModulePath implements PathAware.
func (b *Base) SetModulePath(path string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.path = path
}

// ModulePath returns the path set by the host, or "" before the host attached it.
func (b *Base) ModulePath() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.path
}

// SetLogger implements LoggerAware.
func (b *Base) SetLogger(logger *slog.Logger) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger = logger
}

// Logger returns the host-provided logger, or slog.Default() if none was set.
func (b *Base) Logger() *slog.Logger {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.logger == nil {
		return slog.Default()
	}
	return b.logger
}

// Load does nothing.
func (b *Base) Load(ctx context.Context, hotReload bool) error { return nil }

// Unload does nothing.
func (b *Base) Unload(ctx context.Context, hotReload bool) error { return nil }

// Dispose does nothing.
func (b *Base) Dispose() error { return nil }
