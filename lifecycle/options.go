package lifecycle

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/pluginhost/module"
)

// Option configures a Record.
type Option func(*options)

type options struct {
	logger      *slog.Logger
	hostVersion *int
	capability  module.Capability
	registrar   Registrar
	configurer  Configurer
	watch       WatchFunc
	listeners   []Listener
	tracer      trace.Tracer
	meter       metric.Meter
}

// WithLogger sets the logger the record derives its own logger from.
// Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithHostVersion sets the host version used by the version gate.
// Defaults to version.Current().
func WithHostVersion(v int) Option {
	return func(o *options) {
		o.hostVersion = &v
	}
}

// WithCapability sets the entry name resolved from the module.
// Defaults to module.DefaultCapability.
func WithCapability(c module.Capability) Option {
	return func(o *options) {
		o.capability = c
	}
}

// WithRegistrar sets the registration hook run after instantiation.
func WithRegistrar(r Registrar) Option {
	return func(o *options) {
		o.registrar = r
	}
}

// WithConfigurer sets the config-initialization hook.
func WithConfigurer(c Configurer) Option {
	return func(o *options) {
		o.configurer = c
	}
}

// WithWatchFunc replaces the file watcher used for delete notifications.
// Defaults to FileWatch(nil), a private watcher per record.
func WithWatchFunc(fn WatchFunc) Option {
	return func(o *options) {
		o.watch = fn
	}
}

// WithListener adds a listener for lifecycle events.
func WithListener(l Listener) Option {
	return func(o *options) {
		if l != nil {
			o.listeners = append(o.listeners, l)
		}
	}
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		o.tracer = t
	}
}

// WithMeter sets the meter for lifecycle metrics.
func WithMeter(m metric.Meter) Option {
	return func(o *options) {
		o.meter = m
	}
}
