package pluginhost

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/zero-day-ai/pluginhost/lifecycle"
	"github.com/zero-day-ai/pluginhost/module"
	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/watch"
)

// Announcer advertises loaded plugin instances, e.g. in a service registry.
type Announcer interface {
	Announce(ctx context.Context, ev lifecycle.Event) error
	Withdraw(ctx context.Context, ev lifecycle.Event) error
	Close() error
}

// Publisher forwards lifecycle events, e.g. to a message bus.
type Publisher interface {
	Publish(ctx context.Context, ev lifecycle.Event) error
	Close() error
}

// HealthReporter receives per-plugin health.
type HealthReporter interface {
	Report(pluginID int, status plugin.HealthStatus)
	Forget(pluginID int)
}

// RetryPolicy bounds the retries of loads that fail on module I/O.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// MaxElapsed is the total time spent retrying. Zero disables retries.
	MaxElapsed time.Duration
}

// DefaultRetryPolicy is used when WithRetry is not given.
var DefaultRetryPolicy = RetryPolicy{
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     2 * time.Second,
	MaxElapsed:      10 * time.Second,
}

// HostOption configures a Host.
type HostOption func(*hostConfig)

type hostConfig struct {
	logger        *slog.Logger
	hostVersion   *int
	capability    module.Capability
	extension     string
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	announcer     Announcer
	publisher     Publisher
	health        HealthReporter
	configurer    lifecycle.Configurer
	registrar     lifecycle.Registrar
	admission     *Admission
	retry         RetryPolicy
	watch         lifecycle.WatchFunc
	listeners     []lifecycle.Listener
	fanoutTimeout time.Duration
}

// WithLogger sets the host logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) HostOption {
	return func(c *hostConfig) {
		c.logger = logger
	}
}

// WithHostVersion overrides the build-stamped host version.
func WithHostVersion(v int) HostOption {
	return func(c *hostConfig) {
		c.hostVersion = &v
	}
}

// WithCapability sets the entry name resolved from every module.
func WithCapability(capability module.Capability) HostOption {
	return func(c *hostConfig) {
		c.capability = capability
	}
}

// WithExtension sets the module extension LoadDir picks up. Default: ".so"
func WithExtension(ext string) HostOption {
	return func(c *hostConfig) {
		c.extension = ext
	}
}

// WithTracer sets the tracer for lifecycle spans.
func WithTracer(tracer trace.Tracer) HostOption {
	return func(c *hostConfig) {
		c.tracer = tracer
	}
}

// WithMeterProvider sets the provider of lifecycle metrics.
func WithMeterProvider(mp metric.MeterProvider) HostOption {
	return func(c *hostConfig) {
		c.meterProvider = mp
	}
}

// WithAnnouncer announces loaded instances and withdraws unloaded ones.
func WithAnnouncer(a Announcer) HostOption {
	return func(c *hostConfig) {
		c.announcer = a
	}
}

// WithPublisher forwards every lifecycle event.
func WithPublisher(p Publisher) HostOption {
	return func(c *hostConfig) {
		c.publisher = p
	}
}

// WithHealthReporter reports plugin health as lifecycle events arrive.
func WithHealthReporter(r HealthReporter) HostOption {
	return func(c *hostConfig) {
		c.health = r
	}
}

// WithConfigurer sets the per-plugin configuration hook.
func WithConfigurer(cfg lifecycle.Configurer) HostOption {
	return func(c *hostConfig) {
		c.configurer = cfg
	}
}

// WithRegistrar adds a registration hook run after the host's command table.
func WithRegistrar(r lifecycle.Registrar) HostOption {
	return func(c *hostConfig) {
		c.registrar = r
	}
}

// WithAdmission restricts which module paths the host manages.
func WithAdmission(a *Admission) HostOption {
	return func(c *hostConfig) {
		c.admission = a
	}
}

// WithRetry sets the retry policy for loads failing on module I/O.
func WithRetry(p RetryPolicy) HostOption {
	return func(c *hostConfig) {
		c.retry = p
	}
}

// WithWatchFunc replaces the file watcher of every record.
func WithWatchFunc(fn lifecycle.WatchFunc) HostOption {
	return func(c *hostConfig) {
		c.watch = fn
	}
}

// WithWatchHub makes every record watch its module directory through hub.
// The caller keeps ownership of hub and closes it after Shutdown.
func WithWatchHub(hub *watch.Hub) HostOption {
	return func(c *hostConfig) {
		c.watch = lifecycle.FileWatch(hub)
	}
}

// WithListener adds a listener for lifecycle events of every record.
func WithListener(l lifecycle.Listener) HostOption {
	return func(c *hostConfig) {
		if l != nil {
			c.listeners = append(c.listeners, l)
		}
	}
}

// WithFanoutTimeout bounds each announcer and publisher call. Default: 5s
func WithFanoutTimeout(d time.Duration) HostOption {
	return func(c *hostConfig) {
		c.fanoutTimeout = d
	}
}
