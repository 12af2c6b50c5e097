package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/zero-day-ai/pluginhost"
	"github.com/zero-day-ai/pluginhost/config"
	"github.com/zero-day-ai/pluginhost/events"
	"github.com/zero-day-ai/pluginhost/health"
	"github.com/zero-day-ai/pluginhost/lifecycle"
	"github.com/zero-day-ai/pluginhost/module"
	"github.com/zero-day-ai/pluginhost/registry"
	"github.com/zero-day-ai/pluginhost/watch"
)

const shutdownTimeout = 30 * time.Second

func newRunCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Load the plugin directory and keep plugins in step with their files",
		Long: `Run loads every module in the plugin directory and serves until interrupted.

Rebuilding a module file hot reloads its plugin. Deleting a module file unloads
its plugin for good. On SIGINT or SIGTERM every plugin is unloaded before exit.

Example:
  pluginhost run --config /etc/pluginhost/host.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := newLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}
			return runHost(cmd.Context(), cfg, logger)
		},
	}
}

// collaborators are the optional outer services a host reports to.
type collaborators struct {
	announcer *registry.Announcer
	publisher *events.RedisPublisher
	health    *health.Server
}

func newCollaborators(cfg *config.HostConfig, logger *slog.Logger) (*collaborators, error) {
	c := &collaborators{}

	if cfg.Health != nil {
		srv, err := health.NewServer(health.Config{
			Address:     cfg.Health.Address,
			TLSCertFile: cfg.Health.TLSCertFile,
			TLSKeyFile:  cfg.Health.TLSKeyFile,
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		c.health = srv
	}

	if cfg.Registry != nil {
		client, err := registry.NewClient(registryConfig(cfg.Registry))
		if err != nil {
			c.close(logger)
			return nil, err
		}
		opts := []registry.AnnouncerOption{registry.WithAnnouncerLogger(logger)}
		if c.health != nil {
			opts = append(opts, registry.WithEndpoint(c.health.Addr().String()))
		}
		c.announcer = registry.NewAnnouncer(client, opts...)
	}

	if cfg.Events != nil {
		pub, err := events.NewRedisPublisher(events.RedisOptions{
			Addr:     cfg.Events.Addr,
			Password: cfg.Events.Password,
			DB:       cfg.Events.DB,
			Prefix:   cfg.Events.GetPrefix(),
		})
		if err != nil {
			c.close(logger)
			return nil, err
		}
		c.publisher = pub
	}

	return c, nil
}

func (c *collaborators) options() []pluginhost.HostOption {
	var opts []pluginhost.HostOption
	if c.announcer != nil {
		opts = append(opts, pluginhost.WithAnnouncer(c.announcer))
	}
	if c.publisher != nil {
		opts = append(opts, pluginhost.WithPublisher(c.publisher))
	}
	if c.health != nil {
		opts = append(opts, pluginhost.WithHealthReporter(c.health))
	}
	return opts
}

// close releases collaborators that were never handed to a host.
func (c *collaborators) close(logger *slog.Logger) {
	if c.announcer != nil {
		pluginhost.CloseWithLog(c.announcer, logger, "plugin announcer")
	}
	if c.publisher != nil {
		pluginhost.CloseWithLog(c.publisher, logger, "event publisher")
	}
	if c.health != nil {
		c.health.GracefulStop()
	}
}

func hostOptions(cfg *config.HostConfig, logger *slog.Logger) ([]pluginhost.HostOption, error) {
	opts := []pluginhost.HostOption{
		pluginhost.WithLogger(logger),
		pluginhost.WithCapability(module.Capability(cfg.GetCapability())),
		pluginhost.WithExtension(cfg.GetExtension()),
		pluginhost.WithConfigurer(config.NewConfigurer(cfg.GetConfigsDir(), config.WithConfigurerLogger(logger))),
		pluginhost.WithRetry(pluginhost.RetryPolicy{
			InitialInterval: cfg.Retry.GetInitialInterval(),
			MaxInterval:     cfg.Retry.GetMaxInterval(),
			MaxElapsed:      cfg.Retry.GetMaxElapsed(),
		}),
		pluginhost.WithTracer(otel.Tracer(lifecycle.InstrumentationName)),
		pluginhost.WithMeterProvider(otel.GetMeterProvider()),
	}
	if cfg.HostVersion > 0 {
		opts = append(opts, pluginhost.WithHostVersion(cfg.HostVersion))
	}
	if cfg.Admission != "" {
		adm, err := pluginhost.NewAdmission(cfg.Admission)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pluginhost.WithAdmission(adm))
	}
	return opts, nil
}

func runHost(ctx context.Context, cfg *config.HostConfig, logger *slog.Logger) error {
	shutdownTracing, err := setupTracing(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("failed to flush traces", "error", err)
		}
	}()

	opts, err := hostOptions(cfg, logger)
	if err != nil {
		return err
	}
	// One inotify instance serves every delete and reload watch of the process.
	hub, err := watch.NewHub(logger)
	if err != nil {
		return err
	}
	defer pluginhost.CloseWithLog(hub, logger, "file watch hub")

	collab, err := newCollaborators(cfg, logger)
	if err != nil {
		return err
	}
	opts = append(opts, collab.options()...)
	opts = append(opts, pluginhost.WithWatchHub(hub))

	loaderOpts := []module.GoLoaderOption{
		module.WithLoaderLogger(logger),
		module.WithReloadDebounce(cfg.GetReloadDebounce()),
		module.WithWatchHub(hub),
	}
	if cfg.ShadowDir != "" {
		loaderOpts = append(loaderOpts, module.WithShadowDir(cfg.ShadowDir))
	}

	host, err := pluginhost.NewHost(module.NewGoLoader(loaderOpts...), opts...)
	if err != nil {
		collab.close(logger)
		return err
	}

	// The health server outlives ctx so it reports the unloads of the shutdown.
	serveErr := make(chan error, 1)
	if collab.health != nil {
		go func() {
			serveErr <- collab.health.Serve(context.WithoutCancel(ctx))
		}()
		logger.Info("health server listening", "address", collab.health.Addr().String())
	}

	records, err := host.LoadDir(ctx, cfg.GetPluginDir())
	if err != nil {
		logger.Error("some plugins failed to load", "error", err)
	}
	logger.Info("plugin host started",
		"plugin_dir", cfg.GetPluginDir(),
		"loaded", len(records),
		"managed", len(host.List()),
	)

	ticker := time.NewTicker(cfg.Health.GetInterval())
	defer ticker.Stop()

	var runErr error
loop:
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutdown signal received")
			break loop
		case err := <-serveErr:
			if err != nil {
				runErr = fmt.Errorf("health server: %w", err)
				break loop
			}
			serveErr = nil
		case <-ticker.C:
			host.RefreshHealth(ctx)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := host.Shutdown(sctx); err != nil {
		logger.Error("plugin host shutdown incomplete", "error", err)
		runErr = errors.Join(runErr, err)
	}
	if collab.health != nil {
		collab.health.GracefulStop()
	}
	logger.Info("plugin host stopped")
	return runErr
}
