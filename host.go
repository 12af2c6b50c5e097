package pluginhost

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/zero-day-ai/pluginhost/lifecycle"
	"github.com/zero-day-ai/pluginhost/module"
	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/pluginerr"
)

// Host manages the plugin records of one process. It assigns plugin ids, keeps
// one record per module path, and forwards lifecycle events to the announcer,
// the publisher and the health reporter.
//
// Thread-safety: All methods are safe for concurrent use.
type Host struct {
	loader   module.Loader
	cfg      hostConfig
	logger   *slog.Logger
	commands *CommandTable

	mu      sync.RWMutex
	nextID  int
	records map[int]*lifecycle.Record
	byPath  cmap.ConcurrentMap[string, *lifecycle.Record]
	closed  bool
}

// NewHost creates a host loading modules through loader.
func NewHost(loader module.Loader, opts ...HostOption) (*Host, error) {
	if loader == nil {
		return nil, errors.New("module loader is required")
	}

	cfg := hostConfig{
		logger:        slog.Default(),
		capability:    module.DefaultCapability,
		extension:     ".so",
		retry:         DefaultRetryPolicy,
		fanoutTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.hostVersion != nil && *cfg.hostVersion < 0 {
		return nil, fmt.Errorf("host version cannot be negative: %d", *cfg.hostVersion)
	}

	return &Host{
		loader:   loader,
		cfg:      cfg,
		logger:   cfg.logger,
		commands: NewCommandTable(),
		records:  make(map[int]*lifecycle.Record),
		byPath:   cmap.New[*lifecycle.Record](),
	}, nil
}

// Commands returns the table of commands declared by loaded plugins.
func (h *Host) Commands() *CommandTable {
	return h.commands
}

// Add creates a record for the module at path without loading it.
func (h *Host) Add(ctx context.Context, path string) (*lifecycle.Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if h.cfg.admission != nil {
		ok, err := h.cfg.admission.Allow(abs)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s (policy %s)", ErrAdmissionDenied, abs, h.cfg.admission)
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHostClosed
	}
	if _, ok := h.byPath.Get(abs); ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyManaged, abs)
	}

	id := h.nextID + 1
	rec, err := lifecycle.New(abs, id, h.loader, h.recordOptions()...)
	if err != nil {
		return nil, err
	}
	h.nextID = id
	h.records[id] = rec
	h.byPath.Set(abs, rec)

	h.logger.Debug("plugin record added", "plugin_id", id, "path", abs)
	return rec, nil
}

func (h *Host) recordOptions() []lifecycle.Option {
	opts := []lifecycle.Option{
		lifecycle.WithLogger(h.logger),
		lifecycle.WithCapability(h.cfg.capability),
		lifecycle.WithRegistrar(h.registrar()),
		lifecycle.WithListener(h.onEvent),
	}
	if h.cfg.hostVersion != nil {
		opts = append(opts, lifecycle.WithHostVersion(*h.cfg.hostVersion))
	}
	if h.cfg.configurer != nil {
		opts = append(opts, lifecycle.WithConfigurer(h.cfg.configurer))
	}
	if h.cfg.watch != nil {
		opts = append(opts, lifecycle.WithWatchFunc(h.cfg.watch))
	}
	if h.cfg.tracer != nil {
		opts = append(opts, lifecycle.WithTracer(h.cfg.tracer))
	}
	if h.cfg.meterProvider != nil {
		opts = append(opts, lifecycle.WithMeter(h.cfg.meterProvider.Meter(lifecycle.InstrumentationName)))
	}
	for _, l := range h.cfg.listeners {
		opts = append(opts, lifecycle.WithListener(l))
	}
	return opts
}

func (h *Host) registrar() lifecycle.Registrar {
	if h.cfg.registrar == nil {
		return h.commands
	}
	return registrars{h.commands, h.cfg.registrar}
}

// Load adds the module at path, or reuses its record, and loads it. Loads failing
// on module I/O are retried with exponential backoff; other failures return at once.
func (h *Host) Load(ctx context.Context, path string) (*lifecycle.Record, error) {
	rec, err := h.Add(ctx, path)
	if errors.Is(err, ErrAlreadyManaged) {
		rec, err = h.Lookup(path)
	}
	if err != nil {
		return nil, err
	}

	attempt := 0
	op := func() error {
		attempt++
		err := rec.Load(ctx, false)
		if err == nil || errors.Is(err, pluginerr.ErrLoaderIO) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, next time.Duration) {
		h.logger.Warn("plugin load failed, retrying",
			"plugin_id", rec.PluginID(),
			"path", rec.PluginPath(),
			"attempt", attempt,
			"retry_in", next,
			"error", err,
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(h.newBackOff(), ctx), notify); err != nil {
		return rec, err
	}
	return rec, nil
}

func (h *Host) newBackOff() backoff.BackOff {
	p := h.cfg.retry
	if p.MaxElapsed <= 0 {
		return &backoff.StopBackOff{}
	}
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	b.Reset()
	return b
}

// LoadDir loads every module in dir with the configured extension, in name order.
// Paths rejected by the admission policy are skipped. Failures are joined.
func (h *Host) LoadDir(ctx context.Context, dir string) ([]*lifecycle.Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read plugin dir %s: %w", dir, err)
	}

	var (
		loaded []*lifecycle.Record
		errs   []error
	)
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != h.cfg.extension {
			continue
		}
		path := filepath.Join(dir, e.Name())

		rec, err := h.Load(ctx, path)
		switch {
		case err == nil:
			loaded = append(loaded, rec)
		case errors.Is(err, ErrAdmissionDenied):
			h.logger.Info("plugin skipped by admission policy", "path", path)
		default:
			h.logger.Error("plugin load failed", "path", path, "error", err)
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return loaded, errors.Join(errs...)
}

// Unload unloads a plugin for good. Its record is dropped from the host.
func (h *Host) Unload(ctx context.Context, id int) error {
	rec, ok := h.Get(id)
	if !ok {
		return fmt.Errorf("%w: id %d", ErrPluginNotFound, id)
	}
	if rec.State() != lifecycle.Loaded {
		err := rec.Close(ctx)
		h.forget(rec)
		if h.cfg.health != nil {
			h.cfg.health.Forget(id)
		}
		return err
	}
	return rec.Unload(ctx, false)
}

// Invoke runs a plugin command inside its plugin's execution context, so it never
// overlaps an unload or reload of that plugin.
func (h *Host) Invoke(ctx context.Context, name string, args []string) (string, error) {
	cmd, id, ok := h.commands.Lookup(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCommandNotFound, name)
	}
	rec, ok := h.Get(id)
	if !ok {
		return "", fmt.Errorf("%w: id %d", ErrPluginNotFound, id)
	}

	var out string
	err := rec.Do(ctx, func(plugin.Plugin) error {
		var err error
		out, err = cmd.Handler(ctx, args)
		return err
	})
	return out, err
}

// Get returns the record with the given id.
func (h *Host) Get(id int) (*lifecycle.Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rec, ok := h.records[id]
	return rec, ok
}

// Lookup returns the record managing path.
func (h *Host) Lookup(path string) (*lifecycle.Record, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	rec, ok := h.byPath.Get(abs)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, abs)
	}
	return rec, nil
}

// List returns every managed record ordered by id.
func (h *Host) List() []*lifecycle.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*lifecycle.Record, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID() < out[j].PluginID() })
	return out
}

// RefreshHealth asks every loaded plugin for its health and reports it.
func (h *Host) RefreshHealth(ctx context.Context) {
	if h.cfg.health == nil {
		return
	}
	for _, rec := range h.List() {
		if rec.State() != lifecycle.Loaded {
			continue
		}
		h.cfg.health.Report(rec.PluginID(), rec.Health(ctx))
	}
}

// Shutdown closes every record, then the announcer and the publisher.
// Calling it again returns nil.
func (h *Host) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	var errs []error
	for _, rec := range h.List() {
		if err := rec.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close plugin %d: %w", rec.PluginID(), err))
		}
		h.forget(rec)
	}

	if h.cfg.announcer != nil {
		CloseWithLog(h.cfg.announcer, h.logger, "plugin announcer")
	}
	if h.cfg.publisher != nil {
		CloseWithLog(h.cfg.publisher, h.logger, "event publisher")
	}
	return errors.Join(errs...)
}

// forget drops a torn-down record so its path can be managed again.
func (h *Host) forget(rec *lifecycle.Record) {
	h.mu.Lock()
	if cur, ok := h.records[rec.PluginID()]; ok && cur == rec {
		delete(h.records, rec.PluginID())
	}
	h.mu.Unlock()

	h.byPath.RemoveCb(rec.PluginPath(), func(_ string, cur *lifecycle.Record, exists bool) bool {
		return exists && cur == rec
	})
}

// onEvent fans a lifecycle event out to the host's collaborators. It runs on the
// record's execution context, so it must not call back into the record.
func (h *Host) onEvent(ev lifecycle.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.fanoutTimeout)
	defer cancel()

	logger := h.logger.With("plugin_id", ev.PluginID, "event", ev.Type, "op", ev.Op)

	switch ev.Type {
	case lifecycle.EventLoaded:
		if h.cfg.announcer != nil {
			if err := h.cfg.announcer.Announce(ctx, ev); err != nil {
				logger.Warn("announce failed", "error", err)
			}
		}
		if h.cfg.health != nil {
			h.cfg.health.Report(ev.PluginID, plugin.NewHealthyStatus("loaded"))
		}

	case lifecycle.EventUnloaded:
		if h.cfg.announcer != nil {
			if err := h.cfg.announcer.Withdraw(ctx, ev); err != nil {
				logger.Warn("withdraw failed", "error", err)
			}
		}
		if h.cfg.health != nil {
			if ev.Final {
				h.cfg.health.Forget(ev.PluginID)
			} else {
				h.cfg.health.Report(ev.PluginID, plugin.NewUnhealthyStatus("unloaded", map[string]any{"op": ev.Op}))
			}
		}

	case lifecycle.EventFailed:
		if h.cfg.health != nil && !ev.Final {
			msg := "failed"
			if ev.Err != nil {
				msg = ev.Err.Error()
			}
			h.cfg.health.Report(ev.PluginID, plugin.NewUnhealthyStatus(msg, map[string]any{"op": ev.Op}))
		}
	}

	if h.cfg.publisher != nil {
		if err := h.cfg.publisher.Publish(ctx, ev); err != nil {
			logger.Warn("publish failed", "error", err)
		}
	}

	if ev.Type == lifecycle.EventUnloaded && ev.Final {
		if rec, ok := h.Get(ev.PluginID); ok {
			h.forget(rec)
		}
	}
}

// registrars runs several registration hooks in order and undoes them in reverse.
type registrars []lifecycle.Registrar

func (rs registrars) Register(ctx context.Context, id int, p plugin.Plugin) error {
	for i, r := range rs {
		if err := r.Register(ctx, id, p); err != nil {
			for j := i - 1; j >= 0; j-- {
				_ = rs[j].Unregister(ctx, id, p)
			}
			return err
		}
	}
	return nil
}

func (rs registrars) Unregister(ctx context.Context, id int, p plugin.Plugin) error {
	var errs []error
	for i := len(rs) - 1; i >= 0; i-- {
		if err := rs[i].Unregister(ctx, id, p); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
