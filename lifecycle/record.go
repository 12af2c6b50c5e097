// Package lifecycle manages one logical plugin: loading its module, gating its
// version, driving its instance through load and unload, hot reloading it when the
// module's code changes and tearing it down when the module file is deleted.
//
// Every mutation of a Record runs on the record's own goroutine, fed by a FIFO
// mailbox. Explicit calls (Load, Unload, Close, Do) enqueue a command and wait for
// its result. File deletions and loader reload notifications enqueue and return at
// once, so a slow plugin hook never blocks the watcher or the loader.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/zero-day-ai/pluginhost/module"
	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/pluginerr"
	"github.com/zero-day-ai/pluginhost/version"
	"github.com/zero-day-ai/pluginhost/watch"
)

// command is a unit of work for the record's goroutine.
type command struct {
	op   string
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error // nil for notifications
}

// Record is the lifecycle manager of one logical plugin.
type Record struct {
	id     int
	path   string
	loader module.Loader
	logger *slog.Logger

	hostVersion int
	capability  module.Capability
	registrar   Registrar
	configurer  Configurer
	listeners   []Listener
	telemetry   *telemetry

	// Owned by the record's goroutine.
	instance plugin.Plugin
	handle   module.Handle
	pending  module.Handle
	watcher  io.Closer

	// Snapshot served to readers.
	mu         sync.RWMutex
	state      State
	disposed   bool
	metadata   *plugin.Metadata
	instanceID string

	mailbox *queue.Queue
	closeMu sync.Mutex
	closed  bool
	stopped chan struct{}
}

// New creates a record for the module at path in state Unloaded and subscribes to
// deletions in the module's directory. Nothing is loaded. The path is kept in
// cleaned form.
func New(path string, id int, loader module.Loader, opts ...Option) (*Record, error) {
	if path == "" {
		return nil, errors.New("plugin path is required")
	}
	path = filepath.Clean(path)
	if loader == nil {
		return nil, errors.New("module loader is required")
	}

	o := options{
		logger:     slog.Default(),
		capability: module.DefaultCapability,
	}
	for _, opt := range opts {
		opt(&o)
	}

	hostVersion := version.Current()
	if o.hostVersion != nil {
		hostVersion = *o.hostVersion
	}
	if hostVersion < 0 {
		return nil, fmt.Errorf("host version cannot be negative: %d", hostVersion)
	}

	if o.tracer == nil {
		o.tracer = otel.Tracer(InstrumentationName)
	}
	if o.meter == nil {
		o.meter = otel.Meter(InstrumentationName)
	}
	tel, err := newTelemetry(o.tracer, o.meter)
	if err != nil {
		return nil, err
	}

	if o.watch == nil {
		o.watch = FileWatch(nil, watch.WithLogger(o.logger))
	}

	r := &Record{
		id:          id,
		path:        path,
		loader:      loader,
		logger:      o.logger.With("plugin_id", id, "path", path),
		hostVersion: hostVersion,
		capability:  o.capability,
		registrar:   o.registrar,
		configurer:  o.configurer,
		listeners:   o.listeners,
		telemetry:   tel,
		state:       Unloaded,
		mailbox:     queue.New(8),
		stopped:     make(chan struct{}),
	}

	w, err := o.watch(filepath.Dir(path), filepath.Ext(path), r.onFileDeleted)
	if err != nil {
		return nil, fmt.Errorf("watch %s: %w", path, err)
	}
	r.watcher = w

	go r.run()
	return r, nil
}

// PluginID returns the host-assigned id.
func (r *Record) PluginID() int { return r.id }

// PluginPath returns the module path.
func (r *Record) PluginPath() string { return r.path }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Disposed reports whether the record has been torn down for good.
func (r *Record) Disposed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disposed
}

// Metadata returns a copy of the loaded instance's metadata, or nil when no
// instance is loaded.
func (r *Record) Metadata() *plugin.Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.metadata == nil {
		return nil
	}
	md := *r.metadata
	return &md
}

// Name returns the loaded instance's name; ok is false when nothing is loaded.
func (r *Record) Name() (name string, ok bool) {
	if md := r.Metadata(); md != nil {
		return md.Name, true
	}
	return "", false
}

// Version returns the loaded instance's version; ok is false when nothing is loaded.
func (r *Record) Version() (v string, ok bool) {
	if md := r.Metadata(); md != nil {
		return md.Version, true
	}
	return "", false
}

// Description returns the loaded instance's description; ok is false when nothing is loaded.
func (r *Record) Description() (desc string, ok bool) {
	if md := r.Metadata(); md != nil {
		return md.Description, true
	}
	return "", false
}

// Author returns the loaded instance's author; ok is false when nothing is loaded.
func (r *Record) Author() (author string, ok bool) {
	if md := r.Metadata(); md != nil {
		return md.Author, true
	}
	return "", false
}

// InstanceID identifies the current instance. Every successful load, including
// each hot reload, gets a new one. Empty when nothing is loaded.
func (r *Record) InstanceID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instanceID
}

// Done is closed once the record has been torn down and its goroutine has exited.
func (r *Record) Done() <-chan struct{} {
	return r.stopped
}

// Load loads the module and its instance. The record must be Unloaded and not
// torn down. A handle kept by a previous hot unload is reused.
func (r *Record) Load(ctx context.Context, hotReload bool) error {
	return r.call(ctx, "load", func(ctx context.Context) error {
		return r.execLoad(ctx, hotReload)
	})
}

// Unload unloads the instance. With hotReload false this is the final teardown:
// the module handle and the file watch are released and the record is never
// loaded again. With hotReload true the handle is kept for the next Load.
func (r *Record) Unload(ctx context.Context, hotReload bool) error {
	return r.call(ctx, "unload", func(ctx context.Context) error {
		return r.execUnload(ctx, "unload", hotReload)
	})
}

// Close tears the record down whatever its state. It is safe to call more than once.
func (r *Record) Close(ctx context.Context) error {
	err := r.call(ctx, "close", r.execClose)
	if errors.Is(err, pluginerr.ErrDisposed) {
		return nil
	}
	return err
}

// Do runs fn with the loaded instance on the record's goroutine. fn must not
// call back into the record.
func (r *Record) Do(ctx context.Context, fn func(p plugin.Plugin) error) error {
	return r.call(ctx, "do", func(ctx context.Context) error {
		if r.Disposed() {
			return pluginerr.New("do", pluginerr.KindInvalidState, r.path, pluginerr.ErrDisposed)
		}
		if r.instance == nil {
			return pluginerr.New("do", pluginerr.KindInvalidState, r.path, pluginerr.ErrNotLoaded)
		}
		return r.guard("do", pluginerr.KindHook, func() error { return fn(r.instance) })
	})
}

// Health asks the loaded instance for its health. Instances that do not implement
// plugin.HealthChecker are healthy while loaded.
func (r *Record) Health(ctx context.Context) plugin.HealthStatus {
	var status plugin.HealthStatus
	err := r.Do(ctx, func(p plugin.Plugin) error {
		if hc, ok := p.(plugin.HealthChecker); ok {
			status = hc.Health(ctx)
			return nil
		}
		status = plugin.NewHealthyStatus("plugin loaded")
		return nil
	})

	switch {
	case err == nil:
		return status
	case errors.Is(err, pluginerr.ErrNotLoaded), errors.Is(err, pluginerr.ErrDisposed):
		return plugin.NewUnhealthyStatus("plugin not loaded", map[string]any{"state": r.State().String()})
	default:
		return plugin.NewUnhealthyStatus(err.Error(), nil)
	}
}

// onFileDeleted is the watcher callback.
func (r *Record) onFileDeleted(path string) {
	if filepath.Clean(path) != r.path {
		return
	}
	r.notify("delete", func(ctx context.Context) error {
		if r.State() != Loaded {
			return nil
		}
		r.logger.Info("plugin file deleted, unloading")
		return r.execUnload(ctx, "delete", false)
	})
}

// onReloaded is the loader's reload callback.
func (r *Record) onReloaded(next module.Handle) {
	if !r.notify("reload", func(ctx context.Context) error {
		return r.execReload(ctx, next)
	}) {
		r.disposeHandle(next)
	}
}

// call enqueues fn and waits for its result.
func (r *Record) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	done := make(chan error, 1)
	if !r.enqueue(command{op: op, ctx: ctx, run: fn, done: done}) {
		return pluginerr.New(op, pluginerr.KindInvalidState, r.path, pluginerr.ErrDisposed)
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify enqueues fn without waiting. It reports whether fn was accepted.
func (r *Record) notify(op string, fn func(ctx context.Context) error) bool {
	return r.enqueue(command{op: op, ctx: context.Background(), run: fn})
}

func (r *Record) enqueue(cmd command) bool {
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		return false
	}
	return r.mailbox.Put(cmd) == nil
}

func (r *Record) run() {
	defer close(r.stopped)

	for {
		items, err := r.mailbox.Get(1)
		if err != nil {
			return
		}
		for _, item := range items {
			r.exec(item.(command))
		}

		if r.Disposed() {
			r.drain()
			return
		}
	}
}

// drain closes the mailbox and runs whatever was queued before it closed.
// Every remaining command observes the torn-down record.
func (r *Record) drain() {
	r.closeMu.Lock()
	r.closed = true
	r.closeMu.Unlock()

	for r.mailbox.Len() > 0 {
		items, err := r.mailbox.Get(r.mailbox.Len())
		if err != nil {
			break
		}
		for _, item := range items {
			r.exec(item.(command))
		}
	}
	r.mailbox.Dispose()
}

func (r *Record) exec(cmd command) {
	var err error
	if cerr := cmd.ctx.Err(); cerr != nil {
		err = cerr
	} else {
		err = cmd.run(cmd.ctx)
	}

	if cmd.done != nil {
		cmd.done <- err
		return
	}
	if err != nil {
		r.logger.Error("plugin notification failed", "op", cmd.op, "error", err)
	}
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = s
}

func (r *Record) execLoad(ctx context.Context, hot bool) error {
	if r.Disposed() {
		return pluginerr.New("load", pluginerr.KindInvalidState, r.path, pluginerr.ErrDisposed)
	}
	if s := r.State(); s != Unloaded {
		return pluginerr.New("load", pluginerr.KindInvalidState, r.path, fmt.Errorf("plugin is %s", s))
	}

	ctx, end := r.telemetry.start(ctx, "load", r.id, r.path, hot)
	r.setState(Loading)

	h := r.pending
	r.pending = nil
	if h == nil {
		var err error
		h, err = r.loader.Load(ctx, r.path)
		if err != nil {
			err = pluginerr.New("load", pluginerr.KindLoaderIO, r.path, err)
			r.setState(Unloaded)
			r.fail("load", hot, err)
			end(err)
			return err
		}
	}

	err := r.loadWith(ctx, "load", h, hot)
	if err != nil {
		r.setState(Unloaded)
		r.fail("load", hot, err)
	} else {
		r.setState(Loaded)
		r.emit(Event{Type: EventLoaded, Op: "load", HotReload: hot})
	}
	end(err)
	return err
}

// loadWith builds, wires and loads an instance from h. On failure everything it
// created is disposed, h included, and nothing on the record changes.
func (r *Record) loadWith(ctx context.Context, op string, h module.Handle, hot bool) error {
	var (
		inst plugin.Plugin
		md   plugin.Metadata
	)

	err := r.loader.WithIsolationScope(h, func() error {
		var entry *module.Entry
		if err := r.guard(op, pluginerr.KindEntryNotFound, func() (err error) {
			entry, err = r.loader.Resolve(h, r.capability)
			return err
		}); err != nil {
			return err
		}

		if err := version.Check(entry.MinimumVersion, r.hostVersion); err != nil {
			return pluginerr.New(op, pluginerr.KindIncompatibleVersion, r.path,
				fmt.Errorf("%s: %w", filepath.Base(r.path), err))
		}

		p, err := r.loader.Instantiate(entry)
		if err != nil {
			return pluginerr.New(op, pluginerr.KindInstantiation, r.path, err)
		}
		inst = p

		if err := r.attach(ctx, op, p, hot); err != nil {
			return err
		}

		return r.guard(op, pluginerr.KindHook, func() error {
			md = plugin.MetadataOf(p, entry.MinimumVersion)
			return nil
		})
	})

	if err != nil {
		if pluginerr.KindOf(err) == "" {
			err = pluginerr.New(op, pluginerr.KindHook, r.path, err)
		}
		if inst != nil {
			if derr := r.guard(op, pluginerr.KindHook, inst.Dispose); derr != nil {
				r.logger.Warn("dispose of partially loaded plugin failed", "error", derr)
			}
		}
		r.disposeHandle(h)
		return err
	}

	r.instance = inst
	r.handle = h
	if err := r.loader.EnableReload(h, r.onReloaded); err != nil {
		r.logger.Warn("hot reload unavailable", "error", err)
	}

	r.mu.Lock()
	r.metadata = &md
	r.instanceID = uuid.NewString()
	r.mu.Unlock()

	r.logger.Info("plugin loaded",
		"name", md.Name,
		"version", md.Version,
		"hot_reload", hot,
	)
	return nil
}

// attach wires a fresh instance to the host and runs its Load hook. On failure
// registrations made here are undone.
func (r *Record) attach(ctx context.Context, op string, p plugin.Plugin, hot bool) (err error) {
	registered := false
	defer func() {
		if rec := recover(); rec != nil {
			err = pluginerr.New(op, pluginerr.KindHook, r.path, fmt.Errorf("panic: %v", rec))
		}
		if err != nil && registered {
			if uerr := r.registrar.Unregister(ctx, r.id, p); uerr != nil {
				r.logger.Warn("unregister after failed load failed", "error", uerr)
			}
		}
	}()

	if pa, ok := p.(plugin.PathAware); ok {
		pa.SetModulePath(r.path)
	}

	if r.registrar != nil {
		if err := r.registrar.Register(ctx, r.id, p); err != nil {
			return pluginerr.New(op, pluginerr.KindHook, r.path, fmt.Errorf("register: %w", err))
		}
		registered = true
	}

	if la, ok := p.(plugin.LoggerAware); ok {
		la.SetLogger(r.logger.With("plugin", p.Name()))
	}

	if r.configurer != nil {
		if err := r.configurer.Configure(ctx, p); err != nil {
			return pluginerr.New(op, pluginerr.KindHook, r.path, fmt.Errorf("configure: %w", err))
		}
	}

	if err := p.Load(ctx, hot); err != nil {
		return pluginerr.New(op, pluginerr.KindHook, r.path, err)
	}
	return nil
}

func (r *Record) execUnload(ctx context.Context, op string, hot bool) error {
	if r.Disposed() {
		return pluginerr.New(op, pluginerr.KindInvalidState, r.path, pluginerr.ErrDisposed)
	}
	if r.State() != Loaded {
		return pluginerr.New(op, pluginerr.KindInvalidState, r.path, pluginerr.ErrNotLoaded)
	}

	ctx, end := r.telemetry.start(ctx, "unload", r.id, r.path, hot)
	r.setState(Unloading)

	md, instanceID := r.Metadata(), r.InstanceID()
	err := r.unloadInstance(ctx, op, hot)

	if hot {
		r.pending = r.handle
		r.handle = nil
	} else {
		r.teardown()
	}
	r.setState(Unloaded)

	r.emit(Event{
		Type:       EventUnloaded,
		Op:         op,
		InstanceID: instanceID,
		Metadata:   md,
		HotReload:  hot,
		Final:      !hot,
	})
	if err != nil {
		r.fail(op, hot, err)
	}
	end(err)
	return err
}

// unloadInstance runs the instance's Unload hook, removes its registrations and
// disposes it. Disposal happens even when the hook fails.
func (r *Record) unloadInstance(ctx context.Context, op string, hot bool) error {
	inst := r.instance
	var errs []error

	scopeErr := r.loader.WithIsolationScope(r.handle, func() error {
		if err := r.guard(op, pluginerr.KindHook, func() error { return inst.Unload(ctx, hot) }); err != nil {
			errs = append(errs, err)
		}

		if r.registrar != nil {
			if err := r.guard(op, pluginerr.KindHook, func() error { return r.registrar.Unregister(ctx, r.id, inst) }); err != nil {
				errs = append(errs, err)
			}
		}

		if err := r.guard(op, pluginerr.KindHook, inst.Dispose); err != nil {
			errs = append(errs, err)
		}
		return nil
	})
	if scopeErr != nil {
		errs = append(errs, pluginerr.New(op, pluginerr.KindHook, r.path, scopeErr))
	}

	r.instance = nil
	r.mu.Lock()
	r.metadata = nil
	r.instanceID = ""
	r.mu.Unlock()

	r.logger.Info("plugin unloaded", "hot_reload", hot)
	return errors.Join(errs...)
}

// teardown releases the handle, any pending handle and the file watch, and marks
// the record disposed.
func (r *Record) teardown() {
	r.disposeHandle(r.handle)
	r.handle = nil
	r.disposeHandle(r.pending)
	r.pending = nil

	if r.watcher != nil {
		if err := r.watcher.Close(); err != nil {
			r.logger.Warn("close file watch failed", "error", err)
		}
		r.watcher = nil
	}

	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
}

func (r *Record) execReload(ctx context.Context, next module.Handle) error {
	if r.Disposed() || r.State() != Loaded {
		r.logger.Debug("reload ignored", "state", r.State().String(), "disposed", r.Disposed())
		r.disposeHandle(next)
		return nil
	}

	ctx, end := r.telemetry.start(ctx, "reload", r.id, r.path, true)
	r.logger.Info("reloading plugin")
	r.setState(Reloading)

	md, instanceID := r.Metadata(), r.InstanceID()
	unloadErr := r.unloadInstance(ctx, "reload", true)
	r.disposeHandle(r.handle)
	r.handle = nil
	r.emit(Event{
		Type:       EventUnloaded,
		Op:         "reload",
		InstanceID: instanceID,
		Metadata:   md,
		HotReload:  true,
	})

	loadErr := r.loadWith(ctx, "reload", next, true)
	if loadErr != nil {
		r.setState(Unloaded)
	} else {
		r.setState(Loaded)
		r.emit(Event{Type: EventLoaded, Op: "reload", HotReload: true})
	}

	err := errors.Join(unloadErr, loadErr)
	if err != nil {
		r.fail("reload", true, err)
	}
	end(err)
	return err
}

func (r *Record) execClose(ctx context.Context) error {
	if r.Disposed() {
		return pluginerr.New("close", pluginerr.KindInvalidState, r.path, pluginerr.ErrDisposed)
	}
	if r.State() == Loaded {
		return r.execUnload(ctx, "unload", false)
	}
	r.teardown()
	return nil
}

func (r *Record) disposeHandle(h module.Handle) {
	if h == nil {
		return
	}
	if err := r.loader.Dispose(h); err != nil {
		r.logger.Warn("dispose module handle failed", "generation", h.Generation(), "error", err)
	}
}

// guard runs fn, turning a panic into an error of the given kind.
func (r *Record) guard(op string, kind pluginerr.Kind, fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = pluginerr.New(op, kind, r.path, fmt.Errorf("panic: %v", rec))
		}
	}()
	if err := fn(); err != nil {
		if pluginerr.KindOf(err) != "" {
			return err
		}
		return pluginerr.New(op, kind, r.path, err)
	}
	return nil
}

func (r *Record) fail(op string, hot bool, err error) {
	r.emit(Event{Type: EventFailed, Op: op, HotReload: hot, Final: r.Disposed(), Err: err})
}

func (r *Record) emit(ev Event) {
	ev.PluginID = r.id
	ev.Path = r.path
	ev.Time = time.Now()
	if ev.Type == EventLoaded {
		ev.Metadata = r.Metadata()
		ev.InstanceID = r.InstanceID()
	}

	for _, l := range r.listeners {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Error("lifecycle listener panicked", "event", ev.Type, "panic", rec)
				}
			}()
			l(ev)
		}()
	}
}
