package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/watch"
)

// GoLoaderOption configures a GoLoader.
type GoLoaderOption func(*GoLoader)

// WithShadowDir sets where module files are copied before they are opened.
// Defaults to a directory under os.TempDir().
func WithShadowDir(dir string) GoLoaderOption {
	return func(l *GoLoader) {
		l.shadowDir = dir
	}
}

// WithLoaderLogger sets the loader's logger.
func WithLoaderLogger(logger *slog.Logger) GoLoaderOption {
	return func(l *GoLoader) {
		l.logger = logger
	}
}

// WithWatchHub makes reload watches subscribe to hub instead of opening a
// watcher per handle.
func WithWatchHub(hub *watch.Hub) GoLoaderOption {
	return func(l *GoLoader) {
		l.hub = hub
	}
}

// WithReloadDebounce sets how long a module file must be quiet before a reload
// is triggered. Defaults to 500ms.
func WithReloadDebounce(d time.Duration) GoLoaderOption {
	return func(l *GoLoader) {
		l.debounce = d
	}
}

// GoLoader loads Go plugins (-buildmode=plugin).
//
// A module exports its entry as a package-level variable named after the
// capability:
//
//	var Plugin = module.Entry{
//	    TypeName:       "greeter",
//	    MinimumVersion: 3,
//	    New:            func() (plugin.Plugin, error) { return &Greeter{}, nil },
//	}
//
// The file is copied to a uniquely named shadow path before opening so the original
// can be rebuilt in place. The Go runtime never unmaps plugin code: Dispose only
// retires the handle and removes the shadow copy. Every rebuild must use a distinct
// -pluginpath, otherwise the runtime refuses to open it a second time.
type GoLoader struct {
	shadowDir string
	logger    *slog.Logger
	debounce  time.Duration
	hub       *watch.Hub

	generation atomic.Uint64
}

type goHandle struct {
	path       string
	shadow     string
	generation uint64
	plug       *goplugin.Plugin
	scope      *Scope

	mu       sync.Mutex
	disposed bool
	watcher  io.Closer
}

func (h *goHandle) Path() string       { return h.path }
func (h *goHandle) Generation() uint64 { return h.generation }

// NewGoLoader creates a GoLoader.
func NewGoLoader(opts ...GoLoaderOption) *GoLoader {
	l := &GoLoader{
		shadowDir: filepath.Join(os.TempDir(), "pluginhost-shadow"),
		logger:    slog.Default(),
		debounce:  500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Load implements Loader.
func (l *GoLoader) Load(ctx context.Context, path string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	shadow, err := l.shadowCopy(path)
	if err != nil {
		return nil, err
	}

	p, err := goplugin.Open(shadow)
	if err != nil {
		_ = os.Remove(shadow)
		return nil, fmt.Errorf("open module %s: %w", path, err)
	}

	return &goHandle{
		path:       filepath.Clean(path),
		shadow:     shadow,
		generation: l.generation.Add(1),
		plug:       p,
		scope:      NewScope(),
	}, nil
}

func (l *GoLoader) shadowCopy(path string) (string, error) {
	if err := os.MkdirAll(l.shadowDir, 0o755); err != nil {
		return "", fmt.Errorf("create shadow dir: %w", err)
	}

	src, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer src.Close()

	shadow := filepath.Join(l.shadowDir, uuid.New().String()+filepath.Ext(path))
	dst, err := os.OpenFile(shadow, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o755)
	if err != nil {
		return "", fmt.Errorf("create shadow copy: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		_ = os.Remove(shadow)
		return "", fmt.Errorf("copy module %s: %w", path, err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(shadow)
		return "", fmt.Errorf("copy module %s: %w", path, err)
	}
	return shadow, nil
}

func (l *GoLoader) handle(h Handle) (*goHandle, error) {
	gh, ok := h.(*goHandle)
	if !ok || gh == nil {
		return nil, ErrForeignHandle
	}
	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.disposed {
		return nil, ErrHandleDisposed
	}
	return gh, nil
}

// Resolve implements Loader. The symbol may be an Entry variable or a
// func() *Entry.
func (l *GoLoader) Resolve(h Handle, c Capability) (*Entry, error) {
	gh, err := l.handle(h)
	if err != nil {
		return nil, err
	}

	sym, err := gh.plug.Lookup(string(c))
	if err != nil {
		return nil, fmt.Errorf("module %s: %w", gh.path, err)
	}

	switch v := sym.(type) {
	case *Entry:
		return v, nil
	case func() *Entry:
		if e := v(); e != nil {
			return e, nil
		}
		return nil, fmt.Errorf("module %s: %s returned nil", gh.path, c)
	default:
		return nil, fmt.Errorf("module %s: symbol %s has type %T, want module.Entry", gh.path, c, sym)
	}
}

// Instantiate implements Loader.
func (l *GoLoader) Instantiate(e *Entry) (plugin.Plugin, error) {
	return Instantiate(e)
}

// EnableReload implements Loader. It watches the original module file and loads
// a new handle once writes have settled.
func (l *GoLoader) EnableReload(h Handle, fn ReloadFunc) error {
	gh, err := l.handle(h)
	if err != nil {
		return err
	}

	onChange := func(ev watch.Event) {
		if filepath.Clean(ev.Path) != gh.path {
			return
		}
		next, err := l.Load(context.Background(), gh.path)
		if err != nil {
			l.logger.Error("reload module failed", "path", gh.path, "error", err)
			return
		}
		fn(next)
	}
	opts := []watch.Option{
		watch.WithLogger(l.logger),
		watch.WithDebounce(l.debounce),
		watch.WithOps(watch.Create | watch.Write),
	}

	var w *watch.DirWatcher
	if l.hub != nil {
		w, err = l.hub.Watch(filepath.Dir(gh.path), filepath.Ext(gh.path), onChange, opts...)
	} else {
		w, err = watch.Open(filepath.Dir(gh.path), filepath.Ext(gh.path), onChange, opts...)
	}
	if err != nil {
		return fmt.Errorf("enable reload for %s: %w", gh.path, err)
	}

	gh.mu.Lock()
	defer gh.mu.Unlock()
	if gh.disposed {
		return errors.Join(ErrHandleDisposed, w.Close())
	}
	if gh.watcher != nil {
		_ = gh.watcher.Close()
	}
	gh.watcher = w
	return nil
}

// Dispose implements Loader. Disposing a handle twice is a no-op.
func (l *GoLoader) Dispose(h Handle) error {
	gh, ok := h.(*goHandle)
	if !ok || gh == nil {
		return ErrForeignHandle
	}

	gh.mu.Lock()
	if gh.disposed {
		gh.mu.Unlock()
		return nil
	}
	gh.disposed = true
	w := gh.watcher
	gh.watcher = nil
	gh.mu.Unlock()

	var errs []error
	if w != nil {
		errs = append(errs, w.Close())
	}
	gh.scope.Close()
	if err := os.Remove(gh.shadow); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// WithIsolationScope implements Loader.
func (l *GoLoader) WithIsolationScope(h Handle, fn func() error) error {
	gh, err := l.handle(h)
	if err != nil {
		return err
	}
	return gh.scope.Run(fn)
}
