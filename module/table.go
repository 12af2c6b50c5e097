package module

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// TableOption configures a Table.
type TableOption func(*Table)

// WithTableLogger sets the table's logger.
func WithTableLogger(logger *slog.Logger) TableOption {
	return func(t *Table) {
		t.logger = logger
	}
}

// Table is a Loader over modules registered in-process by path.
// Replace swaps a module's entries and notifies handles armed with EnableReload,
// the same way a file change does for GoLoader.
type Table struct {
	mu      sync.Mutex
	logger  *slog.Logger
	modules map[string]*tableModule
	live    map[*tableHandle]struct{}
}

type tableModule struct {
	generation uint64
	entries    map[Capability]*Entry
}

type tableHandle struct {
	path       string
	generation uint64
	entries    map[Capability]*Entry
	scope      *Scope

	// guarded by Table.mu
	disposed bool
	reload   ReloadFunc
}

func (h *tableHandle) Path() string       { return h.path }
func (h *tableHandle) Generation() uint64 { return h.generation }

// NewTable creates an empty table.
func NewTable(opts ...TableOption) *Table {
	t := &Table{
		logger:  slog.Default(),
		modules: make(map[string]*tableModule),
		live:    make(map[*tableHandle]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Register adds entry under capability c for the module at path.
// Registering a capability twice for the same path is an error; use Replace.
func (t *Table) Register(path string, c Capability, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("register %s: entry is nil", path)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.modules[path]
	if !ok {
		m = &tableModule{generation: 1, entries: make(map[Capability]*Entry)}
		t.modules[path] = m
	}
	if _, exists := m.entries[c]; exists {
		return fmt.Errorf("register %s: capability %s already registered", path, c)
	}
	m.entries[c] = entry
	return nil
}

// RegisterFunc registers a constructor with no declared minimum host version.
func (t *Table) RegisterFunc(path string, newFn func() (plugin.Plugin, error)) error {
	return t.Register(path, DefaultCapability, &Entry{TypeName: path, New: newFn})
}

// Replace swaps the entry for capability c, bumps the module's generation and
// delivers a new handle to every live handle of the module armed for reload.
func (t *Table) Replace(path string, c Capability, entry *Entry) error {
	if entry == nil {
		return fmt.Errorf("replace %s: entry is nil", path)
	}

	t.mu.Lock()
	m, ok := t.modules[path]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("replace %s: %w", path, ErrModuleNotFound)
	}
	m.generation++
	m.entries[c] = entry

	type notification struct {
		fn ReloadFunc
		h  *tableHandle
	}
	var notify []notification
	for h := range t.live {
		if h.path != path || h.reload == nil {
			continue
		}
		notify = append(notify, notification{fn: h.reload, h: t.newHandleLocked(path, m)})
	}
	t.mu.Unlock()

	for _, n := range notify {
		t.logger.Debug("module replaced", "path", path, "generation", n.h.generation)
		n.fn(n.h)
	}
	return nil
}

// Remove forgets the module at path. Existing handles stay valid until disposed.
func (t *Table) Remove(path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.modules, path)
}

// Live returns the number of handles that have not been disposed.
func (t *Table) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live)
}

func (t *Table) newHandleLocked(path string, m *tableModule) *tableHandle {
	entries := make(map[Capability]*Entry, len(m.entries))
	for c, e := range m.entries {
		entries[c] = e
	}
	h := &tableHandle{
		path:       path,
		generation: m.generation,
		entries:    entries,
		scope:      NewScope(),
	}
	t.live[h] = struct{}{}
	return h
}

// Load implements Loader.
func (t *Table) Load(ctx context.Context, path string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.modules[path]
	if !ok {
		return nil, &fs.PathError{Op: "load", Path: path, Err: ErrModuleNotFound}
	}
	return t.newHandleLocked(path, m), nil
}

func (t *Table) handle(h Handle) (*tableHandle, error) {
	th, ok := h.(*tableHandle)
	if !ok || th == nil {
		return nil, ErrForeignHandle
	}
	return th, nil
}

// Resolve implements Loader.
func (t *Table) Resolve(h Handle, c Capability) (*Entry, error) {
	th, err := t.handle(h)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	disposed := th.disposed
	t.mu.Unlock()
	if disposed {
		return nil, ErrHandleDisposed
	}

	e, ok := th.entries[c]
	if !ok {
		return nil, fmt.Errorf("module %s exports no %s", th.path, c)
	}
	return e, nil
}

// Instantiate implements Loader.
func (t *Table) Instantiate(e *Entry) (plugin.Plugin, error) {
	return Instantiate(e)
}

// EnableReload implements Loader.
func (t *Table) EnableReload(h Handle, fn ReloadFunc) error {
	th, err := t.handle(h)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if th.disposed {
		return ErrHandleDisposed
	}
	th.reload = fn
	return nil
}

// Dispose implements Loader. Disposing a handle twice is a no-op.
func (t *Table) Dispose(h Handle) error {
	th, err := t.handle(h)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if th.disposed {
		t.mu.Unlock()
		return nil
	}
	th.disposed = true
	th.reload = nil
	delete(t.live, th)
	t.mu.Unlock()

	th.scope.Close()
	return nil
}

// WithIsolationScope implements Loader.
func (t *Table) WithIsolationScope(h Handle, fn func() error) error {
	th, err := t.handle(h)
	if err != nil {
		return err
	}
	return th.scope.Run(fn)
}
