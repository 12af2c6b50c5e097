// Package module defines how the host gets code for a plugin: loading a module file,
// resolving its entry type, constructing instances and disposing the code again.
//
// Two loaders are provided. Table serves modules registered in-process and is what
// statically linked builds and tests use. GoLoader opens Go plugin files built with
// -buildmode=plugin.
package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// Capability names the entry a module exports for the host.
type Capability string

// DefaultCapability is the entry name looked up when the host is not configured otherwise.
const DefaultCapability Capability = "Plugin"

// Entry describes the type a module exposes for a capability.
type Entry struct {
	// TypeName identifies the entry type in logs.
	TypeName string

	// MinimumVersion is the lowest host version the module supports. 0 means none declared.
	MinimumVersion int

	// New constructs a fresh instance.
	New func() (plugin.Plugin, error)
}

// Handle is one loaded copy of a module's code.
// A handle is owned by exactly one record at a time and is disposed exactly once.
type Handle interface {
	// Path returns the module file the handle was loaded from.
	Path() string

	// Generation increases every time new code is loaded for the same path.
	Generation() uint64
}

// ReloadFunc receives a freshly loaded handle after the module's code changed.
// It is called from the loader's own goroutine and must return quickly.
type ReloadFunc func(newHandle Handle)

// Loader loads module code and manages handles.
type Loader interface {
	// Load reads the module at path.
	Load(ctx context.Context, path string) (Handle, error)

	// Resolve returns the entry h exports for c.
	Resolve(h Handle, c Capability) (*Entry, error)

	// Instantiate constructs an instance of e.
	Instantiate(e *Entry) (plugin.Plugin, error)

	// EnableReload arranges for fn to be called with a new handle whenever the
	// code behind h changes.
	EnableReload(h Handle, fn ReloadFunc) error

	// Dispose releases h. Every instance created from h must be disposed first.
	Dispose(h Handle) error

	// WithIsolationScope runs fn while h's code is pinned.
	WithIsolationScope(h Handle, fn func() error) error
}

var (
	// ErrModuleNotFound is returned by Load when no module exists at a path.
	ErrModuleNotFound = errors.New("module not found")

	// ErrHandleDisposed is returned when a disposed handle is used.
	ErrHandleDisposed = errors.New("module handle disposed")

	// ErrForeignHandle is returned when a handle is passed to a loader that did not create it.
	ErrForeignHandle = errors.New("handle not created by this loader")
)

// Instantiate calls e.New, turning a panic or a nil instance into an error.
func Instantiate(e *Entry) (p plugin.Plugin, err error) {
	if e == nil || e.New == nil {
		return nil, errors.New("entry has no constructor")
	}

	defer func() {
		if r := recover(); r != nil {
			p = nil
			err = fmt.Errorf("constructor of %s panicked: %v", e.TypeName, r)
		}
	}()

	p, err = e.New()
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("constructor of %s returned nil", e.TypeName)
	}
	return p, nil
}
