// Package pluginerr defines the error taxonomy surfaced by plugin lifecycle operations.
//
// Every failure of a load, unload or reload is reported as an *Error carrying the
// operation, the plugin path and a Kind. Errors match the sentinel of their kind with
// errors.Is, so callers can branch without unpacking:
//
//	if errors.Is(err, pluginerr.ErrIncompatibleVersion) {
//	    // leave the plugin unloaded and tell the operator
//	}
package pluginerr

import (
	"errors"
	"fmt"
)

// Kind categorizes lifecycle errors.
type Kind string

const (
	// KindEntryNotFound means the module exports no type implementing the capability.
	KindEntryNotFound Kind = "entry_not_found"

	// KindIncompatibleVersion means the module requires a newer host.
	KindIncompatibleVersion Kind = "incompatible_version"

	// KindInstantiation means the entry type could not be constructed.
	KindInstantiation Kind = "instantiation"

	// KindHook means a plugin hook or a host collaborator hook failed.
	KindHook Kind = "hook"

	// KindLoaderIO means the module file could not be read or was corrupt.
	KindLoaderIO Kind = "loader_io"

	// KindInvalidState means the operation is not allowed in the record's current state.
	KindInvalidState Kind = "invalid_state"
)

// Sentinel errors, one per kind. An *Error matches the sentinel of its Kind.
var (
	ErrEntryNotFound       = errors.New("entry not found")
	ErrIncompatibleVersion = errors.New("incompatible version")
	ErrInstantiation       = errors.New("instantiation error")
	ErrHookFailure         = errors.New("hook failure")
	ErrLoaderIO            = errors.New("loader io failure")
	ErrInvalidState        = errors.New("invalid state")

	// ErrDisposed is returned when a record has already been torn down.
	ErrDisposed = fmt.Errorf("%w: plugin record disposed", ErrInvalidState)

	// ErrNotLoaded is returned when an operation needs a loaded instance.
	ErrNotLoaded = fmt.Errorf("%w: plugin not loaded", ErrInvalidState)
)

var sentinels = map[Kind]error{
	KindEntryNotFound:       ErrEntryNotFound,
	KindIncompatibleVersion: ErrIncompatibleVersion,
	KindInstantiation:       ErrInstantiation,
	KindHook:                ErrHookFailure,
	KindLoaderIO:            ErrLoaderIO,
	KindInvalidState:        ErrInvalidState,
}

// Error is a structured lifecycle error.
type Error struct {
	// Op is the lifecycle operation that failed (e.g. "load", "unload", "reload").
	Op string

	// Kind categorizes the failure.
	Kind Kind

	// Path is the module path of the plugin record, if known.
	Path string

	// Err is the underlying cause.
	Err error
}

// New creates an *Error.
func New(op string, kind Kind, path string, err error) *Error {
	return &Error{
		Op:   op,
		Kind: kind,
		Path: path,
		Err:  err,
	}
}

// Error formats the error as "plugin: op (kind) path: cause".
func (e *Error) Error() string {
	msg := fmt.Sprintf("plugin: %s (%s)", e.Op, e.Kind)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind, or another *Error with the same Kind
// (and the same Op when the target sets one).
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	if s, ok := sentinels[e.Kind]; ok && s == target {
		return true
	}

	if t, ok := target.(*Error); ok {
		if t.Kind != "" && t.Kind == e.Kind {
			return t.Op == "" || t.Op == e.Op
		}
	}

	return false
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if there is none.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	for kind, s := range sentinels {
		if errors.Is(err, s) {
			return kind
		}
	}
	return ""
}

// Wrap returns err unchanged when it is nil, otherwise an *Error of the given kind.
func Wrap(op string, kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	return New(op, kind, path, err)
}
