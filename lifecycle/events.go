package lifecycle

import (
	"time"

	"github.com/zero-day-ai/pluginhost/plugin"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventLoaded is emitted after an instance reached Loaded.
	EventLoaded EventType = "loaded"

	// EventUnloaded is emitted after an instance was unloaded and disposed.
	EventUnloaded EventType = "unloaded"

	// EventFailed is emitted when a load, unload, reload or teardown failed.
	EventFailed EventType = "failed"
)

// Event describes a lifecycle transition of a Record.
type Event struct {
	Type     EventType
	PluginID int
	Path     string

	// InstanceID identifies the instance the event is about. Empty for failed loads.
	InstanceID string

	// Metadata is the instance's metadata; nil for failed loads.
	Metadata *plugin.Metadata

	// Op is the operation that produced the event: load, unload, reload or delete.
	Op string

	// HotReload reports whether the transition is part of a hot reload.
	HotReload bool

	// Final reports whether the record was torn down for good.
	Final bool

	// Err is set for EventFailed.
	Err error

	Time time.Time
}

// Listener receives lifecycle events. It runs on the record's execution context
// and must not call back into the record.
type Listener func(Event)
