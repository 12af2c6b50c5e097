package events

import (
	"time"

	"github.com/zero-day-ai/pluginhost/lifecycle"
)

// Plugin states stored in the plugin hash.
const (
	StateLoaded   = "loaded"
	StateUnloaded = "unloaded"
	StateFailed   = "failed"
)

// Message is the JSON form of a lifecycle event on the events channel.
type Message struct {
	Type       string    `json:"type"`
	PluginID   int       `json:"plugin_id"`
	Path       string    `json:"path"`
	InstanceID string    `json:"instance_id,omitempty"`
	Name       string    `json:"name,omitempty"`
	Version    string    `json:"version,omitempty"`
	Op         string    `json:"op,omitempty"`
	HotReload  bool      `json:"hot_reload,omitempty"`
	Final      bool      `json:"final,omitempty"`
	Error      string    `json:"error,omitempty"`
	Time       time.Time `json:"time"`
}

// NewMessage converts a lifecycle event.
func NewMessage(ev lifecycle.Event) Message {
	m := Message{
		Type:       string(ev.Type),
		PluginID:   ev.PluginID,
		Path:       ev.Path,
		InstanceID: ev.InstanceID,
		Op:         ev.Op,
		HotReload:  ev.HotReload,
		Final:      ev.Final,
		Time:       ev.Time,
	}
	if ev.Metadata != nil {
		m.Name = ev.Metadata.Name
		m.Version = ev.Metadata.Version
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	return m
}

// PluginState is the content of a plugin hash.
type PluginState struct {
	PluginID   int       `json:"plugin_id"`
	Name       string    `json:"name"`
	Version    string    `json:"version"`
	Path       string    `json:"path"`
	InstanceID string    `json:"instance_id"`
	State      string    `json:"state"`
	LastError  string    `json:"last_error"`
	UpdatedAt  time.Time `json:"updated_at"`
}
