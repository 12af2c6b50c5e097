package plugin

import (
	"context"
	"encoding/json"
)

// Metadata is the host-facing description of a loaded plugin instance.
type Metadata struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	Author      string `json:"author,omitempty"`

	// MinimumVersion is the lowest host version the module declared, 0 if none.
	MinimumVersion int `json:"minimum_version,omitempty"`
}

// MetadataOf snapshots p's metadata together with the module's declared minimum version.
func MetadataOf(p Plugin, minimumVersion int) Metadata {
	return Metadata{
		Name:           p.Name(),
		Version:        p.Version(),
		Description:    p.Description(),
		Author:         p.Author(),
		MinimumVersion: minimumVersion,
	}
}

// CommandHandler handles one invocation of a plugin command.
type CommandHandler func(ctx context.Context, args []string) (string, error)

// Command is a named entry point a plugin registers with the host.
type Command struct {
	Name        string
	Description string
	Handler     CommandHandler
}

// CommandProvider is implemented by plugins that expose commands to the host.
// The host registers them after construction and removes them on unload.
type CommandProvider interface {
	Commands() []Command
}

// Configurable is implemented by plugins that read a per-plugin configuration file.
// ConfigTarget returns a pointer the host decodes the file into; it also supplies
// the defaults written out when no file exists yet.
type Configurable interface {
	ConfigTarget() any
	OnConfigParsed() error
}

// Health status constants.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus represents the health of a plugin instance.
type HealthStatus struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// IsHealthy returns true if the status is StatusHealthy.
func (h HealthStatus) IsHealthy() bool {
	return h.Status == StatusHealthy
}

// IsUnhealthy returns true if the status is StatusUnhealthy.
func (h HealthStatus) IsUnhealthy() bool {
	return h.Status == StatusUnhealthy
}

// String returns the status as JSON, for logs.
func (h HealthStatus) String() string {
	data, err := json.Marshal(h)
	if err != nil {
		return h.Status
	}
	return string(data)
}

// NewHealthyStatus creates a healthy status.
func NewHealthyStatus(message string) HealthStatus {
	return HealthStatus{Status: StatusHealthy, Message: message}
}

// NewDegradedStatus creates a degraded status.
func NewDegradedStatus(message string, details map[string]any) HealthStatus {
	return HealthStatus{Status: StatusDegraded, Message: message, Details: details}
}

// NewUnhealthyStatus creates an unhealthy status.
func NewUnhealthyStatus(message string, details map[string]any) HealthStatus {
	return HealthStatus{Status: StatusUnhealthy, Message: message, Details: details}
}
