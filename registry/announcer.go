package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/zero-day-ai/pluginhost/lifecycle"
)

// Announcer keeps the registry in step with loaded plugin instances.
type Announcer struct {
	reg      Registry
	endpoint string
	logger   *slog.Logger
}

// AnnouncerOption configures an Announcer.
type AnnouncerOption func(*Announcer)

// WithEndpoint sets the endpoint advertised for every instance.
func WithEndpoint(endpoint string) AnnouncerOption {
	return func(a *Announcer) {
		a.endpoint = endpoint
	}
}

// WithAnnouncerLogger sets the logger. Defaults to slog.Default().
func WithAnnouncerLogger(logger *slog.Logger) AnnouncerOption {
	return func(a *Announcer) {
		a.logger = logger
	}
}

// NewAnnouncer creates an announcer writing to reg.
func NewAnnouncer(reg Registry, opts ...AnnouncerOption) *Announcer {
	a := &Announcer{
		reg:    reg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ServiceInfoFor builds the registry entry of a loaded event.
func ServiceInfoFor(ev lifecycle.Event, endpoint string) (ServiceInfo, error) {
	if ev.Metadata == nil || ev.InstanceID == "" {
		return ServiceInfo{}, errors.New("event carries no loaded instance")
	}
	return ServiceInfo{
		Kind:       KindPlugin,
		Name:       ev.Metadata.Name,
		Version:    ev.Metadata.Version,
		InstanceID: ev.InstanceID,
		Endpoint:   endpoint,
		Metadata: map[string]string{
			"plugin_id":   strconv.Itoa(ev.PluginID),
			"path":        ev.Path,
			"author":      ev.Metadata.Author,
			"description": ev.Metadata.Description,
		},
		StartedAt: ev.Time,
	}, nil
}

// Announce registers the instance of a loaded event.
func (a *Announcer) Announce(ctx context.Context, ev lifecycle.Event) error {
	info, err := ServiceInfoFor(ev, a.endpoint)
	if err != nil {
		return fmt.Errorf("announce plugin %d: %w", ev.PluginID, err)
	}
	if err := a.reg.Register(ctx, info); err != nil {
		return fmt.Errorf("announce %s: %w", info.Name, err)
	}
	a.logger.Debug("plugin announced", "name", info.Name, "instance_id", info.InstanceID)
	return nil
}

// Withdraw deregisters the instance of an unloaded event.
func (a *Announcer) Withdraw(ctx context.Context, ev lifecycle.Event) error {
	if ev.InstanceID == "" {
		return nil
	}
	info := ServiceInfo{Kind: KindPlugin, InstanceID: ev.InstanceID}
	if ev.Metadata != nil {
		info.Name = ev.Metadata.Name
	}
	if err := a.reg.Deregister(ctx, info); err != nil {
		return fmt.Errorf("withdraw %s: %w", ev.InstanceID, err)
	}
	a.logger.Debug("plugin withdrawn", "name", info.Name, "instance_id", info.InstanceID)
	return nil
}

// Close closes the underlying registry.
func (a *Announcer) Close() error {
	return a.reg.Close()
}
