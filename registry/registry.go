// Package registry announces loaded plugin instances in etcd.
//
// Each successful load of a plugin registers a ServiceInfo under
// /{namespace}/plugin/{name}/{instance-id}, bound to a lease that is renewed every
// TTL/3. Unloading revokes the lease, so the entry disappears at once; a host that
// crashes loses its entries when the leases expire. A hot reload withdraws the old
// instance and announces the new one under a fresh instance id.
package registry

import (
	"context"
	"time"
)

// KindPlugin is the registry kind used for plugin instances.
const KindPlugin = "plugin"

// ServiceInfo describes a registered plugin instance.
type ServiceInfo struct {
	// Kind is always "plugin" for entries written by the host.
	Kind string `json:"kind"`

	// Name is the plugin name reported by the instance.
	Name string `json:"name"`

	// Version is the plugin version reported by the instance.
	Version string `json:"version"`

	// InstanceID is unique per load, including each hot reload.
	InstanceID string `json:"instance_id"`

	// Endpoint is where the plugin can be reached. For in-process plugins this is the
	// host's own address, if it has one.
	Endpoint string `json:"endpoint,omitempty"`

	// Metadata carries plugin_id, path, author and description.
	Metadata map[string]string `json:"metadata"`

	// StartedAt is when the instance finished loading.
	StartedAt time.Time `json:"started_at"`
}

// Registry is the registration and discovery surface of the etcd client.
type Registry interface {
	// Register adds or replaces the entry for info.InstanceID and keeps its lease alive.
	Register(ctx context.Context, info ServiceInfo) error

	// Deregister revokes the lease of info.InstanceID. Unknown instances are a no-op.
	Deregister(ctx context.Context, info ServiceInfo) error

	// Discover lists the instances registered under kind and name.
	Discover(ctx context.Context, kind, name string) ([]ServiceInfo, error)

	// DiscoverAll lists every instance of kind.
	DiscoverAll(ctx context.Context, kind string) ([]ServiceInfo, error)

	// Watch sends the current instances of kind and name, then the full list again
	// after every change, until ctx is canceled or the registry is closed.
	Watch(ctx context.Context, kind, name string) (<-chan []ServiceInfo, error)

	// Close stops keepalives and watches and releases the connection.
	Close() error
}

// Config holds etcd connection settings.
type Config struct {
	// Endpoints is the list of etcd endpoints, e.g. ["host1:2379", "host2:2379"].
	Endpoints []string `json:"endpoints"`

	// Namespace prefixes every key. Default: "pluginhost"
	Namespace string `json:"namespace"`

	// TTL is the lease time-to-live in seconds. Default: 30
	TTL int `json:"ttl"`

	// TLS enables mutual TLS when set and enabled.
	TLS *TLSConfig `json:"tls"`
}

// TLSConfig holds client certificate paths (PEM).
type TLSConfig struct {
	Enabled  bool   `json:"enabled"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
	CAFile   string `json:"ca_file"`
}
