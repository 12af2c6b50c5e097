package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Defaults applied by NewClient.
const (
	DefaultNamespace = "pluginhost"
	DefaultTTL       = 30
)

var errClosed = errors.New("registry client is closed")

// Client implements Registry on an etcd cluster.
//
// Every registered instance owns a lease renewed every TTL/3 by a background
// goroutine. Close stops all of them.
//
// Thread-safety: All methods are safe for concurrent use.
type Client struct {
	client    *clientv3.Client
	namespace string
	ttl       int

	mu         sync.RWMutex
	leases     map[string]clientv3.LeaseID // instance id -> lease
	cancelFns  map[string]context.CancelFunc
	wg         sync.WaitGroup
	closed     bool
	closedChan chan struct{}
}

// NewClient connects to etcd and checks that it answers.
//
// The client must be closed with Close to stop keepalives.
func NewClient(cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("registry endpoints cannot be empty")
	}

	tlsCfg, err := clientTLS(cfg.TLS)
	if err != nil {
		return nil, fmt.Errorf("failed to configure TLS: %w", err)
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: 5 * time.Second,
		TLS:         tlsCfg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create etcd client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := cli.Get(ctx, "health-check"); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		_ = cli.Close()
		return nil, fmt.Errorf("etcd health check failed: %w", err)
	}

	return newClient(cli, cfg), nil
}

func newClient(cli *clientv3.Client, cfg Config) *Client {
	namespace := cfg.Namespace
	if namespace == "" {
		namespace = DefaultNamespace
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{
		client:     cli,
		namespace:  namespace,
		ttl:        ttl,
		leases:     make(map[string]clientv3.LeaseID),
		cancelFns:  make(map[string]context.CancelFunc),
		closedChan: make(chan struct{}),
	}
}

// Register writes info under a new lease and starts renewing it.
// Registering the same InstanceID again replaces the entry and its keepalive.
func (c *Client) Register(ctx context.Context, info ServiceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	if cancelFn, ok := c.cancelFns[info.InstanceID]; ok {
		cancelFn()
		delete(c.cancelFns, info.InstanceID)
	}

	lease, err := c.client.Grant(ctx, int64(c.ttl))
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}

	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal service info: %w", err)
	}

	key := c.buildKey(info.Kind, info.Name, info.InstanceID)
	if _, err := c.client.Put(ctx, key, string(data), clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("failed to register %s: %w", key, err)
	}

	c.leases[info.InstanceID] = lease.ID

	keepaliveCtx, cancel := context.WithCancel(context.Background())
	c.cancelFns[info.InstanceID] = cancel

	c.wg.Add(1)
	go c.keepalive(keepaliveCtx, lease.ID, info.InstanceID)

	return nil
}

// Deregister revokes the instance's lease, deleting its entry.
func (c *Client) Deregister(ctx context.Context, info ServiceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errClosed
	}

	if cancelFn, ok := c.cancelFns[info.InstanceID]; ok {
		cancelFn()
		delete(c.cancelFns, info.InstanceID)
	}

	leaseID, ok := c.leases[info.InstanceID]
	if !ok {
		return nil
	}
	if _, err := c.client.Revoke(ctx, leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	delete(c.leases, info.InstanceID)
	return nil
}

// Discover lists the instances of kind and name.
func (c *Client) Discover(ctx context.Context, kind, name string) ([]ServiceInfo, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	return c.list(ctx, c.prefix(kind, name))
}

// DiscoverAll lists every instance of kind.
func (c *Client) DiscoverAll(ctx context.Context, kind string) ([]ServiceInfo, error) {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return nil, errClosed
	}
	return c.list(ctx, fmt.Sprintf("/%s/%s/", c.namespace, kind))
}

func (c *Client) list(ctx context.Context, prefix string) ([]ServiceInfo, error) {
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	values := make([][]byte, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		values = append(values, kv.Value)
	}
	return decodeAll(values), nil
}

// Watch sends the current instances, then the full list after each change.
// The channel is closed when ctx is canceled or the client is closed.
func (c *Client) Watch(ctx context.Context, kind, name string) (<-chan []ServiceInfo, error) {
	instances, err := c.Discover(ctx, kind, name)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errClosed
	}

	ch := make(chan []ServiceInfo, 1)
	ch <- instances

	prefix := c.prefix(kind, name)
	watchChan := c.client.Watch(ctx, prefix, clientv3.WithPrefix())

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ch)

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closedChan:
				return
			case resp, ok := <-watchChan:
				if !ok || resp.Err() != nil {
					return
				}

				instances, err := c.list(ctx, prefix)
				if err != nil {
					continue
				}

				select {
				case ch <- instances:
				case <-ctx.Done():
					return
				case <-c.closedChan:
					return
				}
			}
		}
	}()

	return ch, nil
}

// Close stops every keepalive and watch, then closes the etcd connection.
// Leases are left to expire. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, cancel := range c.cancelFns {
		cancel()
	}
	c.cancelFns = make(map[string]context.CancelFunc)
	close(c.closedChan)
	c.mu.Unlock()

	c.wg.Wait()
	return c.client.Close()
}

// keepalive renews leaseID every TTL/3 until canceled or the lease is lost.
func (c *Client) keepalive(ctx context.Context, leaseID clientv3.LeaseID, instanceID string) {
	defer c.wg.Done()

	ticker := time.NewTicker(keepaliveInterval(c.ttl))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closedChan:
			return
		case <-ticker.C:
			if _, err := c.client.KeepAliveOnce(ctx, leaseID); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.mu.Lock()
				if c.leases[instanceID] == leaseID {
					delete(c.leases, instanceID)
					delete(c.cancelFns, instanceID)
				}
				c.mu.Unlock()
				return
			}
		}
	}
}

func keepaliveInterval(ttl int) time.Duration {
	return time.Duration(ttl) * time.Second / 3
}

// buildKey returns /namespace/kind/name/instance-id.
func (c *Client) buildKey(kind, name, instanceID string) string {
	return fmt.Sprintf("/%s/%s/%s/%s", c.namespace, kind, name, instanceID)
}

func (c *Client) prefix(kind, name string) string {
	return fmt.Sprintf("/%s/%s/%s/", c.namespace, kind, name)
}

// decodeAll parses stored entries, skipping values that are not ServiceInfo JSON.
func decodeAll(values [][]byte) []ServiceInfo {
	out := make([]ServiceInfo, 0, len(values))
	for _, v := range values {
		var info ServiceInfo
		if err := json.Unmarshal(v, &info); err != nil {
			continue
		}
		out = append(out, info)
	}
	return out
}
