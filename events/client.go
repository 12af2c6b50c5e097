package events

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zero-day-ai/pluginhost/lifecycle"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "pluginhost"

// Publisher publishes lifecycle events and answers queries about loaded plugins.
type Publisher interface {
	// Publish writes ev to the events channel and updates the plugin index.
	Publish(ctx context.Context, ev lifecycle.Event) error

	// Subscribe returns a channel of messages from the events channel until ctx is
	// canceled.
	Subscribe(ctx context.Context) (<-chan Message, error)

	// Loaded returns the state of every plugin currently loaded, ordered by id.
	Loaded(ctx context.Context) ([]PluginState, error)

	// Plugin returns the stored state of one plugin. ok is false when none is stored.
	Plugin(ctx context.Context, pluginID int) (state PluginState, ok bool, err error)

	// Close closes the Redis connection.
	Close() error
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	// Addr is "host:port" or a redis:// URL. Default: localhost:6379
	Addr string

	Password string
	DB       int

	// Prefix is prepended to every key. Default: "pluginhost"
	Prefix string

	// TLS configuration for secure connections
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations
	WriteTimeout time.Duration
}

// RedisPublisher implements Publisher using go-redis/v9.
type RedisPublisher struct {
	client *redis.Client
	prefix string
}

// NewRedisPublisher connects to Redis and verifies the connection with PING.
func NewRedisPublisher(opts RedisOptions) (*RedisPublisher, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.Prefix == "" {
		opts.Prefix = DefaultPrefix
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}

	redisOpts := &redis.Options{Addr: opts.Addr}
	if strings.Contains(opts.Addr, "://") {
		parsed, err := redis.ParseURL(opts.Addr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
		}
		redisOpts = parsed
	}
	if opts.Password != "" {
		redisOpts.Password = opts.Password
	}
	if opts.DB != 0 {
		redisOpts.DB = opts.DB
	}
	if opts.TLS != nil {
		redisOpts.TLSConfig = opts.TLS
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisPublisher{client: client, prefix: opts.Prefix}, nil
}

func (p *RedisPublisher) channel() string { return formatKeyName(p.prefix, "events") }
func (p *RedisPublisher) loadedKey() string { return formatKeyName(p.prefix, "loaded") }
func (p *RedisPublisher) pluginKey(id int) string {
	return formatKeyName(p.prefix, "plugin", strconv.Itoa(id))
}

// Publish writes the event and updates the plugin's hash and the loaded set in a
// single transaction.
func (p *RedisPublisher) Publish(ctx context.Context, ev lifecycle.Event) error {
	msg := NewMessage(ev)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	id := strconv.Itoa(ev.PluginID)
	key := p.pluginKey(ev.PluginID)
	base := []interface{}{
		"plugin_id", id,
		"path", ev.Path,
		"updated_at", msg.Time.UTC().Format(time.RFC3339Nano),
	}

	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		switch ev.Type {
		case lifecycle.EventLoaded:
			pipe.HSet(ctx, key, append(base,
				"name", msg.Name,
				"version", msg.Version,
				"instance_id", msg.InstanceID,
				"state", StateLoaded,
				"last_error", "",
			)...)
			pipe.SAdd(ctx, p.loadedKey(), id)
		case lifecycle.EventUnloaded:
			pipe.SRem(ctx, p.loadedKey(), id)
			if ev.Final {
				pipe.Del(ctx, key)
			} else {
				pipe.HSet(ctx, key, append(base, "instance_id", "", "state", StateUnloaded)...)
			}
		case lifecycle.EventFailed:
			if !ev.Final {
				pipe.HSet(ctx, key, append(base, "state", StateFailed, "last_error", msg.Error)...)
			}
		}
		pipe.Publish(ctx, p.channel(), data)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish %s event for plugin %d: %w", ev.Type, ev.PluginID, err)
	}
	return nil
}

// Subscribe creates a subscription to the events channel.
func (p *RedisPublisher) Subscribe(ctx context.Context) (<-chan Message, error) {
	pubsub := p.client.Subscribe(ctx, p.channel())

	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to channel %s: %w", p.channel(), err)
	}

	out := make(chan Message)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok {
					return
				}

				var msg Message
				if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
					continue
				}

				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// Loaded returns the state of every plugin in the loaded set, ordered by id.
// Ids whose hash is missing are skipped.
func (p *RedisPublisher) Loaded(ctx context.Context) ([]PluginState, error) {
	members, err := p.client.SMembers(ctx, p.loadedKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get loaded plugins: %w", err)
	}

	states := make([]PluginState, 0, len(members))
	for _, m := range members {
		id, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		st, ok, err := p.Plugin(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			states = append(states, st)
		}
	}

	sort.Slice(states, func(i, j int) bool { return states[i].PluginID < states[j].PluginID })
	return states, nil
}

// Plugin returns the stored state of one plugin.
func (p *RedisPublisher) Plugin(ctx context.Context, pluginID int) (PluginState, bool, error) {
	fields, err := p.client.HGetAll(ctx, p.pluginKey(pluginID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return PluginState{}, false, nil
		}
		return PluginState{}, false, fmt.Errorf("failed to get plugin %d: %w", pluginID, err)
	}
	if len(fields) == 0 {
		return PluginState{}, false, nil
	}

	st := PluginState{
		PluginID:   pluginID,
		Name:       fields["name"],
		Version:    fields["version"],
		Path:       fields["path"],
		InstanceID: fields["instance_id"],
		State:      fields["state"],
		LastError:  fields["last_error"],
	}
	if ts, err := time.Parse(time.RFC3339Nano, fields["updated_at"]); err == nil {
		st.UpdatedAt = ts
	}
	return st, true, nil
}

// Close closes the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// formatKeyName joins key parts with ':'.
func formatKeyName(parts ...string) string {
	return strings.Join(parts, ":")
}
