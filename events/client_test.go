package events

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/pluginhost/lifecycle"
	"github.com/zero-day-ai/pluginhost/plugin"
)

// setupTestPublisher creates a miniredis instance and returns a connected publisher.
func setupTestPublisher(t *testing.T) (*RedisPublisher, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	p, err := NewRedisPublisher(RedisOptions{
		Addr:           mr.Addr(),
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = p.Close()
	})

	return p, mr
}

func loaded(id int, name, instanceID string) lifecycle.Event {
	return lifecycle.Event{
		Type:       lifecycle.EventLoaded,
		PluginID:   id,
		Path:       fmt.Sprintf("/plugins/%s.so", name),
		InstanceID: instanceID,
		Metadata:   &plugin.Metadata{Name: name, Version: "1.0.0"},
		Op:         "load",
		Time:       time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	}
}

func TestNewRedisPublisher(t *testing.T) {
	t.Run("plain address", func(t *testing.T) {
		mr := miniredis.RunT(t)
		p, err := NewRedisPublisher(RedisOptions{Addr: mr.Addr()})
		require.NoError(t, err)
		defer p.Close()
		assert.Equal(t, DefaultPrefix, p.prefix)
	})

	t.Run("url", func(t *testing.T) {
		mr := miniredis.RunT(t)
		p, err := NewRedisPublisher(RedisOptions{Addr: fmt.Sprintf("redis://%s", mr.Addr()), Prefix: "lab"})
		require.NoError(t, err)
		defer p.Close()
		assert.Equal(t, "lab:events", p.channel())
	})

	t.Run("connection failure", func(t *testing.T) {
		_, err := NewRedisPublisher(RedisOptions{
			Addr:           "localhost:99999",
			ConnectTimeout: 100 * time.Millisecond,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to connect to Redis")
	})

	t.Run("invalid URL", func(t *testing.T) {
		_, err := NewRedisPublisher(RedisOptions{Addr: "invalid://url"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse Redis URL")
	})
}

func TestPublish_LoadedIndexesPlugin(t *testing.T) {
	p, mr := setupTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, loaded(3, "scan", "i-1")))

	assert.True(t, mr.Exists("pluginhost:plugin:3"))
	assert.Equal(t, "scan", mr.HGet("pluginhost:plugin:3", "name"))
	assert.Equal(t, "i-1", mr.HGet("pluginhost:plugin:3", "instance_id"))
	assert.Equal(t, StateLoaded, mr.HGet("pluginhost:plugin:3", "state"))

	members, err := mr.Members("pluginhost:loaded")
	require.NoError(t, err)
	assert.Equal(t, []string{"3"}, members)

	st, ok, err := p.Plugin(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "/plugins/scan.so", st.Path)
	assert.Equal(t, "1.0.0", st.Version)
	assert.Equal(t, 2026, st.UpdatedAt.Year())
}

func TestPublish_HotUnloadKeepsHash(t *testing.T) {
	p, mr := setupTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, loaded(3, "scan", "i-1")))

	ev := loaded(3, "scan", "i-1")
	ev.Type = lifecycle.EventUnloaded
	ev.HotReload = true
	require.NoError(t, p.Publish(ctx, ev))

	assert.Equal(t, StateUnloaded, mr.HGet("pluginhost:plugin:3", "state"))
	assert.Empty(t, mr.HGet("pluginhost:plugin:3", "instance_id"))

	states, err := p.Loaded(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)

	require.NoError(t, p.Publish(ctx, loaded(3, "scan", "i-2")))
	states, err = p.Loaded(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Equal(t, "i-2", states[0].InstanceID)
}

func TestPublish_FinalUnloadDeletesHash(t *testing.T) {
	p, mr := setupTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, loaded(3, "scan", "i-1")))

	ev := loaded(3, "scan", "i-1")
	ev.Type = lifecycle.EventUnloaded
	ev.Final = true
	require.NoError(t, p.Publish(ctx, ev))

	failed := lifecycle.Event{Type: lifecycle.EventFailed, PluginID: 3, Final: true, Err: errors.New("hook")}
	require.NoError(t, p.Publish(ctx, failed))

	assert.False(t, mr.Exists("pluginhost:plugin:3"), "torn-down plugin leaves no hash")
	_, ok, err := p.Plugin(ctx, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPublish_FailureRecordsError(t *testing.T) {
	p, mr := setupTestPublisher(t)
	ctx := context.Background()

	ev := lifecycle.Event{
		Type:     lifecycle.EventFailed,
		PluginID: 9,
		Path:     "/plugins/bad.so",
		Op:       "load",
		Err:      errors.New("incompatible version"),
		Time:     time.Now(),
	}
	require.NoError(t, p.Publish(ctx, ev))

	assert.Equal(t, StateFailed, mr.HGet("pluginhost:plugin:9", "state"))
	assert.Equal(t, "incompatible version", mr.HGet("pluginhost:plugin:9", "last_error"))

	states, err := p.Loaded(ctx)
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestLoadedOrderedByID(t *testing.T) {
	p, _ := setupTestPublisher(t)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, loaded(12, "b", "i-b")))
	require.NoError(t, p.Publish(ctx, loaded(2, "a", "i-a")))

	states, err := p.Loaded(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, 2, states[0].PluginID)
	assert.Equal(t, 12, states[1].PluginID)
}

func TestSubscribe(t *testing.T) {
	p, _ := setupTestPublisher(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := p.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, p.Publish(ctx, loaded(1, "scan", "i-1")))

	select {
	case msg := <-ch:
		assert.Equal(t, "loaded", msg.Type)
		assert.Equal(t, 1, msg.PluginID)
		assert.Equal(t, "scan", msg.Name)
		assert.Equal(t, "i-1", msg.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			// Drain a possible in-flight message.
			<-ch
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestNewMessage(t *testing.T) {
	ev := loaded(5, "scan", "i-5")
	ev.HotReload = true
	m := NewMessage(ev)
	assert.Equal(t, "loaded", m.Type)
	assert.Equal(t, "1.0.0", m.Version)
	assert.True(t, m.HotReload)
	assert.Empty(t, m.Error)

	m = NewMessage(lifecycle.Event{Type: lifecycle.EventFailed, Err: errors.New("x")})
	assert.Equal(t, "x", m.Error)
	assert.Empty(t, m.Name)
}

func TestFormatKeyName(t *testing.T) {
	assert.Equal(t, "a:b:c", formatKeyName("a", "b", "c"))
}
