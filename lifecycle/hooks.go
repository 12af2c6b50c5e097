package lifecycle

import (
	"context"
	"io"

	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/watch"
)

// Registrar registers what an instance exposes to the host (commands, listeners)
// after construction and removes it on unload.
type Registrar interface {
	Register(ctx context.Context, pluginID int, p plugin.Plugin) error
	Unregister(ctx context.Context, pluginID int, p plugin.Plugin) error
}

// Configurer initializes an instance's configuration before its Load hook runs.
type Configurer interface {
	Configure(ctx context.Context, p plugin.Plugin) error
}

// WatchFunc subscribes to deletions of files with extension ext in dir.
// onDelete must be called with the deleted file's path and must not block.
type WatchFunc func(dir, ext string, onDelete func(path string)) (io.Closer, error)

// FileWatch is the default WatchFunc. Subscriptions share hub; a nil hub gives
// every record a watcher of its own.
func FileWatch(hub *watch.Hub, opts ...watch.Option) WatchFunc {
	return func(dir, ext string, onDelete func(path string)) (io.Closer, error) {
		opts := append([]watch.Option{watch.WithOps(watch.Remove)}, opts...)
		fn := func(ev watch.Event) { onDelete(ev.Path) }
		if hub == nil {
			return watch.Open(dir, ext, fn, opts...)
		}
		return hub.Watch(dir, ext, fn, opts...)
	}
}
