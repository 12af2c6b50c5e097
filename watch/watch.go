// Package watch delivers file events per directory, filtered by extension. A Hub
// serves every watched directory of a process from one fsnotify watcher.
package watch

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Op describes the kind of change seen on a path. Ops combine as a bit set.
type Op uint32

const (
	Create Op = 1 << iota
	Write
	Remove
	Rename
	Chmod
)

// Has reports whether o includes every bit of other.
func (o Op) Has(other Op) bool {
	return o&other == other
}

func (o Op) String() string {
	var parts []string
	for _, n := range []struct {
		op   Op
		name string
	}{
		{Create, "CREATE"},
		{Write, "WRITE"},
		{Remove, "REMOVE"},
		{Rename, "RENAME"},
		{Chmod, "CHMOD"},
	} {
		if o.Has(n.op) {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

func fromFsnotify(op fsnotify.Op) Op {
	var out Op
	if op.Has(fsnotify.Create) {
		out |= Create
	}
	if op.Has(fsnotify.Write) {
		out |= Write
	}
	if op.Has(fsnotify.Remove) {
		out |= Remove
	}
	if op.Has(fsnotify.Rename) {
		out |= Rename
	}
	if op.Has(fsnotify.Chmod) {
		out |= Chmod
	}
	return out
}

// ErrHubClosed is returned when subscribing to a closed Hub.
var ErrHubClosed = errors.New("watch: hub is closed")

// Event is a change to a single file.
type Event struct {
	Path string
	Op   Op
}

// Handler receives events. It runs on the hub's goroutine (or a debounce timer)
// and should return quickly.
type Handler func(Event)

// Option configures a DirWatcher.
type Option func(*DirWatcher)

// WithLogger sets the logger used for watcher errors.
func WithLogger(logger *slog.Logger) Option {
	return func(w *DirWatcher) {
		w.logger = logger
	}
}

// WithDebounce coalesces bursts of events on the same path into one event
// delivered d after the last one. Ops of the burst are merged.
func WithDebounce(d time.Duration) Option {
	return func(w *DirWatcher) {
		w.debounce = d
	}
}

// WithOps restricts delivery to events carrying at least one of ops.
func WithOps(ops Op) Option {
	return func(w *DirWatcher) {
		w.ops = ops
	}
}

// Hub multiplexes directory watches over a single fsnotify watcher, so any
// number of subscribers costs one inotify instance. A directory is added to the
// watcher on its first subscription and removed after its last one closes.
type Hub struct {
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	stopped chan struct{}

	mu     sync.Mutex
	closed bool
	subs   map[string][]*DirWatcher

	closeOnce sync.Once
	closeErr  error
}

// NewHub starts a hub. A nil logger means slog.Default().
func NewHub(logger *slog.Logger) (*Hub, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	h := &Hub{
		watcher: fw,
		logger:  logger,
		stopped: make(chan struct{}),
		subs:    make(map[string][]*DirWatcher),
	}
	go h.loop()
	return h, nil
}

// Watch subscribes fn to files of dir whose extension equals ext; an empty ext
// reports every file. Event paths are cleaned, so a file of "./plugins" is
// reported as "plugins/<name>".
func (h *Hub) Watch(dir, ext string, fn Handler, opts ...Option) (*DirWatcher, error) {
	if fn == nil {
		return nil, errors.New("watch: handler is nil")
	}

	w := &DirWatcher{
		dir:     filepath.Clean(dir),
		ext:     ext,
		fn:      fn,
		logger:  h.logger,
		hub:     h,
		pending: make(map[string]*pendingEvent),
	}
	for _, opt := range opts {
		opt(w)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrHubClosed
	}
	if len(h.subs[w.dir]) == 0 {
		if err := h.watcher.Add(w.dir); err != nil {
			return nil, fmt.Errorf("watch %s: %w", w.dir, err)
		}
	}
	h.subs[w.dir] = append(h.subs[w.dir], w)
	return w, nil
}

// Dirs returns the number of directories currently watched.
func (h *Hub) Dirs() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (h *Hub) unsubscribe(w *DirWatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs := h.subs[w.dir]
	for i, s := range subs {
		if s == w {
			subs = append(subs[:i:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) > 0 {
		h.subs[w.dir] = subs
		return
	}
	delete(h.subs, w.dir)
	if !h.closed {
		// The directory may already be gone, taking its watch with it.
		if err := h.watcher.Remove(w.dir); err != nil && !errors.Is(err, fsnotify.ErrNonExistentWatch) {
			h.logger.Debug("remove directory watch failed", "dir", w.dir, "error", err)
		}
	}
}

// Close stops the hub. Subscriptions still open receive nothing more.
// Close is idempotent.
func (h *Hub) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()

		h.closeErr = h.watcher.Close()
		<-h.stopped
	})
	return h.closeErr
}

func (h *Hub) loop() {
	defer close(h.stopped)

	for {
		select {
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			h.dispatch(event)

		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			h.logger.Error("file watcher error", "error", err)
		}
	}
}

func (h *Hub) dispatch(event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	dir := filepath.Dir(path)

	h.mu.Lock()
	subs := append([]*DirWatcher(nil), h.subs[dir]...)
	h.mu.Unlock()

	op := fromFsnotify(event.Op)
	for _, w := range subs {
		w.handle(path, op)
	}
}

// DirWatcher is one subscription to a directory.
type DirWatcher struct {
	dir      string
	ext      string
	fn       Handler
	logger   *slog.Logger
	debounce time.Duration
	ops      Op

	hub     *Hub
	ownsHub bool

	mu      sync.Mutex
	closed  bool
	pending map[string]*pendingEvent

	closeOnce sync.Once
	closeErr  error
}

type pendingEvent struct {
	op    Op
	timer *time.Timer
}

// Open watches dir on a hub of its own, closed together with the watcher.
// Callers watching many directories should share a Hub instead.
func Open(dir, ext string, fn Handler, opts ...Option) (*DirWatcher, error) {
	if fn == nil {
		return nil, errors.New("watch: handler is nil")
	}

	cfg := &DirWatcher{}
	for _, opt := range opts {
		opt(cfg)
	}

	h, err := NewHub(cfg.logger)
	if err != nil {
		return nil, err
	}
	w, err := h.Watch(dir, ext, fn, opts...)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	w.ownsHub = true
	return w, nil
}

// Dir returns the watched directory.
func (w *DirWatcher) Dir() string {
	return w.dir
}

// Close ends the subscription. No events are delivered after Close returns,
// except one already running inside the handler. Close is idempotent.
func (w *DirWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		for path, p := range w.pending {
			p.timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()

		w.hub.unsubscribe(w)
		if w.ownsHub {
			w.closeErr = w.hub.Close()
		}
	})
	return w.closeErr
}

func (w *DirWatcher) handle(path string, op Op) {
	if w.ext != "" && filepath.Ext(path) != w.ext {
		return
	}
	if w.ops != 0 && op&w.ops == 0 {
		return
	}

	if w.debounce <= 0 {
		w.deliver(Event{Path: path, Op: op})
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	if p, ok := w.pending[path]; ok {
		p.timer.Stop()
		p.op |= op
		p.timer = w.afterDebounce(path)
		return
	}
	w.pending[path] = &pendingEvent{op: op, timer: w.afterDebounce(path)}
}

func (w *DirWatcher) afterDebounce(path string) *time.Timer {
	return time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		p, ok := w.pending[path]
		if ok {
			delete(w.pending, path)
		}
		w.mu.Unlock()

		if ok {
			w.deliver(Event{Path: path, Op: p.op})
		}
	})
}

func (w *DirWatcher) deliver(ev Event) {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return
	}
	w.fn(ev)
}
