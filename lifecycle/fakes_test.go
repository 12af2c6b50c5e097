package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/pluginhost/module"
	"github.com/zero-day-ai/pluginhost/plugin"
	"github.com/zero-day-ai/pluginhost/pluginerr"
)

const testPath = "/plugins/probe.so"

// journal is an ordered log of calls shared by fakes.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(format string, args ...any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, fmt.Sprintf(format, args...))
}

func (j *journal) all() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]string, len(j.entries))
	copy(out, j.entries)
	return out
}

func (j *journal) count(entry string) int {
	n := 0
	for _, e := range j.all() {
		if e == entry {
			n++
		}
	}
	return n
}

func (j *journal) index(entry string) int {
	for i, e := range j.all() {
		if e == entry {
			return i
		}
	}
	return -1
}

// world tracks instances across a test to check that at most one is active.
type world struct {
	journal
	active    atomic.Int32
	maxActive atomic.Int32
	built     atomic.Int32
	disposed  atomic.Int32
}

func (w *world) activate() {
	n := w.active.Add(1)
	for {
		m := w.maxActive.Load()
		if n <= m || w.maxActive.CompareAndSwap(m, n) {
			return
		}
	}
}

// probe is a plugin that reports every call to its world.
type probe struct {
	plugin.Base
	w     *world
	label string

	loadErr    error
	unloadErr  error
	loadPanic  bool
	unloadWait time.Duration

	mu       sync.Mutex
	disposed bool
}

func (p *probe) Name() string        { return "probe-" + p.label }
func (p *probe) Version() string     { return "1.0." + p.label }
func (p *probe) Description() string { return "test probe" }
func (p *probe) Author() string      { return "tests" }

func (p *probe) Load(ctx context.Context, hot bool) error {
	p.w.add("%s.load(%t)", p.label, hot)
	if p.loadPanic {
		panic("load exploded")
	}
	if p.loadErr != nil {
		return p.loadErr
	}
	p.w.activate()
	return nil
}

func (p *probe) Unload(ctx context.Context, hot bool) error {
	if p.unloadWait > 0 {
		time.Sleep(p.unloadWait)
	}
	p.w.add("%s.unload(%t)", p.label, hot)
	p.w.active.Add(-1)
	return p.unloadErr
}

func (p *probe) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		p.w.add("%s.dispose-again", p.label)
		return nil
	}
	p.disposed = true
	p.w.disposed.Add(1)
	p.w.add("%s.dispose", p.label)
	return nil
}

// fakeHandle is a module handle produced by fakeLoader.
type fakeHandle struct {
	gen   uint64
	entry *module.Entry
}

func (h *fakeHandle) Path() string       { return testPath }
func (h *fakeHandle) Generation() uint64 { return h.gen }

// fakeLoader is a scriptable module.Loader.
type fakeLoader struct {
	w *world

	mu         sync.Mutex
	gen        uint64
	entry      *module.Entry
	loadErr    error
	resolveErr error
	loads      int
	live       map[*fakeHandle]bool
	disposals  map[*fakeHandle]int
	reload     map[*fakeHandle]module.ReloadFunc
	scopes     atomic.Int32
}

func newFakeLoader(w *world, entry *module.Entry) *fakeLoader {
	return &fakeLoader{
		w:         w,
		entry:     entry,
		live:      make(map[*fakeHandle]bool),
		disposals: make(map[*fakeHandle]int),
		reload:    make(map[*fakeHandle]module.ReloadFunc),
	}
}

// probeEntry returns an entry building probes labelled from labels, in order.
func probeEntry(w *world, minimum int, configure func(p *probe), labels ...string) *module.Entry {
	var mu sync.Mutex
	next := 0
	return &module.Entry{
		TypeName:       "probe",
		MinimumVersion: minimum,
		New: func() (plugin.Plugin, error) {
			mu.Lock()
			defer mu.Unlock()
			label := fmt.Sprintf("p%d", next)
			if next < len(labels) {
				label = labels[next]
			}
			next++
			w.built.Add(1)
			p := &probe{w: w, label: label}
			if configure != nil {
				configure(p)
			}
			return p, nil
		},
	}
}

func (l *fakeLoader) newHandle(entry *module.Entry) *fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.gen++
	h := &fakeHandle{gen: l.gen, entry: entry}
	l.live[h] = true
	return h
}

func (l *fakeLoader) Load(ctx context.Context, path string) (module.Handle, error) {
	l.mu.Lock()
	l.loads++
	err := l.loadErr
	entry := l.entry
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return l.newHandle(entry), nil
}

func (l *fakeLoader) Resolve(h module.Handle, c module.Capability) (*module.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.resolveErr != nil {
		return nil, l.resolveErr
	}
	fh := h.(*fakeHandle)
	if !l.live[fh] {
		return nil, module.ErrHandleDisposed
	}
	if fh.entry == nil {
		return nil, errors.New("no entry exported")
	}
	return fh.entry, nil
}

func (l *fakeLoader) Instantiate(e *module.Entry) (plugin.Plugin, error) {
	return module.Instantiate(e)
}

func (l *fakeLoader) EnableReload(h module.Handle, fn module.ReloadFunc) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reload[h.(*fakeHandle)] = fn
	return nil
}

func (l *fakeLoader) Dispose(h module.Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fh := h.(*fakeHandle)
	l.disposals[fh]++
	delete(l.live, fh)
	delete(l.reload, fh)
	if l.w != nil {
		l.w.add("handle%d.dispose", fh.gen)
	}
	return nil
}

func (l *fakeLoader) WithIsolationScope(h module.Handle, fn func() error) error {
	l.scopes.Add(1)
	defer l.scopes.Add(-1)
	return fn()
}

// fireReload delivers a new handle to whoever armed h, as a code change would.
func (l *fakeLoader) fireReload(h module.Handle, entry *module.Entry) (*fakeHandle, bool) {
	l.mu.Lock()
	fn := l.reload[h.(*fakeHandle)]
	l.mu.Unlock()

	next := l.newHandle(entry)
	if fn == nil {
		_ = l.Dispose(next)
		return next, false
	}
	fn(next)
	return next, true
}

// armed returns the live handles with a reload callback.
func (l *fakeLoader) armed() []module.Handle {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []module.Handle
	for h := range l.reload {
		out = append(out, h)
	}
	return out
}

func (l *fakeLoader) liveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

func (l *fakeLoader) loadCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

func (l *fakeLoader) disposalsOf(h *fakeHandle) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disposals[h]
}

func (l *fakeLoader) maxDisposals() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := 0
	for _, n := range l.disposals {
		if n > m {
			m = n
		}
	}
	return m
}

// fakeWatch records the delete callback and counts closes.
type fakeWatch struct {
	mu       sync.Mutex
	dir      string
	ext      string
	onDelete func(string)
	closes   int
}

func (f *fakeWatch) open(dir, ext string, onDelete func(string)) (io.Closer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dir, f.ext, f.onDelete = dir, ext, onDelete
	return f, nil
}

func (f *fakeWatch) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeWatch) delete(path string) {
	f.mu.Lock()
	fn := f.onDelete
	f.mu.Unlock()
	fn(path)
}

func (f *fakeWatch) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// eventLog collects lifecycle events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventLog) listener(ev Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *eventLog) types() []EventType {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]EventType, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

func (e *eventLog) all() []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Event, len(e.events))
	copy(out, e.events)
	return out
}

type fixture struct {
	w      *world
	loader *fakeLoader
	watch  *fakeWatch
	events *eventLog
	record *Record
}

func newFixture(t *testing.T, entry func(w *world) *module.Entry, opts ...Option) *fixture {
	t.Helper()

	w := &world{}
	f := &fixture{
		w:      w,
		loader: newFakeLoader(w, entry(w)),
		watch:  &fakeWatch{},
		events: &eventLog{},
	}

	base := []Option{
		WithLogger(slog.New(slog.DiscardHandler)),
		WithHostVersion(3),
		WithWatchFunc(f.watch.open),
		WithListener(f.events.listener),
	}
	r, err := New(testPath, 7, f.loader, append(base, opts...)...)
	require.NoError(t, err)
	f.record = r

	t.Cleanup(func() {
		_ = r.Close(context.Background())
	})
	return f
}

// settle waits until every command queued so far has run.
func settle(t *testing.T, r *Record) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.Do(ctx, func(plugin.Plugin) error { return nil })
	if err == nil || errors.Is(err, pluginerr.ErrNotLoaded) {
		return
	}
	if errors.Is(err, pluginerr.ErrDisposed) {
		select {
		case <-r.Done():
			return
		case <-ctx.Done():
		}
	}
	require.NoError(t, ctx.Err(), "record did not settle")
}
