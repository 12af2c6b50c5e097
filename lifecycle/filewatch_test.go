package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zero-day-ai/pluginhost/module"
	"github.com/zero-day-ai/pluginhost/pluginerr"
	"github.com/zero-day-ai/pluginhost/watch"
)

// loadOnDisk creates the module file at path, then a loaded record for it that
// watches through the real file watcher.
func loadOnDisk(t *testing.T, path string, opts ...Option) *Record {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("module"), 0o644))

	w := &world{}
	base := []Option{WithLogger(slog.New(slog.DiscardHandler)), WithHostVersion(3)}
	r, err := New(path, 1, newFakeLoader(w, probeEntry(w, 0, nil)), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	require.NoError(t, r.Load(context.Background(), false))
	return r
}

func waitDisposed(t *testing.T, r *Record) {
	t.Helper()
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("record for %s not torn down: state=%s disposed=%v", r.PluginPath(), r.State(), r.Disposed())
	}
	assert.True(t, r.Disposed())
	assert.Equal(t, Unloaded, r.State())
}

func TestFileDeletion_TearsDown(t *testing.T) {
	t.Run("absolute path", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a.so")
		r := loadOnDisk(t, path)

		require.NoError(t, os.Remove(path))
		waitDisposed(t, r)
	})

	t.Run("relative path in a subdirectory", func(t *testing.T) {
		t.Chdir(t.TempDir())
		require.NoError(t, os.Mkdir("plugins", 0o755))
		r := loadOnDisk(t, "./plugins/a.so")
		assert.Equal(t, filepath.Join("plugins", "a.so"), r.PluginPath())

		require.NoError(t, os.Remove("plugins/a.so"))
		waitDisposed(t, r)
	})

	t.Run("bare file name", func(t *testing.T) {
		t.Chdir(t.TempDir())
		r := loadOnDisk(t, "b.so")

		require.NoError(t, os.Remove("b.so"))
		waitDisposed(t, r)
	})
}

func TestFileDeletion_SharedHub(t *testing.T) {
	hub, err := watch.NewHub(slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer hub.Close()

	dir := t.TempDir()
	first := loadOnDisk(t, filepath.Join(dir, "first.so"), WithWatchFunc(FileWatch(hub)))
	second := loadOnDisk(t, filepath.Join(dir, "second.so"), WithWatchFunc(FileWatch(hub)))
	assert.Equal(t, 1, hub.Dirs())

	require.NoError(t, os.Remove(filepath.Join(dir, "first.so")))
	waitDisposed(t, first)

	settle(t, second)
	assert.Equal(t, Loaded, second.State())
	assert.Equal(t, 1, hub.Dirs(), "the directory stays watched for the remaining record")

	require.NoError(t, second.Close(context.Background()))
	assert.Equal(t, 0, hub.Dirs())
}

// panickingResolver blows up while looking the entry up, like a module whose
// entry function panics.
type panickingResolver struct {
	*fakeLoader
}

func (panickingResolver) Resolve(module.Handle, module.Capability) (*module.Entry, error) {
	panic("entry function exploded")
}

func TestLoad_ResolvePanicIsEntryNotFound(t *testing.T) {
	w := &world{}
	loader := newFakeLoader(w, probeEntry(w, 0, nil))
	events := &eventLog{}

	r, err := New(testPath, 1, panickingResolver{loader},
		WithLogger(slog.New(slog.DiscardHandler)),
		WithWatchFunc((&fakeWatch{}).open),
		WithListener(events.listener),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close(context.Background()) })

	err = r.Load(context.Background(), false)
	require.Error(t, err)
	assert.ErrorIs(t, err, pluginerr.ErrEntryNotFound)
	assert.Equal(t, pluginerr.KindEntryNotFound, pluginerr.KindOf(err))
	assert.ErrorContains(t, err, "entry function exploded")

	assert.Equal(t, Unloaded, r.State())
	assert.Equal(t, 0, loader.liveCount())
	assert.Equal(t, []EventType{EventFailed}, events.types())
}
