package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codelens/internal/config"
	"codelens/internal/types"
)

type changeRecorder struct {
	mu      sync.Mutex
	changes []types.FileChange
}

func (r *changeRecorder) sink(_ context.Context, change types.FileChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change)
}

func (r *changeRecorder) snapshot() []types.FileChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.FileChange, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *changeRecorder) waitFor(t *testing.T, n int) []types.FileChange {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d changes, have %d", n, len(r.snapshot()))
	return nil
}

func newTestWatcher(t *testing.T) (string, *changeRecorder) {
	t.Helper()
	dir := t.TempDir()
	rec := &changeRecorder{}
	w, err := New(dir, config.WatchConfig{
		Enabled:    true,
		IgnoreDirs: []string{".git"},
		DebounceMs: 50,
	}, rec.sink)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { w.Close() })
	return dir, rec
}

func TestWatcherReportsCreate(t *testing.T) {
	dir, rec := newTestWatcher(t)

	path := filepath.Join(dir, "a.go")
	require.NoError(t, os.WriteFile(path, []byte("package a"), 0644))

	changes := rec.waitFor(t, 1)
	assert.Equal(t, path, changes[0].Path)
	assert.Equal(t, types.ChangeCreated, changes[0].Type)
	require.NotNil(t, changes[0].After)
	assert.Equal(t, "package a", changes[0].After.Content)
}

func TestWatcherDebouncesWriteStorm(t *testing.T) {
	dir, rec := newTestWatcher(t)

	path := filepath.Join(dir, "b.go")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0644))
	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("v2"), 0644))
		time.Sleep(5 * time.Millisecond)
	}

	changes := rec.waitFor(t, 1)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, len(changes), len(rec.snapshot()), "storm must collapse into one change")
	assert.Equal(t, types.ChangeCreated, changes[0].Type, "create followed by writes is still a create")
}

func TestWatcherIgnoresConfiguredDirs(t *testing.T) {
	dir, rec := newTestWatcher(t)

	ignored := filepath.Join(dir, ".git")
	require.NoError(t, os.MkdirAll(ignored, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ignored, "HEAD"), []byte("ref"), 0644))

	visible := filepath.Join(dir, "c.go")
	require.NoError(t, os.WriteFile(visible, []byte("package c"), 0644))

	changes := rec.waitFor(t, 1)
	for _, c := range changes {
		assert.NotContains(t, c.Path, ".git")
	}
}

func TestWatcherReportsDelete(t *testing.T) {
	dir, rec := newTestWatcher(t)

	path := filepath.Join(dir, "d.go")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
	rec.waitFor(t, 1)

	require.NoError(t, os.Remove(path))
	changes := rec.waitFor(t, 2)

	last := changes[len(changes)-1]
	assert.Equal(t, types.ChangeDeleted, last.Type)
	assert.Nil(t, last.After)
}
