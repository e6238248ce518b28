package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pingTemplate = `
id: ping
name: Ping
tasks:
  - id: say
    title: Say hello
    type: notify
`

func waitReload(t *testing.T, w *TemplateWatcher) int {
	t.Helper()
	select {
	case n := <-w.Reloaded():
		return n
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for template reload")
		return 0
	}
}

func TestTemplateWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	catalog := NewCatalog()
	w, err := NewTemplateWatcher(dir, catalog, 20*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.yaml"), []byte(pingTemplate), 0o644))
	assert.Equal(t, 1, waitReload(t, w))

	tmpl, ok := catalog.Get("ping")
	require.True(t, ok)
	assert.Equal(t, filepath.Join(dir, "ping.yaml"), tmpl.Source)
	_, ok = catalog.Get(ScheduleMeetingTemplateID)
	assert.True(t, ok)
}

func TestTemplateWatcher_KeepsCatalogOnBadFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ping.yaml"), []byte(pingTemplate), 0o644))

	catalog := NewCatalog()
	_, err := catalog.Reload(dir)
	require.NoError(t, err)

	w, err := NewTemplateWatcher(dir, catalog, 20*time.Millisecond, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("id: [unclosed"), 0o644))
	// removing it afterwards shows the watcher survived the failure
	time.Sleep(200 * time.Millisecond)
	_, ok := catalog.Get("ping")
	assert.True(t, ok, "failed reload must keep the previous catalog")

	require.NoError(t, os.Remove(filepath.Join(dir, "broken.yaml")))
	assert.Equal(t, 1, waitReload(t, w))
}

func TestTemplateWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	w, err := NewTemplateWatcher(dir, NewCatalog(), 20*time.Millisecond, nil)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644))
	select {
	case <-w.Reloaded():
		t.Fatal("non-template file triggered a reload")
	case <-time.After(200 * time.Millisecond):
	}
}
