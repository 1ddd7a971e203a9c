package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/portmux/portmux/sdk/testutil"
)

func startWatcher(t *testing.T, paths ...string) *FileWatcher {
	t.Helper()
	w, err := NewFileWatcher(paths, testutil.Logger(t))
	require.NoError(t, err)
	w.reconcileInterval = 20 * time.Millisecond
	w.Start(context.Background())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func requireEvent(t *testing.T, w *FileWatcher) {
	t.Helper()
	select {
	case <-w.Events():
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}
}

// drain consumes events caused by setup so that later assertions only see
// the change under test.
func drain(w *FileWatcher) {
	for {
		select {
		case <-w.Events():
		case <-time.After(100 * time.Millisecond):
			return
		}
	}
}

func TestFileWatcher_Write(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portmux.hcl")
	writeFile(t, path, "port = 1")
	w := startWatcher(t, path)
	drain(w)

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString("\nlog_level = \"debug\"")
	require.NoError(t, err)
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	requireEvent(t, w)
}

func TestFileWatcher_RenameReplace(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portmux.hcl")
	writeFile(t, path, "port = 1")
	w := startWatcher(t, path)
	drain(w)

	tmp := filepath.Join(dir, ".portmux.hcl.tmp")
	writeFile(t, tmp, "port = 2")
	require.NoError(t, os.Rename(tmp, path))

	requireEvent(t, w)
}

func TestFileWatcher_IgnoresSiblings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portmux.hcl")
	writeFile(t, path, "port = 1")
	w := startWatcher(t, path)
	drain(w)

	writeFile(t, filepath.Join(dir, "other.hcl"), "port = 2")
	select {
	case <-w.Events():
		t.Fatal("unexpected event for an unwatched file")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestFileWatcher_DirectoryNewFile(t *testing.T) {
	dir := t.TempDir()
	w := startWatcher(t, dir)
	drain(w)

	writeFile(t, filepath.Join(dir, "routes.json"), `{"routes": {}}`)
	requireEvent(t, w)
}

func TestFileWatcher_Coalesces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "portmux.hcl")
	writeFile(t, path, "port = 1")
	w := startWatcher(t, path)
	drain(w)

	for i := 0; i < 10; i++ {
		writeFile(t, path, "port = 2")
	}
	requireEvent(t, w)
	require.LessOrEqual(t, len(w.Events()), 1)
}

func TestNewFileWatcher_Errors(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "portmux.hcl")
	writeFile(t, target, "port = 1")
	link := filepath.Join(dir, "link.hcl")
	require.NoError(t, os.Symlink(target, link))

	_, err := NewFileWatcher([]string{filepath.Join(dir, "missing.hcl")}, nil)
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = NewFileWatcher([]string{link}, nil)
	testutil.RequireErrorContains(t, err, "symbolic links are not supported")
}
