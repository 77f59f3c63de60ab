package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func waitFor(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case name, ok := <-ch:
		require.True(t, ok, "notify channel closed")
		return name
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a watchdog event")
	}
	return ""
}

func TestWatchDog_NotifiesCreatedFiles(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notify := make(chan string, 8)
	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, notify, func(path string) bool {
		return !strings.HasSuffix(path, ".tmp")
	})
	require.NoError(t, err)
	require.NoError(t, wd.AddDir(dir))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.tmp"), nil, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "crash-1"), nil, 0644))

	assert.Equal(t, filepath.Join(dir, "crash-1"), waitFor(t, notify))
}

func TestWatchDog_ClosesChannelOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	notify := make(chan string)
	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, notify, nil)
	require.NoError(t, err)
	require.NoError(t, wd.AddDir(t.TempDir()))

	cancel()
	select {
	case _, ok := <-notify:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("notify channel not closed")
	}
}

func TestWatchDog_AddDirMissing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	wd, err := NewWatchDogFactory(zap.NewNop()).New(ctx, make(chan string, 1), nil)
	require.NoError(t, err)

	assert.Error(t, wd.AddDir(filepath.Join(t.TempDir(), "missing")))
}
