package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryContract(t *testing.T) {
	runContract(t, NewMemory("test-bucket"))
}

func TestMemory_BucketLifecycle(t *testing.T) {
	ctx := context.Background()
	m := NewMemory("test-bucket")
	assert.False(t, m.BucketExists())

	require.NoError(t, m.Put(ctx, writeFile(t, []byte("x")), "k"))
	assert.True(t, m.BucketExists())

	require.NoError(t, m.Clear(ctx))
	assert.False(t, m.BucketExists())
}

func TestMemory_PutMissingFile(t *testing.T) {
	err := NewMemory("b").Put(context.Background(), filepath.Join(t.TempDir(), "missing"), "k")
	require.Error(t, err)
	assert.False(t, IsNotFound(err))
}

func TestMemory_ListHonorsContext(t *testing.T) {
	m := NewMemory("b")
	require.NoError(t, m.Put(context.Background(), writeFile(t, []byte("x")), "k"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Keys(m.List(ctx, ""))
	assert.ErrorIs(t, err, context.Canceled)
}
