package storage

import (
	"context"
	"crypto/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testObjectsRoot = "root/child"

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dummy-file")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

// runContract exercises the behavior every Storage implementation must share
func runContract(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		binary := make([]byte, 64*1024)
		_, err := rand.Read(binary)
		require.NoError(t, err)

		for name, content := range map[string][]byte{
			"text":   []byte("dummy-content"),
			"empty":  {},
			"binary": binary,
		} {
			t.Run(name, func(t *testing.T) {
				key := testObjectsRoot + "/round-trip/" + name
				require.NoError(t, s.Put(ctx, writeFile(t, content), key))

				out := filepath.Join(t.TempDir(), "out")
				require.NoError(t, s.Get(ctx, key, out))
				got, err := os.ReadFile(out)
				require.NoError(t, err)
				assert.Equal(t, len(content), len(got))
				assert.Equal(t, content, got[:len(content)])
			})
		}
	})

	t.Run("list returns exactly the prefix", func(t *testing.T) {
		prefix := testObjectsRoot + "/test-list/"
		want := []string{prefix + "a", prefix + "b/c", prefix + "b/d"}
		for _, key := range want {
			require.NoError(t, s.Put(ctx, writeFile(t, []byte(key)), key))
		}
		require.NoError(t, s.Put(ctx, writeFile(t, []byte("x")), testObjectsRoot+"/test-list-other/a"))

		keys, err := Keys(s.List(ctx, prefix))
		require.NoError(t, err)
		assert.ElementsMatch(t, want, keys)

		// listing is restartable
		again, err := Keys(s.List(ctx, prefix))
		require.NoError(t, err)
		assert.ElementsMatch(t, want, again)
	})

	t.Run("list stops when the consumer stops", func(t *testing.T) {
		prefix := testObjectsRoot + "/test-list-break/"
		for _, key := range []string{"1", "2", "3"} {
			require.NoError(t, s.Put(ctx, writeFile(t, []byte(key)), prefix+key))
		}
		n := 0
		for _, err := range s.List(ctx, prefix) {
			require.NoError(t, err)
			n++
			break
		}
		assert.Equal(t, 1, n)
	})

	t.Run("get missing key is not found", func(t *testing.T) {
		err := s.Get(ctx, testObjectsRoot+"/never-written", filepath.Join(t.TempDir(), "out"))
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		var serr *Error
		assert.ErrorAs(t, err, &serr)
	})

	t.Run("get deleted key is not found", func(t *testing.T) {
		key := testObjectsRoot + "/test-delete"
		require.NoError(t, s.Put(ctx, writeFile(t, []byte("dummy-content")), key))
		require.NoError(t, s.Delete(ctx, key))

		err := s.Get(ctx, key, filepath.Join(t.TempDir(), "out"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("concurrent puts on distinct keys", func(t *testing.T) {
		prefix := testObjectsRoot + "/concurrent/"
		var wg sync.WaitGroup
		errs := make(chan error, 8)
		for i := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := prefix + string(rune('a'+i))
				errs <- s.Put(ctx, writeFile(t, []byte(key)), key)
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			assert.NoError(t, err)
		}
		keys, err := Keys(s.List(ctx, prefix))
		require.NoError(t, err)
		assert.Len(t, keys, 8)
	})

	t.Run("clear removes everything", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, writeFile(t, []byte("x")), testObjectsRoot+"/clear-me"))
		require.NoError(t, s.Clear(ctx))

		keys, err := Keys(s.List(ctx, ""))
		require.NoError(t, err)
		assert.Empty(t, keys)

		// clearing a missing bucket is a no-op, and the bucket comes back on put
		require.NoError(t, s.Clear(ctx))
		require.NoError(t, s.Put(ctx, writeFile(t, []byte("y")), testObjectsRoot+"/after-clear"))
		require.NoError(t, s.Clear(ctx))
	})
}
