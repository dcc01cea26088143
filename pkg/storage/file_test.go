package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "nested")
	f, err := NewFileBackend(dir)
	require.NoError(t, err)
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
		assert.Error(t, (&FileBackend{}).Validate())
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := f.Read(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, f.Write(ctx, "store", []byte(`{"a":1}`)))
		b, err := f.Read(ctx, "store")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":1}`, string(b))

		require.NoError(t, f.Write(ctx, "store", []byte(`{"a":2}`)))
		b, err = f.Read(ctx, "store")
		require.NoError(t, err)
		assert.JSONEq(t, `{"a":2}`, string(b))
	})

	t.Run("NoTempFilesLeft", func(t *testing.T) {
		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".tmp")
		}
	})

	t.Run("InvalidName", func(t *testing.T) {
		assert.Error(t, f.Write(ctx, "../escape", []byte(`{}`)))
		_, err := f.Read(ctx, "")
		assert.Error(t, err)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, f.Write(ctx, "usage-b", []byte(`{}`)))
		require.NoError(t, f.Write(ctx, "usage-a", []byte(`{}`)))
		names, err := f.List(ctx, "usage-")
		require.NoError(t, err)
		assert.Equal(t, []string{"usage-a", "usage-b"}, names)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, f.Delete(ctx, "usage-a"))
		require.NoError(t, f.Delete(ctx, "usage-a"), "deleting twice is fine")
		_, err := f.Read(ctx, "usage-a")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ConcurrentWrites", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				assert.NoError(t, f.Write(ctx, "race", []byte(fmt.Sprintf(`{"i":%d}`, i))))
			}(i)
		}
		wg.Wait()
		b, err := f.Read(ctx, "race")
		require.NoError(t, err)
		assert.Regexp(t, `^\{"i":\d+\}$`, string(b))
	})
}
