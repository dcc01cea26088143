package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirestoreBackend(t *testing.T) {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}

	// Use a random collection for isolation
	f := &FirestoreBackend{
		projectID:  "test-project-id",
		collection: fmt.Sprintf("test-%d", time.Now().UnixNano()),
	}

	ctx := context.Background()
	require.NoError(t, f.Init(ctx))
	defer f.Close()

	t.Run("Validate", func(t *testing.T) {
		require.NoError(t, f.Validate())
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := f.Read(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		require.NoError(t, f.Write(ctx, "solcast", []byte(`{"schema_version":4,"siteinfo":{}}`)))
		b, err := f.Read(ctx, "solcast")
		require.NoError(t, err)
		assert.JSONEq(t, `{"schema_version":4,"siteinfo":{}}`, string(b))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, f.Write(ctx, "usage-1", []byte(`{}`)))
		names, err := f.List(ctx, "usage-")
		require.NoError(t, err)
		assert.Equal(t, []string{"usage-1"}, names)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, f.Delete(ctx, "usage-1"))
		_, err := f.Read(ctx, "usage-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("EmptyName", func(t *testing.T) {
		_, err := f.Read(ctx, "")
		assert.ErrorContains(t, err, "invalid document name")
	})
}
