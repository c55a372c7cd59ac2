package storage

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eatyourpeas/checktick-sub000/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	doc := []byte(`{"encrypted_kek":"deadbeef"}`)
	require.NoError(t, store.Put(ctx, "surveys/7/kek", doc))

	got, err := store.Get(ctx, "surveys/7/kek")
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	// Returned slices are copies; mutating one must not affect the store.
	got[0] = 'X'
	again, err := store.Get(ctx, "surveys/7/kek")
	require.NoError(t, err)
	assert.Equal(t, doc, again)

	require.NoError(t, store.Delete(ctx, "surveys/7/kek"))
	_, err = store.Get(ctx, "surveys/7/kek")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	assert.True(t, store.Available(ctx))
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	doc := []byte(`{"vault_component":"00ff"}`)
	path := interfaces.UserRecoveryKEKPath(42, 7)
	require.NoError(t, store.Put(ctx, path, doc))

	got, err := store.Get(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, doc, got)

	require.NoError(t, store.Delete(ctx, path))
	_, err = store.Get(ctx, path)
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	// Deleting an absent path is fine.
	require.NoError(t, store.Delete(ctx, path))

	assert.True(t, store.Available(ctx))
}

func TestFileStoreRejectsEscapingPaths(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir(), testLogger())
	require.NoError(t, err)

	for _, path := range []string{"../escape", "a/../../escape", "/etc/passwd"} {
		_, err := store.Get(ctx, path)
		assert.Error(t, err, "path %q must be rejected", path)
		assert.NotErrorIs(t, err, interfaces.ErrKeyNotFound)
	}
}

func TestStoreFactorySchemes(t *testing.T) {
	factory := NewStoreFactory(testLogger())

	memStore, err := factory.StoreFor("memory://")
	require.NoError(t, err)
	assert.Equal(t, "memory", memStore.Name())

	fileStore, err := factory.StoreFor("file://" + t.TempDir())
	require.NoError(t, err)
	assert.True(t, fileStore.Available(context.Background()))

	vaultStore, err := factory.StoreFor("vault://127.0.0.1:8200/secret/checktick?token=dev-token&insecure=true")
	require.NoError(t, err)
	assert.Equal(t, "vault-secret-checktick", vaultStore.Name())

	_, err = factory.StoreFor("s3://bucket/prefix")
	assert.Error(t, err)

	_, err = factory.StoreFor("vault://127.0.0.1:8200")
	assert.Error(t, err, "vault URI without a mount path")
}
