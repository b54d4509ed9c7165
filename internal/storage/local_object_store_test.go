package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llmtune/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const bucket = "adapters"

func createStore(t *testing.T) *storage.LocalObjectStore {
	store, err := storage.NewLocalObjectStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.CreateBucket(context.Background(), bucket))
	return store
}

func TestPutListDownload(t *testing.T) {
	ctx := context.Background()
	store := createStore(t)

	require.NoError(t, store.PutObject(ctx, bucket, "exp1/adapter_model.bin", strings.NewReader("weights")))
	require.NoError(t, store.PutObject(ctx, bucket, "exp1/adapter_config.json", strings.NewReader("{}")))
	require.NoError(t, store.PutObject(ctx, bucket, "exp2/adapter_model.bin", strings.NewReader("other")))

	objects, err := store.ListObjects(ctx, bucket, "exp1/")
	require.NoError(t, err)
	assert.Len(t, objects, 2)

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, store.DownloadObject(ctx, bucket, "exp1/adapter_model.bin", dest))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "weights", string(data))
}

func TestListEmptyBucket(t *testing.T) {
	store := createStore(t)
	objects, err := store.ListObjects(context.Background(), "missing-bucket", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestUploadAndDownloadDir(t *testing.T) {
	ctx := context.Background()
	store := createStore(t)

	src := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(src, "checkpoint-100"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "adapter_model.bin"), []byte("weights"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "checkpoint-100", "state.json"), []byte("{}"), 0644))

	require.NoError(t, store.UploadDir(ctx, bucket, "exp1", src))

	dest := filepath.Join(t.TempDir(), "restored")
	require.NoError(t, store.DownloadDir(ctx, bucket, "exp1", dest, false))

	assert.FileExists(t, filepath.Join(dest, "adapter_model.bin"))
	assert.FileExists(t, filepath.Join(dest, "checkpoint-100", "state.json"))
}

func TestDownloadDirRespectsOverwrite(t *testing.T) {
	ctx := context.Background()
	store := createStore(t)

	require.NoError(t, store.PutObject(ctx, bucket, "exp1/a.bin", strings.NewReader("x")))

	dest := t.TempDir()
	err := store.DownloadDir(ctx, bucket, "exp1", dest, false)
	assert.ErrorContains(t, err, "already exists")

	require.NoError(t, store.DownloadDir(ctx, bucket, "exp1", dest, true))
	assert.FileExists(t, filepath.Join(dest, "a.bin"))
}

func TestDeleteObjects(t *testing.T) {
	ctx := context.Background()
	store := createStore(t)

	require.NoError(t, store.PutObject(ctx, bucket, "exp1/a.bin", strings.NewReader("x")))
	require.NoError(t, store.DeleteObjects(ctx, bucket, "exp1"))

	objects, err := store.ListObjects(ctx, bucket, "exp1/")
	require.NoError(t, err)
	assert.Empty(t, objects)
}
