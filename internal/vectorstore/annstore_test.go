package vectorstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInProcessStoreUpsertQueryClear(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem1")

	s, err := NewInProcess(path, 3)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, "a", []float32{1, 0, 0}, "payload a"))
	require.NoError(t, s.Upsert(ctx, "b", []float32{0, 1, 0}, "payload b"))

	results, err := s.Query(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "a", results[0].ID)
	require.Equal(t, "payload a", results[0].Payload)

	require.NoError(t, s.Clear(ctx))
	results, err = s.Query(ctx, []float32{1, 0, 0}, 1)
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestInProcessStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mem2")

	s, err := NewInProcess(path, 2)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(context.Background(), "chunk-1", []float32{0.6, 0.8}, "hello"))
	require.NoError(t, s.Close())

	require.FileExists(t, path+".hnsw")
	require.FileExists(t, path+".sidecar")

	s2, err := NewInProcess(path, 2)
	require.NoError(t, err)
	defer s2.Close()

	results, err := s2.Query(context.Background(), []float32{0.6, 0.8}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "chunk-1", results[0].ID)
	require.Equal(t, "hello", results[0].Payload)
}
