package memengine

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/kilnmodel"
	"kiln/internal/llmengine"
	"kiln/internal/pool"
)

func newTestEngine(t *testing.T) (*Engine, kilnmodel.Memory) {
	t.Helper()
	eng := llmengine.NewMemoryEngine()
	p := pool.New(eng, 4, 2)
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "embed-1", ContextLen: 2048}, 2))

	me := New(p)
	mem := kilnmodel.Memory{
		Name:              "notes",
		EmbeddingModelKey: "embed-1",
		Dimensions:        32,
		Store:             kilnmodel.StoreInProcess,
		IndexPath:         filepath.Join(t.TempDir(), "notes"),
		ChunkSeparators:   []string{"\n\n", " "},
		ChunkMaxTokens:    8,
	}
	require.NoError(t, me.Register(context.Background(), mem))
	return me, mem
}

func TestRememberThenRecall(t *testing.T) {
	me, mem := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, me.Remember(ctx, mem.Name, "doc-1", "the quick brown fox jumps over the lazy dog", true))

	hits, err := me.Recall(ctx, mem.Name, "quick brown fox", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestRememberIsRestartable(t *testing.T) {
	me, mem := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, me.Remember(ctx, mem.Name, "doc-1", "alpha beta gamma delta", true))
	require.NoError(t, me.Remember(ctx, mem.Name, "doc-1", "alpha beta gamma delta", true))

	hits, err := me.Recall(ctx, mem.Name, "alpha", 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
}

func TestForgetClearsMemory(t *testing.T) {
	me, mem := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, me.Remember(ctx, mem.Name, "doc-1", "hello world", true))
	require.NoError(t, me.Forget(ctx, mem.Name))

	hits, err := me.Recall(ctx, mem.Name, "hello", 5)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestRecallUnknownMemory(t *testing.T) {
	me, _ := newTestEngine(t)
	_, err := me.Recall(context.Background(), "nope", "x", 1)
	require.Error(t, err)
}
