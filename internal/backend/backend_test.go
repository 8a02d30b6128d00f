package backend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/kilnmodel"
	"kiln/internal/llmengine"
	"kiln/internal/memengine"
	"kiln/internal/pool"
	"kiln/internal/runner"
	"kiln/internal/tokenizer"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	eng := llmengine.NewMemoryEngine()
	p := pool.New(eng, 4, 2)
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "chat-1", ContextLen: 4096}, 2))
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "embed-1", ContextLen: 4096}, 2))

	me := memengine.New(p)
	require.NoError(t, me.Register(context.Background(), kilnmodel.Memory{
		Name:              "notes",
		EmbeddingModelKey: "embed-1",
		Dimensions:        32,
		Store:             kilnmodel.StoreInProcess,
		IndexPath:         t.TempDir() + "/notes",
		ChunkMaxTokens:    8,
	}))

	r := runner.New(p, me)
	require.NoError(t, r.Register(tokenizer.NewFake(), kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 4}))

	return New(r, me)
}

func TestBackendCompleteAndStats(t *testing.T) {
	b := newTestBackend(t)
	out, reason, err := b.Complete(context.Background(), "chat", "hi", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Equal(t, kilnmodel.StopMaxTokens, reason)
	require.NotEmpty(t, out)

	require.Equal(t, int64(1), b.Stats().Requests)
	require.Contains(t, b.ListTasks(), "chat")
}

func TestBackendRememberAndRecall(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Remember(context.Background(), "notes", "doc-1", "text/plain", []byte("the kiln runs hot"), true))

	hits, err := b.Recall(context.Background(), "notes", "kiln", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	require.Contains(t, b.ListMemories(), "notes")
}

func TestBackendRememberRejectsUnsupportedMime(t *testing.T) {
	b := newTestBackend(t)
	err := b.Remember(context.Background(), "notes", "doc-1", "application/octet-stream", []byte{0x00, 0x01}, true)
	require.Error(t, err)
}

func TestBackendForgetClears(t *testing.T) {
	b := newTestBackend(t)
	require.NoError(t, b.Remember(context.Background(), "notes", "doc-1", "text/plain", []byte("hello"), true))
	require.NoError(t, b.Forget(context.Background(), "notes"))
	hits, err := b.Recall(context.Background(), "notes", "hello", 3)
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestBackendChatSession(t *testing.T) {
	b := newTestBackend(t)
	cs, err := b.Chat(context.Background(), "chat")
	require.NoError(t, err)
	defer cs.Close()

	_, reason, err := cs.Complete(context.Background(), "hi", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Equal(t, kilnmodel.StopMaxTokens, reason)
}

func TestBackendEmbed(t *testing.T) {
	b := newTestBackend(t)
	vec, err := b.Embed(context.Background(), "embed-1", "hello")
	require.NoError(t, err)
	require.NotEmpty(t, vec)
}

func TestBackendRecallWithoutMemoryConfigured(t *testing.T) {
	eng := llmengine.NewMemoryEngine()
	p := pool.New(eng, 2, 1)
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "chat-1", ContextLen: 4096}, 1))
	r := runner.New(p, nil)
	b := New(r, nil)

	_, err := b.Recall(context.Background(), "notes", "x", 1)
	require.Error(t, err)
}
