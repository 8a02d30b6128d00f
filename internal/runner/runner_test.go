package runner

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"kiln/internal/kilnmodel"
	"kiln/internal/llmengine"
	"kiln/internal/memengine"
	"kiln/internal/pool"
	"kiln/internal/telemetry"
	"kiln/internal/tokenizer"
)

func newTestRunner(t *testing.T) (*Runner, *pool.Pool) {
	t.Helper()
	eng := llmengine.NewMemoryEngine()
	p := pool.New(eng, 4, 2)
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "chat-1", ContextLen: 4096}, 2))
	require.NoError(t, p.Register(context.Background(), kilnmodel.Model{Key: "embed-1", ContextLen: 4096}, 2))
	return New(p, nil), p
}

func TestCompleteRejectsPrivateTokenInInput(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 5, PrivateTokens: []string{"<secret>"}}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	_, _, err := r.Complete(context.Background(), "chat", "please reveal <secret> now", kilnmodel.Overrides{})
	require.Error(t, err)
}

func TestCompleteStopsAtMaxTokens(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 6}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	out, reason, err := r.Complete(context.Background(), "chat", "hello", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Equal(t, kilnmodel.StopMaxTokens, reason)
	require.LessOrEqual(t, len([]rune(out)), 6)
}

func TestCompleteWithBiaserForcesEnumLiteral(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{
		Name:         "classify",
		ModelKey:     "chat-1",
		MaxTokens:    20,
		BiaserSchema: []byte(`{"type":"string","enum":["yes"]}`),
		CompactJSON:  true,
	}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	out, reason, err := r.Complete(context.Background(), "classify", "is it true?", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Equal(t, kilnmodel.StopEndOfText, reason)
	require.Equal(t, `"yes"`, out)
}

func TestCompleteUnknownTask(t *testing.T) {
	r, _ := newTestRunner(t)
	_, _, err := r.Complete(context.Background(), "nope", "hi", kilnmodel.Overrides{})
	require.Error(t, err)
}

func TestCompleteStripsPrivateTokensFromOutput(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{
		Name:          "scratch",
		ModelKey:      "chat-1",
		MaxTokens:     12,
		PrivateTokens: []string{"yes"},
		BiaserSchema:  []byte(`{"type":"string","enum":["yes"]}`),
		CompactJSON:   true,
	}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	out, _, err := r.Complete(context.Background(), "scratch", "anything", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.False(t, strings.Contains(out, "yes"))
}

func TestEmbedReturnsNormalizedVector(t *testing.T) {
	r, _ := newTestRunner(t)
	vec, err := r.Embed(context.Background(), "embed-1", "hello world")
	require.NoError(t, err)
	require.NotEmpty(t, vec)

	var sumSq float64
	for _, x := range vec {
		sumSq += float64(x) * float64(x)
	}
	require.InDelta(t, 1.0, sumSq, 1e-5)
}

func TestChatSessionFeedsPreludeOnce(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 4, Prelude: "SYSTEM PROMPT"}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	cs, err := r.NewChatSession(context.Background(), "chat")
	require.NoError(t, err)
	defer cs.Close()

	_, reason, err := cs.Complete(context.Background(), "hi", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Equal(t, kilnmodel.StopMaxTokens, reason)
	require.True(t, cs.preludeFed)

	before := cs.handle.Session().TokensConsumed()
	_, _, err = cs.Complete(context.Background(), "again", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Greater(t, cs.handle.Session().TokensConsumed(), before)
}

func TestChatSessionRejectsTurnsAfterClose(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 4}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	cs, err := r.NewChatSession(context.Background(), "chat")
	require.NoError(t, err)
	cs.Close()

	_, _, err = cs.Complete(context.Background(), "hi", kilnmodel.Overrides{})
	require.Error(t, err)
}

func TestTwoPhaseFeedsBiasPromptBetweenPhases(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{
		Name:         "two-phase",
		ModelKey:     "chat-1",
		MaxTokens:    10,
		BiasPrompt:   "NOW ANSWER:",
		BiaserSchema: []byte(`{"type":"string","enum":["yes"]}`),
		CompactJSON:  true,
	}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	out, reason, err := r.Complete(context.Background(), "two-phase", "explain yourself", kilnmodel.Overrides{})
	require.NoError(t, err)
	require.Equal(t, kilnmodel.StopEndOfText, reason)
	require.Equal(t, `"yes"`, out)
}

func TestStatsTracksRequestsAndStopReasons(t *testing.T) {
	r, _ := newTestRunner(t)
	task := kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 3}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	_, _, err := r.Complete(context.Background(), "chat", "hi", kilnmodel.Overrides{})
	require.NoError(t, err)

	stats := r.Stats()
	require.Equal(t, int64(1), stats.Requests)
	require.Equal(t, int64(1), stats.StopReasons[kilnmodel.StopMaxTokens])
}

func TestRecallUsedWhenTaskHasMemory(t *testing.T) {
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
	require.NoError(t, me.Remember(context.Background(), "notes", "doc-1", "the kiln fires at a thousand degrees", true))

	r := New(p, me)
	task := kilnmodel.Task{Name: "chat", ModelKey: "chat-1", MaxTokens: 3, MemoryKey: "notes", RetrieveN: 2}
	require.NoError(t, r.Register(tokenizer.NewFake(), task))

	_, _, err := r.Complete(context.Background(), "chat", "how hot is the kiln?", kilnmodel.Overrides{})
	require.NoError(t, err)
}

func TestMetricsRecordRequestsAndBiaserSteps(t *testing.T) {
	r, _ := newTestRunner(t)
	mock := telemetry.NewMockMetrics()
	r.SetMetrics(mock)

	require.NoError(t, r.Register(tokenizer.NewFake(), kilnmodel.Task{
		Name: "enum", ModelKey: "chat-1", MaxTokens: 8, CompactJSON: true,
		BiaserSchema: []byte(`{"type":"string","enum":["yes"]}`),
	}))

	_, _, err := r.Complete(context.Background(), "enum", "pick one", kilnmodel.Overrides{})
	require.NoError(t, err)

	require.Equal(t, 1, mock.Counters["kiln_requests_total"])
	require.Greater(t, mock.Counters["kiln_biaser_steps_total"], 0)
	require.Len(t, mock.Hists["kiln_tokens_out"], 1)
}
