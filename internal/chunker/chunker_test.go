package chunker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// wordCounter is the cheap heuristic TokenCounter used by these tests: one
// token per whitespace-delimited word.
type wordCounter struct{}

func (wordCounter) CountTokens(s string) int {
	return len(strings.Fields(s))
}

func TestChunkTextRespectsBudget(t *testing.T) {
	text := strings.Repeat("one two three four five. ", 40)
	chunks := ChunkText(text, []string{". ", " "}, 10, wordCounter{})
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		require.LessOrEqual(t, wordCounter{}.CountTokens(c.Text), 10)
		require.Equal(t, strings.TrimSpace(c.Text), c.Text)
		require.NotEmpty(t, c.Text)
	}
}

func TestChunkTextPrefersEarlierSeparator(t *testing.T) {
	text := "alpha beta.\n\ngamma delta.\n\nepsilon zeta."
	chunks := ChunkText(text, []string{"\n\n", ". "}, 100, wordCounter{})
	require.Len(t, chunks, 3, "every paragraph separator marks a chunk boundary")
	require.Equal(t, "alpha beta.", chunks[0].Text)

	chunks = ChunkText(text, []string{"\n\n", ". "}, 3, wordCounter{})
	for _, c := range chunks {
		require.NotContains(t, c.Text, "\n\n", "paragraph separator should never survive inside a chunk")
	}
}

func TestChunkTextSplitsEverySeparatorOccurrence(t *testing.T) {
	chunks := ChunkText("A. B. C.", []string{"."}, 10, wordCounter{})
	require.Len(t, chunks, 3)
	require.Equal(t, "A", chunks[0].Text)
	require.Equal(t, "B", chunks[1].Text)
	require.Equal(t, "C", chunks[2].Text)
}

func TestChunkTextForcesSplitWhenNoSeparatorFits(t *testing.T) {
	text := strings.Repeat("x", 500)
	chunks := ChunkText(text, []string{"\n\n"}, 5, byteCounter{})
	require.Greater(t, len(chunks), 1)
	for _, c := range chunks {
		require.LessOrEqual(t, len(c.Text), 5)
	}
}

type byteCounter struct{}

func (byteCounter) CountTokens(s string) int { return len(s) }

func TestChunkTextDropsEmptyChunks(t *testing.T) {
	chunks := ChunkText("   \n\n   ", nil, 10, wordCounter{})
	require.Empty(t, chunks)
}
