// Package chunker implements the separator-preferring, token-budget-aware
// splitter memories ingest documents through: chunk boundaries prefer
// positions matching one of a memory's configured chunk_separators (earlier
// separators are stronger), falling back to a forced split at the token
// boundary closest to the budget when no separator fits.
package chunker

import (
	"strings"
	"unicode/utf8"
)

// TokenCounter measures the tokenized length of a string under some
// model's tokenizer. internal/memengine adapts an internal/tokenizer.View to
// it via len(Encode(s)).
type TokenCounter interface {
	CountTokens(s string) int
}

// DefaultSeparators mirrors the order a document chunker should try when a
// memory's configuration leaves chunk_separators empty: paragraph, then
// line, then sentence, then word.
var DefaultSeparators = []string{"\n\n", "\n", ". ", " "}

// Chunk is one ordered, trimmed, non-empty piece of a chunked document.
type Chunk struct {
	Index int
	Text  string
}

// ChunkText splits text into ordered, trimmed, non-empty chunks.
// separators earlier in the slice are preferred; maxTokens is the hard
// budget every returned chunk's tokenized length must respect.
func ChunkText(text string, separators []string, maxTokens int, counter TokenCounter) []Chunk {
	if maxTokens <= 0 {
		maxTokens = 256
	}
	if len(separators) == 0 {
		separators = DefaultSeparators
	}
	pieces := split(text, separators, maxTokens, counter)

	out := make([]Chunk, 0, len(pieces))
	idx := 0
	for _, p := range pieces {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, Chunk{Index: idx, Text: p})
		idx++
	}
	return out
}

// split cuts text at every occurrence of the strongest separator; a piece
// that still exceeds the budget recurses with the weaker separators, and
// once separators are exhausted the piece is force-split. Pieces are never
// merged back together: a separator in the input always marks a chunk
// boundary in the output.
func split(text string, seps []string, maxTokens int, counter TokenCounter) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(seps) == 0 {
		if counter.CountTokens(text) <= maxTokens {
			return []string{text}
		}
		return forceSplit(text, maxTokens, counter)
	}

	var out []string
	for _, piece := range strings.Split(text, seps[0]) {
		piece = strings.TrimSpace(piece)
		if piece == "" {
			continue
		}
		if counter.CountTokens(piece) <= maxTokens {
			out = append(out, piece)
			continue
		}
		out = append(out, split(piece, seps[1:], maxTokens, counter)...)
	}
	return out
}

// forceSplit is the last resort when no configured separator fits within
// the budget: cut at the token boundary closest to maxTokens, snapping to a
// nearby whitespace boundary when one is close enough to avoid a mid-word
// split.
func forceSplit(text string, maxTokens int, counter TokenCounter) []string {
	var out []string
	for len(text) > 0 {
		if counter.CountTokens(text) <= maxTokens {
			if t := strings.TrimSpace(text); t != "" {
				out = append(out, t)
			}
			break
		}
		cut := boundaryForBudget(text, maxTokens, counter)
		if piece := strings.TrimSpace(text[:cut]); piece != "" {
			out = append(out, piece)
		}
		text = text[cut:]
	}
	return out
}

func boundaryForBudget(text string, maxTokens int, counter TokenCounter) int {
	lo, hi, best := 1, len(text), 1
	for lo <= hi {
		mid := (lo + hi) / 2
		m := snapToRuneStart(text, mid)
		if m == 0 {
			m = mid
		}
		if counter.CountTokens(text[:m]) <= maxTokens {
			best = m
			lo = mid + 1
		} else {
			hi = mid - 1
		}
	}
	if i := strings.LastIndexAny(text[:best], " \t\n"); i > best/2 {
		return i
	}
	return best
}

func snapToRuneStart(text string, pos int) int {
	for pos > 0 && !utf8.RuneStart(text[pos]) {
		pos--
	}
	return pos
}
