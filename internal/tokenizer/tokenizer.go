// Package tokenizer provides the read-only tokenizer view the rest of the
// core depends on: iterate the vocabulary, decode a token id to bytes,
// encode text to token ids, and expose the end-of-text token id. The
// concrete implementation wraps github.com/daulet/tokenizers, decoding ids
// one at a time to recover each token's byte representation for the
// biaser's vocabulary trie.
package tokenizer

import (
	"fmt"

	"github.com/daulet/tokenizers"
)

// View is the read-only tokenizer surface the LLM session and the biaser
// depend on. It never mutates shared state after construction, so a single
// View may be shared by every session created from the same model.
type View interface {
	// Encode returns the token ids for text.
	Encode(text string) []int32
	// Decode renders a sequence of token ids back to text.
	Decode(ids []int32) string
	// TokenBytes returns the raw bytes a single token id decodes to. Used
	// by the biaser to build its vocabulary trie.
	TokenBytes(id int32) []byte
	// VocabSize is the number of distinct token ids.
	VocabSize() int
	// EndOfText is the token id that terminates generation.
	EndOfText() int32
}

// HF wraps a HuggingFace tokenizer.json loaded through daulet/tokenizers.
type HF struct {
	inner     *tokenizers.Tokenizer
	vocabSize int
	eot       int32
	byteCache [][]byte
}

// FromFile loads a tokenizer.json and precomputes the byte form of every
// vocabulary entry once, up front, so TokenBytes is O(1) afterward.
func FromFile(path string, eotToken string) (*HF, error) {
	inner, err := tokenizers.FromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer %s: %w", path, err)
	}

	h := &HF{inner: inner}
	h.vocabSize = int(inner.VocabSize())
	h.byteCache = make([][]byte, h.vocabSize)
	for id := 0; id < h.vocabSize; id++ {
		h.byteCache[id] = []byte(inner.Decode([]uint32{uint32(id)}, false))
	}

	eotIDs, _ := inner.Encode(eotToken, false)
	if len(eotIDs) != 1 {
		return nil, fmt.Errorf("end-of-text token %q did not encode to a single id", eotToken)
	}
	h.eot = int32(eotIDs[0])

	return h, nil
}

// Close releases the underlying tokenizer's native resources.
func (h *HF) Close() error {
	return h.inner.Close()
}

func (h *HF) Encode(text string) []int32 {
	ids, _ := h.inner.Encode(text, false)
	out := make([]int32, len(ids))
	for i, id := range ids {
		out[i] = int32(id)
	}
	return out
}

func (h *HF) Decode(ids []int32) string {
	u32 := make([]uint32, len(ids))
	for i, id := range ids {
		u32[i] = uint32(id)
	}
	return h.inner.Decode(u32, true)
}

func (h *HF) TokenBytes(id int32) []byte {
	if int(id) < 0 || int(id) >= len(h.byteCache) {
		return nil
	}
	return h.byteCache[id]
}

func (h *HF) VocabSize() int { return h.vocabSize }

func (h *HF) EndOfText() int32 { return h.eot }
