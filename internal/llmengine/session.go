// Package llmengine defines the LLM session the pool hands out and the
// runner drives: a mutable inference context for one model. The real
// sampler, prompt feeding, and embedding computation live in an external
// execution engine; this package only defines the Session interface the
// rest of the core needs, plus an in-memory reference implementation used
// by tests and by deployments that have no real model loaded.
package llmengine

import (
	"context"

	"kiln/internal/kilnmodel"
	"kiln/internal/tokenizer"
)

// Session is a live inference context created from one model. It is never
// shared concurrently: the pool hands it to exactly one caller at a time and
// every method below must be called from that single caller.
type Session interface {
	// ModelKey identifies the model this session was created from.
	ModelKey() string

	// Tokenizer exposes the model's read-only tokenizer view.
	Tokenizer() tokenizer.View

	// Feed appends text to the session's prompt/history and consumes
	// context budget. It does not sample.
	Feed(ctx context.Context, text string) error

	// Sample produces the next token id given an optional bias map. A nil
	// bias is equivalent to an empty BiasMap (no constraint beyond the
	// task's sampler chain).
	Sample(ctx context.Context, bias kilnmodel.BiasMap) (int32, error)

	// Embed returns the mean-pooled embedding vector for everything fed
	// to the session since it was created or last reset.
	Embed(ctx context.Context) ([]float32, error)

	// TokensConsumed is the number of tokens currently held in the
	// session's history/KV state.
	TokensConsumed() int

	// ContextLen is the model's context window length.
	ContextLen() int

	// Reset clears the session's history, leaving it ready for a new,
	// unrelated completion. Chat tasks never call this between turns.
	Reset()

	// Close releases the session's resources. The pool calls this when a
	// session handle is discarded (marked poisoned) rather than returned.
	Close() error
}

// Engine loads models and creates sessions from them. Pool depends on this
// rather than on any concrete backend.
type Engine interface {
	// LoadModel loads m, returning ErrModelLoadFailed (wrapped) on failure.
	LoadModel(ctx context.Context, m kilnmodel.Model) error

	// NewSession creates a fresh session for an already-loaded model.
	NewSession(ctx context.Context, modelKey string) (Session, error)
}
