// Package memengine implements document ingestion (chunk -> embed ->
// upsert) and recall (embed query -> nearest-neighbor query -> ranked
// payload text). It composes internal/chunker for splitting, internal/pool
// for exclusive access to the embedding model's session, and
// internal/vectorstore for the backing store.
package memengine

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"kiln/internal/chunker"
	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/logging"
	"kiln/internal/pool"
	"kiln/internal/tokenizer"
	"kiln/internal/vectorstore"
)

// chunkNamespace scopes the deterministic UUIDv5 chunk ids memengine mints
// so two different memories never collide even on identical source text.
var chunkNamespace = uuid.MustParse("6f6d0b8e-7b7a-4a7a-9c0a-9f8c9d9b9a01")

// tokenizerCounter adapts a pool-acquired session's tokenizer view to
// chunker.TokenCounter.
type tokenizerCounter struct {
	tok tokenizer.View
}

func (c tokenizerCounter) CountTokens(s string) int { return len(c.tok.Encode(s)) }

// Engine owns every configured memory's store and chunking policy.
type Engine struct {
	pool *pool.Pool

	mu       sync.Mutex
	memories map[string]kilnmodel.Memory
	stores   map[string]vectorstore.Store
}

// New constructs a memory engine bound to the task runner's session pool.
func New(p *pool.Pool) *Engine {
	return &Engine{pool: p, memories: make(map[string]kilnmodel.Memory), stores: make(map[string]vectorstore.Store)}
}

// Register makes a memory available to Remember/Recall/Forget, opening its
// backing store.
func (e *Engine) Register(ctx context.Context, m kilnmodel.Memory) error {
	store, err := vectorstore.Open(ctx, m)
	if err != nil {
		return fmt.Errorf("memengine: open store for memory %q: %w", m.Name, err)
	}
	e.mu.Lock()
	e.memories[m.Name] = m
	e.stores[m.Name] = store
	e.mu.Unlock()
	return nil
}

// Names lists every registered memory, for the façade's list_memories().
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.memories))
	for n := range e.memories {
		out = append(out, n)
	}
	return out
}

func (e *Engine) lookup(name string) (kilnmodel.Memory, vectorstore.Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.memories[name]
	if !ok {
		return kilnmodel.Memory{}, nil, kilnerr.Wrapf(kilnerr.ErrUnknownMemory, "memory %q", name)
	}
	return m, e.stores[name], nil
}

// Remember ingests a document into a memory: chunk, embed each chunk
// through the memory's embedding model, upsert. Chunk ids are deterministic
// UUIDv5 values derived from the memory name and the chunk's text, so
// re-ingesting the same text after a partial failure only rewrites
// already-stored chunks rather than duplicating them.
//
// When wait is false, ingestion runs in the background and Remember returns
// immediately with a nil error; a failure mid-ingestion is logged and the
// already-stored chunks remain. When wait is true, Remember blocks until
// the final upsert completes or the first error occurs.
func (e *Engine) Remember(ctx context.Context, memory, sourceID, text string, wait bool) error {
	m, store, err := e.lookup(memory)
	if err != nil {
		return err
	}

	if !wait {
		go func() {
			if err := e.ingest(context.Background(), m, store, sourceID, text); err != nil {
				logging.Log.WithError(err).WithField("memory", m.Name).Warn("background ingestion failed")
			}
		}()
		return nil
	}
	return e.ingest(ctx, m, store, sourceID, text)
}

func (e *Engine) ingest(ctx context.Context, m kilnmodel.Memory, store vectorstore.Store, sourceID, text string) error {
	counter, release, err := e.acquireCounter(ctx, m)
	if err != nil {
		return err
	}
	chunks := chunker.ChunkText(text, m.ChunkSeparators, m.ChunkMaxTokens, counter)
	// Released before embedding starts: embed acquires its own sessions,
	// and holding this one across the fan-out would wedge a pool with a
	// single permit.
	release()

	g, gctx := errgroup.WithContext(ctx)
	for _, c := range chunks {
		c := c
		g.Go(func() error {
			vec, err := e.embed(gctx, m, c.Text)
			if err != nil {
				return fmt.Errorf("memengine: embed chunk %d of %q: %w", c.Index, sourceID, err)
			}
			id := chunkID(m.Name, c.Text)
			return store.Upsert(gctx, id, vec, c.Text)
		})
	}
	return g.Wait()
}

// acquireCounter acquires one session against the memory's embedding model
// just to read its tokenizer view; the caller releases it as soon as
// chunking is done, since chunking itself never samples or feeds.
func (e *Engine) acquireCounter(ctx context.Context, m kilnmodel.Memory) (chunker.TokenCounter, func(), error) {
	h, err := e.pool.Acquire(ctx, m.EmbeddingModelKey, pool.NoTimeout)
	if err != nil {
		return nil, nil, err
	}
	tok := h.Session().Tokenizer()
	release := func() { e.pool.Release(h) }
	return tokenizerCounter{tok: tok}, release, nil
}

func (e *Engine) embed(ctx context.Context, m kilnmodel.Memory, text string) ([]float32, error) {
	var vec []float32
	err := e.pool.WithSession(ctx, m.EmbeddingModelKey, pool.NoTimeout, func(h *pool.Handle) error {
		sess := h.Session()
		sess.Reset()
		if err := sess.Feed(ctx, text); err != nil {
			return err
		}
		v, err := sess.Embed(ctx)
		if err != nil {
			return err
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	if m.Dimensions > 0 && len(vec) != m.Dimensions {
		return nil, kilnerr.Wrapf(kilnerr.ErrEmbeddingDimensionMismatch, "model %q returned %d dims, memory %q expects %d", m.EmbeddingModelKey, len(vec), m.Name, m.Dimensions)
	}
	return vec, nil
}

// Recall embeds the query and returns the n nearest chunk payloads in rank
// order.
func (e *Engine) Recall(ctx context.Context, memory, prompt string, n int) ([]string, error) {
	m, store, err := e.lookup(memory)
	if err != nil {
		return nil, err
	}
	vec, err := e.embed(ctx, m, prompt)
	if err != nil {
		return nil, err
	}
	results, err := store.Query(ctx, vec, n)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.Payload
	}
	return out, nil
}

// Forget clears every entry from a memory's backing store.
func (e *Engine) Forget(ctx context.Context, memory string) error {
	_, store, err := e.lookup(memory)
	if err != nil {
		return err
	}
	return store.Clear(ctx)
}

// Ping checks reachability of every memory whose store is network-backed.
// The returned map has one entry per registered memory; a nil value means
// healthy (or nothing to reach).
func (e *Engine) Ping(ctx context.Context) map[string]error {
	e.mu.Lock()
	stores := make(map[string]vectorstore.Store, len(e.stores))
	for n, s := range e.stores {
		stores[n] = s
	}
	e.mu.Unlock()

	out := make(map[string]error, len(stores))
	for name, s := range stores {
		if p, ok := s.(vectorstore.Pinger); ok {
			if err := p.Ping(ctx); err != nil {
				out[name] = kilnerr.Wrapf(kilnerr.ErrExternalStoreUnavailable, "memory %q: %v", name, err)
				continue
			}
		}
		out[name] = nil
	}
	return out
}

// Close releases every registered memory's store.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var first error
	for _, s := range e.stores {
		if err := s.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func chunkID(memory, text string) string {
	return uuid.NewSHA1(chunkNamespace, []byte(memory+"\x00"+text)).String()
}
