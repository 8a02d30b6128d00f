package llmengine

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"sync"

	"kiln/internal/kilnerr"
	"kiln/internal/kilnmodel"
	"kiln/internal/tokenizer"
)

// MemoryEngine is a reference Engine implementation that holds sessions
// entirely in process memory, using tokenizer.Fake. It never runs a real
// model; sampling is a deterministic function of the session history, which
// is enough to exercise the pool, runner, and biaser in tests.
type MemoryEngine struct {
	mu     sync.Mutex
	models map[string]kilnmodel.Model
}

// NewMemoryEngine constructs an empty MemoryEngine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{models: make(map[string]kilnmodel.Model)}
}

func (e *MemoryEngine) LoadModel(_ context.Context, m kilnmodel.Model) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.models[m.Key] = m
	return nil
}

func (e *MemoryEngine) NewSession(_ context.Context, modelKey string) (Session, error) {
	e.mu.Lock()
	m, ok := e.models[modelKey]
	e.mu.Unlock()
	if !ok {
		return nil, kilnerr.Wrapf(kilnerr.ErrUnknownModel, "model %q", modelKey)
	}
	ctxLen := m.ContextLen
	if ctxLen <= 0 {
		ctxLen = 4096
	}
	return &memorySession{
		modelKey: modelKey,
		tok:      tokenizer.NewFake(),
		ctxLen:   ctxLen,
	}, nil
}

type memorySession struct {
	modelKey string
	tok      *tokenizer.Fake
	ctxLen   int
	history  []int32
	closed   bool
}

func (s *memorySession) ModelKey() string { return s.modelKey }

func (s *memorySession) Tokenizer() tokenizer.View { return s.tok }

func (s *memorySession) Feed(_ context.Context, text string) error {
	if s.closed {
		return kilnerr.Wrap(kilnerr.ErrInternal, "feed on closed session")
	}
	ids := s.tok.Encode(text)
	if len(s.history)+len(ids) > s.ctxLen {
		return kilnerr.Wrap(kilnerr.ErrContextFull, "feed")
	}
	s.history = append(s.history, ids...)
	return nil
}

// Sample picks a token derived from a hash of the history, so output is
// deterministic for a given prompt but varies across positions. End-of-text
// is never chosen spontaneously; it is the fallback when bias forbids every
// byte token, mirroring a real sampler always having at least EOT available.
func (s *memorySession) Sample(_ context.Context, bias kilnmodel.BiasMap) (int32, error) {
	if s.closed {
		return 0, kilnerr.Wrap(kilnerr.ErrInternal, "sample on closed session")
	}
	if len(s.history) >= s.ctxLen {
		return 0, kilnerr.Wrap(kilnerr.ErrContextFull, "sample")
	}
	forbidden := func(id int32) bool {
		if bias == nil {
			return false
		}
		b, ok := bias[id]
		return ok && math.IsInf(b, -1)
	}
	best := int32(deterministicSeed(s.history) % 256)
	if forbidden(best) {
		best = -1
		for id := int32(0); id < 256; id++ {
			if !forbidden(id) {
				best = id
				break
			}
		}
	}
	if best == -1 {
		best = s.tok.EndOfText()
	}
	s.history = append(s.history, best)
	return best, nil
}

func deterministicSeed(history []int32) uint32 {
	h := fnv.New32a()
	for _, id := range history {
		fmt.Fprintf(h, "%d,", id)
	}
	return h.Sum32()
}

func (s *memorySession) Embed(_ context.Context) ([]float32, error) {
	if s.closed {
		return nil, kilnerr.Wrap(kilnerr.ErrInternal, "embed on closed session")
	}
	const dim = 32
	v := make([]float32, dim)
	h := fnv.New32a()
	for _, id := range s.history {
		fmt.Fprintf(h, "%d,", id)
		v[int(h.Sum32())%dim] += 1
	}
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] = float32(float64(v[i]) / norm)
		}
	}
	return v, nil
}

func (s *memorySession) TokensConsumed() int { return len(s.history) }

func (s *memorySession) ContextLen() int { return s.ctxLen }

func (s *memorySession) Reset() { s.history = nil }

func (s *memorySession) Close() error {
	s.closed = true
	return nil
}
