package annindex

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// Index is a persisted HNSW graph plus a sidecar id->payload map that must
// describe the same set of ids after every successful insert or flush.
// The files <path>.hnsw and <path>.sidecar are each rewritten atomically on
// every flush, and a gofrs/flock lock file guards the pair against a second
// process opening the same memory concurrently.
type Index struct {
	mu          sync.Mutex
	graphPath   string
	sidecarPath string
	lock        *flock.Flock
	graph       *Graph
	payload     map[string]string
}

// Open loads an existing index at path (base path without extension),
// or creates an empty one bound to dimension if none exists yet.
func Open(path string, dimension, m, efConstruction, efSearch int) (*Index, error) {
	if err := ensureDir(path); err != nil {
		return nil, fmt.Errorf("annindex: prepare directory for %s: %w", path, err)
	}
	lock := flock.New(path + ".lock")
	lockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	locked, err := lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil || !locked {
		return nil, fmt.Errorf("annindex: lock %s: %w", path+".lock", err)
	}

	g, err := loadGraph(path+".hnsw", m, efConstruction, efSearch)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if g == nil {
		g = NewGraph(dimension, m, efConstruction, efSearch)
	}

	payload, err := loadSidecar(path + ".sidecar")
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	return &Index{graphPath: path + ".hnsw", sidecarPath: path + ".sidecar", lock: lock, graph: g, payload: payload}, nil
}

// Dimension reports the vector length every upserted vector must match.
func (ix *Index) Dimension() int { return ix.graph.Dimension() }

// Upsert inserts vec under externalID with payload text, then flushes the
// graph and sidecar atomically so the two remain consistent on disk.
func (ix *Index) Upsert(externalID string, vec []float32, payload string) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if ix.graph.Dimension() != 0 && len(vec) != ix.graph.Dimension() {
		return fmt.Errorf("annindex: vector has dimension %d, index expects %d", len(vec), ix.graph.Dimension())
	}
	ix.graph.Insert(externalID, normalize(vec))
	ix.payload[externalID] = payload
	return ix.flush()
}

// Query returns the k nearest stored chunks to vec together with their
// payload text.
func (ix *Index) Query(vec []float32, k int) ([]QueryResult, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	hits := ix.graph.Search(normalize(vec), k)
	out := make([]QueryResult, len(hits))
	for i, h := range hits {
		out[i] = QueryResult{ExternalID: h.ExternalID, Score: h.Score, Payload: ix.payload[h.ExternalID]}
	}
	return out, nil
}

// QueryResult is one nearest-neighbor hit with its stored source text.
type QueryResult struct {
	ExternalID string
	Score      float32
	Payload    string
}

// Clear drops every indexed vector and payload, implementing forget()'s
// clear semantics for an in-process memory.
func (ix *Index) Clear() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	dim := ix.graph.Dimension()
	ix.graph.Reset()
	ix.graph.dimension = dim
	ix.payload = make(map[string]string)
	return ix.flush()
}

// Close releases the index's file lock. It does not flush; callers must
// have already committed the last mutation via Upsert or Clear.
func (ix *Index) Close() error {
	return ix.lock.Unlock()
}

func (ix *Index) flush() error {
	if err := saveGraph(ix.graph, ix.graphPath); err != nil {
		return err
	}
	return saveSidecar(ix.payload, ix.sidecarPath)
}

// normalize returns the L2-normalized copy of v so the graph's dot-product
// similarity is cosine similarity regardless of what the embedding model
// emitted. A zero vector is returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	inv := 1 / math.Sqrt(sum)
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * inv)
	}
	return out
}

func loadSidecar(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return make(map[string]string), nil
	}
	if err != nil {
		return nil, fmt.Errorf("annindex: read sidecar %s: %w", path, err)
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("annindex: decode sidecar %s: %w", path, err)
	}
	return m, nil
}

func saveSidecar(payload map[string]string, path string) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("annindex: encode sidecar: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("annindex: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("annindex: rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
