package vectorstore

import (
	"context"

	"kiln/internal/annindex"
)

// annStore adapts an annindex.Index to the uniform Store interface.
type annStore struct {
	idx *annindex.Index
}

// NewInProcess opens (or creates) the persisted HNSW-backed store at path.
func NewInProcess(path string, dimensions int) (Store, error) {
	idx, err := annindex.Open(path, dimensions, annindex.DefaultM, annindex.DefaultEfConstruction, annindex.DefaultEfSearch)
	if err != nil {
		return nil, err
	}
	return &annStore{idx: idx}, nil
}

func (s *annStore) Upsert(_ context.Context, id string, vector []float32, payload string) error {
	return s.idx.Upsert(id, vector, payload)
}

func (s *annStore) Query(_ context.Context, vector []float32, n int) ([]Result, error) {
	hits, err := s.idx.Query(vector, n)
	if err != nil {
		return nil, err
	}
	out := make([]Result, len(hits))
	for i, h := range hits {
		out[i] = Result{ID: h.ExternalID, Score: float64(h.Score), Payload: h.Payload}
	}
	return out, nil
}

func (s *annStore) Clear(context.Context) error { return s.idx.Clear() }

func (s *annStore) Close() error { return s.idx.Close() }
