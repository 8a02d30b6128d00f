// Package vectorstore is the uniform store abstraction every memory's
// backend implements: upsert/query/clear over either the persisted
// in-process ANN index or an external vector database (Qdrant over gRPC,
// or a pgvector-enabled Postgres).
package vectorstore

import "context"

// Result is one nearest-neighbor hit, ranked by descending similarity.
type Result struct {
	ID      string
	Score   float64
	Payload string
}

// Store is the uniform interface every memory's configured backend
// implements.
type Store interface {
	// Upsert inserts or replaces id's vector and payload text. Idempotent:
	// upserting the same id again with the same vector is a no-op observed
	// from the outside, which is what makes interrupted ingestion
	// restartable (chunk ids are deterministic).
	Upsert(ctx context.Context, id string, vector []float32, payload string) error

	// Query returns the n nearest payloads to vector, highest similarity
	// first.
	Query(ctx context.Context, vector []float32, n int) ([]Result, error)

	// Clear removes every entry, implementing forget()'s backend-level
	// reset.
	Clear(ctx context.Context) error

	// Close releases any resources (file locks, network connections) held
	// by the backend.
	Close() error
}

// Pinger is implemented by the network-backed stores so callers can check
// reachability without issuing a query. The in-process store has nothing to
// reach and does not implement it.
type Pinger interface {
	Ping(ctx context.Context) error
}
