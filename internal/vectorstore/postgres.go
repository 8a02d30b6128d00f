package vectorstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgStore is a pgvector-backed Store. The table carries a payload text
// column instead of an arbitrary metadata map since a memory chunk's
// payload is always its source text.
type pgStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewPostgres connects to dsn and ensures the pgvector extension and the
// backing table exist.
func NewPostgres(ctx context.Context, dsn string, dimensions int) (Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("vectorstore: ping postgres: %w", err)
	}
	s := &pgStore{pool: pool, dimensions: dimensions}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *pgStore) ensureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		return fmt.Errorf("vectorstore: create vector extension: %w", err)
	}
	vecType := "vector"
	if s.dimensions > 0 {
		vecType = fmt.Sprintf("vector(%d)", s.dimensions)
	}
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS kiln_chunks (
  id TEXT PRIMARY KEY,
  vec %s,
  payload TEXT NOT NULL DEFAULT ''
);`, vecType))
	if err != nil {
		return fmt.Errorf("vectorstore: create kiln_chunks table: %w", err)
	}
	return nil
}

func (s *pgStore) Upsert(ctx context.Context, id string, vector []float32, payload string) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO kiln_chunks(id, vec, payload) VALUES($1, $2::vector, $3)
ON CONFLICT (id) DO UPDATE SET vec=EXCLUDED.vec, payload=EXCLUDED.payload
`, id, toVectorLiteral(vector), payload)
	return err
}

func (s *pgStore) Query(ctx context.Context, vector []float32, n int) ([]Result, error) {
	if n <= 0 {
		n = 10
	}
	rows, err := s.pool.Query(ctx, `
SELECT id, 1 - (vec <=> $1::vector) AS score, payload
FROM kiln_chunks ORDER BY vec <=> $1::vector LIMIT $2
`, toVectorLiteral(vector), n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Result, 0, n)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Score, &r.Payload); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *pgStore) Clear(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE kiln_chunks`)
	return err
}

func (s *pgStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *pgStore) Close() error {
	s.pool.Close()
	return nil
}

func toVectorLiteral(v []float32) string {
	if len(v) == 0 {
		return "[]"
	}
	var b strings.Builder
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%g", x)
	}
	b.WriteByte(']')
	return b.String()
}
