package vectorstore

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// payloadField is the payload key the chunk's source text is stored under.
// Qdrant only allows UUIDs and unsigned integers as point ids, so a
// deterministic name-based UUID is derived for any id that isn't already
// one, and the caller's original id is kept alongside the text in the
// payload.
const payloadField = "_payload"
const idField = "_original_id"

type qdrantStore struct {
	client     *qdrant.Client
	collection string
	dimension  int
}

// NewQdrant dials a Qdrant collection over gRPC (default port 6334) and
// ensures it exists with the requested dimension, cosine distance.
func NewQdrant(dsn, collection string, dimensions int) (Store, error) {
	if collection == "" {
		return nil, fmt.Errorf("vectorstore: qdrant collection name is required")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: parse qdrant dsn: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := u.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: invalid qdrant port: %w", err)
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if u.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := u.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: create qdrant client: %w", err)
	}
	s := &qdrantStore{client: client, collection: collection, dimension: dimensions}
	if err := s.ensureCollection(context.Background()); err != nil {
		client.Close()
		return nil, fmt.Errorf("vectorstore: ensure qdrant collection: %w", err)
	}
	return s, nil
}

func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	if s.dimension <= 0 {
		return fmt.Errorf("dimensions must be > 0")
	}
	return s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
}

func pointUUID(id string) string {
	if _, err := uuid.Parse(id); err == nil {
		return id
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
}

func (s *qdrantStore) Upsert(ctx context.Context, id string, vector []float32, payload string) error {
	uid := pointUUID(id)
	md := map[string]any{payloadField: payload}
	if uid != id {
		md[idField] = id
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	_, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uid),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(md),
		}},
	})
	return err
}

func (s *qdrantStore) Query(ctx context.Context, vector []float32, n int) ([]Result, error) {
	if n <= 0 {
		n = 10
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	limit := uint64(n)
	hits, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, err
	}
	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		id := h.Id.GetUuid()
		var payloadText string
		if h.Payload != nil {
			if v, ok := h.Payload[payloadField]; ok {
				payloadText = v.GetStringValue()
			}
			if v, ok := h.Payload[idField]; ok && v.GetStringValue() != "" {
				id = v.GetStringValue()
			}
		}
		out = append(out, Result{ID: id, Score: float64(h.Score), Payload: payloadText})
	}
	return out, nil
}

func (s *qdrantStore) Clear(ctx context.Context) error {
	if err := s.client.DeleteCollection(ctx, s.collection); err != nil {
		return err
	}
	return s.ensureCollection(ctx)
}

func (s *qdrantStore) Ping(ctx context.Context) error {
	_, err := s.client.HealthCheck(ctx)
	return err
}

func (s *qdrantStore) Close() error { return s.client.Close() }
