package knowledge

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
)

// Embedder turns texts into vectors. provider.OpenAIProvider satisfies it.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// pointsClient is the subset of *qdrant.Client the store uses.
type pointsClient interface {
	CollectionExists(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, req *qdrant.CreateCollection) error
	Upsert(ctx context.Context, req *qdrant.UpsertPoints) (*qdrant.UpdateResult, error)
	Delete(ctx context.Context, req *qdrant.DeletePoints) (*qdrant.UpdateResult, error)
	Query(ctx context.Context, req *qdrant.QueryPoints) ([]*qdrant.ScoredPoint, error)
	Count(ctx context.Context, req *qdrant.CountPoints) (uint64, error)
	HealthCheck(ctx context.Context) (*qdrant.HealthCheckReply, error)
	Close() error
}

// QdrantStore keeps passage embeddings in a Qdrant collection.
type QdrantStore struct {
	client     pointsClient
	embedder   Embedder
	collection string

	mu     sync.Mutex
	exists bool
}

// QdrantOption configures a QdrantStore.
type QdrantOption func(*QdrantStore)

// WithCollection overrides the collection name.
func WithCollection(name string) QdrantOption {
	return func(s *QdrantStore) {
		if name != "" {
			s.collection = name
		}
	}
}

// NewQdrantStore connects to Qdrant's gRPC endpoint at addr ("host:port").
func NewQdrantStore(addr, apiKey string, embedder Embedder, opts ...QdrantOption) (*QdrantStore, error) {
	host, port := parseHostPort(addr, "localhost", 6334)
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant client: %w", err)
	}
	return newQdrantStore(client, embedder, opts...), nil
}

func newQdrantStore(client pointsClient, embedder Embedder, opts ...QdrantOption) *QdrantStore {
	s := &QdrantStore{
		client:     client,
		embedder:   embedder,
		collection: DefaultCollection,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Search embeds the query and returns the k nearest passages. A collection
// that has never been written to yields no passages rather than an error.
func (s *QdrantStore) Search(ctx context.Context, query string, k int) ([]Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	ok, err := s.collectionExists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("knowledge: embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("knowledge: embed query: got %d vectors", len(vecs))
	}

	limit := uint64(k)
	points, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vecs[0]...),
		Limit:          &limit,
		WithPayload: &qdrant.WithPayloadSelector{
			SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: true},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge: query %s: %w", s.collection, err)
	}

	out := make([]Passage, 0, len(points))
	for _, pt := range points {
		p := Passage{Score: pt.GetScore()}
		if v, ok := pt.Payload["content"]; ok {
			p.Content = v.GetStringValue()
		}
		if v, ok := pt.Payload["source"]; ok {
			p.Source = v.GetStringValue()
		}
		if v, ok := pt.Payload["chunk"]; ok {
			p.Chunk = int(v.GetIntegerValue())
		}
		if p.Content == "" {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

// Upsert embeds and stores passages. Existing points of every source in
// passages are deleted first, so a shorter new version leaves no stale tail.
func (s *QdrantStore) Upsert(ctx context.Context, passages []Passage) (int, error) {
	if len(passages) == 0 {
		return 0, nil
	}
	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Content
	}
	vecs, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("knowledge: embed passages: %w", err)
	}
	if len(vecs) != len(passages) || len(vecs[0]) == 0 {
		return 0, fmt.Errorf("knowledge: embed passages: got %d vectors for %d passages", len(vecs), len(passages))
	}
	if err := s.ensureCollection(ctx, uint64(len(vecs[0]))); err != nil {
		return 0, err
	}

	wait := true
	seen := make(map[string]bool)
	for _, p := range passages {
		if seen[p.Source] {
			continue
		}
		seen[p.Source] = true
		if _, err := s.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: s.collection,
			Wait:           &wait,
			Points: qdrant.NewPointsSelectorFilter(&qdrant.Filter{
				Must: []*qdrant.Condition{qdrant.NewMatch("source", p.Source)},
			}),
		}); err != nil {
			return 0, fmt.Errorf("knowledge: delete %s from %s: %w", p.Source, s.collection, err)
		}
	}

	points := make([]*qdrant.PointStruct, len(passages))
	for i, p := range passages {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p.Source, p.Chunk)),
			Vectors: qdrant.NewVectors(vecs[i]...),
			Payload: qdrant.NewValueMap(map[string]any{
				"content": p.Content,
				"source":  p.Source,
				"chunk":   p.Chunk,
			}),
		}
	}

	if _, err := s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           &wait,
		Points:         points,
	}); err != nil {
		return 0, fmt.Errorf("knowledge: upsert %s: %w", s.collection, err)
	}
	return len(points), nil
}

func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	ok, err := s.collectionExists(ctx)
	if err != nil || !ok {
		return 0, err
	}
	exact := true
	n, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Exact:          &exact,
	})
	if err != nil {
		return 0, fmt.Errorf("knowledge: count %s: %w", s.collection, err)
	}
	return int(n), nil
}

func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("knowledge: qdrant health: %w", err)
	}
	return nil
}

// Close releases the gRPC connection.
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// PointID is the deterministic point id for a passage.
func PointID(source string, chunk int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(source+"#"+strconv.Itoa(chunk))).String()
}

func (s *QdrantStore) collectionExists(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.existsLocked(ctx)
}

func (s *QdrantStore) existsLocked(ctx context.Context) (bool, error) {
	if s.exists {
		return true, nil
	}
	ok, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return false, fmt.Errorf("knowledge: collection %s: %w", s.collection, err)
	}
	s.exists = ok
	return ok, nil
}

// ensureCollection holds mu across the existence check and the create.
func (s *QdrantStore) ensureCollection(ctx context.Context, size uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok, err := s.existsLocked(ctx)
	if err != nil || ok {
		return err
	}
	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     size,
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("knowledge: create collection %s: %w", s.collection, err)
	}
	s.exists = true
	return nil
}

func parseHostPort(addr, defaultHost string, defaultPort int) (string, int) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		if addr != "" {
			return addr, defaultPort
		}
		return defaultHost, defaultPort
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, defaultPort
	}
	return host, port
}
