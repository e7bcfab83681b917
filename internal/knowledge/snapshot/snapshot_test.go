package snapshot

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/storage"
)

const testFingerprint = "0123456789abcdef0123456789abcdef"

func TestEncodeDecodeKeepsOrderAndVectors(t *testing.T) {
	items := []knowledge.Item{
		{ID: "revenue_rule", Content: "only completed orders", Tags: []string{"revenue", "sales"}, Metadata: map[string]string{"type": "business_rule"}, Embedding: []float32{0.6, 0.8}},
		{ID: "join_pattern", Content: "join on customer_id", Embedding: []float32{1, 0}},
	}

	data, err := Encode(items)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(decoded) != 2 {
		t.Fatalf("len(decoded) = %d", len(decoded))
	}
	if decoded[0].ID != "revenue_rule" || decoded[1].ID != "join_pattern" {
		t.Fatalf("unexpected order: %+v", decoded)
	}
	if decoded[0].Type() != "business_rule" || len(decoded[0].Tags) != 2 {
		t.Fatalf("decoded[0] = %+v", decoded[0])
	}
	if decoded[0].Embedding[1] != 0.8 {
		t.Fatalf("decoded[0].Embedding = %v", decoded[0].Embedding)
	}
	if decoded[1].Metadata != nil {
		t.Fatalf("decoded[1].Metadata = %v, want nil", decoded[1].Metadata)
	}
}

func TestCacheFetchMissingSnapshot(t *testing.T) {
	cache := New(newMemoryStore(), "default")
	items, ok, err := cache.Fetch(context.Background(), testFingerprint)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if ok || items != nil {
		t.Fatalf("Fetch() = %v, %v; want miss", items, ok)
	}
}

func TestCacheSaveThenFetch(t *testing.T) {
	objects := newMemoryStore()
	cache := New(objects, "shop")
	items := []knowledge.Item{{ID: "a", Content: "a", Embedding: []float32{1, 0, 0}}}

	if err := cache.Save(context.Background(), testFingerprint, items); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	key := "knowledge/shop/snapshot-" + testFingerprint + ".parquet"
	if _, ok := objects.objects[key]; !ok {
		t.Fatalf("expected object %q, have %v", key, objects.keys())
	}
	if objects.opts[key].ContentType != contentType || objects.opts[key].Metadata["items"] != "1" {
		t.Fatalf("put options = %+v", objects.opts[key])
	}

	fetched, ok, err := cache.Fetch(context.Background(), testFingerprint)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !ok || len(fetched) != 1 || fetched[0].ID != "a" {
		t.Fatalf("Fetch() = %+v, %v", fetched, ok)
	}

	if err := cache.Delete(context.Background(), testFingerprint); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, ok, _ := cache.Fetch(context.Background(), testFingerprint); ok {
		t.Fatal("Fetch() after Delete() still hits")
	}
}

func TestCacheRestoresKnowledgeStoreWithoutEmbedding(t *testing.T) {
	cache := New(newMemoryStore(), "default")
	items := []knowledge.Item{{ID: "a", Content: "alpha"}, {ID: "b", Content: "beta"}}

	first := &countingEmbedder{}
	store, err := knowledge.NewStore(knowledge.Config{Embedder: first, Cache: cache})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	if _, err := store.Load(context.Background(), items); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	second := &countingEmbedder{}
	restarted, err := knowledge.NewStore(knowledge.Config{Embedder: second, Cache: cache})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	outcome, err := restarted.Load(context.Background(), items)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if outcome != knowledge.LoadReused {
		t.Fatalf("Load() = %q, want %q", outcome, knowledge.LoadReused)
	}
	if second.calls != 0 {
		t.Fatalf("embedder calls after restart = %d, want 0", second.calls)
	}
}

type countingEmbedder struct {
	calls int
}

func (e *countingEmbedder) Name() string    { return "counting" }
func (e *countingEmbedder) Model() string   { return "counting-v1" }
func (e *countingEmbedder) Dimensions() int { return 2 }

func (e *countingEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	e.calls++
	out := make([][]float32, len(inputs))
	for i, input := range inputs {
		out[i] = []float32{float32(len(input)), 1}
	}
	return out, nil
}

type memoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	opts    map[string]storage.PutOptions
}

func newMemoryStore() *memoryStore {
	return &memoryStore{objects: map[string][]byte{}, opts: map[string]storage.PutOptions{}}
}

func (m *memoryStore) Put(_ context.Context, key string, body io.Reader, _ int64, opts storage.PutOptions) (storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return storage.ObjectInfo{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.opts[key] = opts
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) Stat(_ context.Context, key string) (storage.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return storage.ObjectInfo{Key: key, Size: int64(len(data))}, nil
}

func (m *memoryStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *memoryStore) keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		keys = append(keys, key)
	}
	return keys
}
