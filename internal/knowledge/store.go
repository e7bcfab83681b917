package knowledge

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/askql/askql/internal/apperr"
)

const defaultBatchSize = 64

type Config struct {
	Embedder  Embedder
	Index     Index
	Metric    Metric
	Cache     SnapshotCache
	BatchSize int
	Logger    *slog.Logger
}

// Store is the process-wide knowledge base. Load runs once behind a mutex; after a successful load the
// store is read-only and Search is safe for concurrent callers.
type Store struct {
	embedder  Embedder
	index     Index
	metric    Metric
	cache     SnapshotCache
	batchSize int
	logger    *slog.Logger

	mu     sync.Mutex
	loaded atomic.Bool
}

func NewStore(cfg Config) (*Store, error) {
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	metric := cfg.Metric
	if metric == "" {
		metric = MetricCosine
	}
	if _, err := ParseMetric(string(metric)); err != nil {
		return nil, err
	}
	index := cfg.Index
	if index == nil {
		index = NewMemoryIndex()
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		embedder:  cfg.Embedder,
		index:     index,
		metric:    metric,
		cache:     cfg.Cache,
		batchSize: batchSize,
		logger:    logger,
	}, nil
}

func (s *Store) Metric() Metric {
	return s.metric
}

func (s *Store) Loaded() bool {
	return s.loaded.Load()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.index.Count(ctx)
}

// Load embeds and indexes items. It is idempotent: when the index already holds entries, or a persisted
// snapshot matches the items, nothing is embedded and LoadReused is returned. A failed load leaves the
// store unloaded and the index untouched.
func (s *Store) Load(ctx context.Context, items []Item) (LoadOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.loaded.Load() {
		s.logger.InfoContext(ctx, "knowledge base already loaded, reusing existing entries")
		return LoadReused, nil
	}

	existing, err := s.index.Count(ctx)
	if err != nil {
		return "", fmt.Errorf("count indexed knowledge: %w", err)
	}
	if existing > 0 {
		if checker, ok := s.index.(CompatibilityChecker); ok {
			if err := checker.CheckCompatible(ctx, s.embedder, s.metric); err != nil {
				return "", apperr.Init("knowledge index", err)
			}
		}
		s.loaded.Store(true)
		s.logger.InfoContext(ctx, "knowledge base already loaded, reusing existing entries", slog.Int("items", existing))
		return LoadReused, nil
	}

	prepared, err := prepareItems(items)
	if err != nil {
		return "", err
	}

	fingerprint := Fingerprint(s.embedder, s.metric, prepared)
	if cached, ok := s.fetchSnapshot(ctx, fingerprint, prepared); ok {
		if err := s.index.Insert(ctx, cached); err != nil {
			return "", fmt.Errorf("index cached knowledge: %w", err)
		}
		s.loaded.Store(true)
		s.logger.InfoContext(ctx, "knowledge base restored from snapshot",
			slog.Int("items", len(cached)),
			slog.String("fingerprint", fingerprint),
		)
		return LoadReused, nil
	}

	contents := make([]string, len(prepared))
	for i, item := range prepared {
		contents[i] = item.Content
	}
	vectors, err := s.embed(ctx, contents)
	if err != nil {
		return "", apperr.Generation("embed knowledge", err)
	}
	dims := -1
	for i := range prepared {
		if dims >= 0 && len(vectors[i]) != dims {
			return "", apperr.Generation("embed knowledge", fmt.Errorf("item %q has dimension %d, want %d", prepared[i].ID, len(vectors[i]), dims))
		}
		dims = len(vectors[i])
		prepared[i].Embedding = vectors[i]
	}

	if err := s.index.Insert(ctx, prepared); err != nil {
		return "", fmt.Errorf("index knowledge: %w", err)
	}
	s.loaded.Store(true)
	s.logger.InfoContext(ctx, "knowledge base embedded",
		slog.Int("items", len(prepared)),
		slog.String("embedder", s.embedder.Name()),
		slog.String("metric", string(s.metric)),
	)

	if s.cache != nil {
		if err := s.cache.Save(ctx, fingerprint, prepared); err != nil {
			s.logger.WarnContext(ctx, "failed to persist knowledge snapshot", slog.Any("error", err))
		}
	}
	return LoadLoaded, nil
}

// SnapshotFingerprint is the key Load uses to look up a persisted snapshot of items.
func (s *Store) SnapshotFingerprint(items []Item) (string, error) {
	prepared, err := prepareItems(items)
	if err != nil {
		return "", err
	}
	return Fingerprint(s.embedder, s.metric, prepared), nil
}

// Search embeds query with the load-time embedder and returns at most k items, nearest first.
func (s *Store) Search(ctx context.Context, query string, k int) (Result, error) {
	if !s.loaded.Load() {
		return Result{}, apperr.ErrStoreNotLoaded
	}
	result := Result{Metric: s.metric}
	if k <= 0 {
		return result, nil
	}

	vectors, err := s.embed(ctx, []string{query})
	if err != nil {
		return Result{}, apperr.Generation("embed question", err)
	}

	hits, err := s.index.Nearest(ctx, vectors[0], k, s.metric)
	if err != nil {
		return Result{}, fmt.Errorf("search knowledge index: %w", err)
	}

	seen := make(map[string]struct{}, len(hits))
	result.Hits = make([]Hit, 0, len(hits))
	for _, hit := range hits {
		if _, dup := seen[hit.Item.ID]; dup {
			continue
		}
		seen[hit.Item.ID] = struct{}{}
		hit.Score = s.metric.Score(hit.Distance)
		result.Hits = append(result.Hits, hit)
		if len(result.Hits) == k {
			break
		}
	}
	return result, nil
}

// embed is the only path from text to vectors, so load-time and query-time vectors share the model and
// the normalization.
func (s *Store) embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(inputs))
	for start := 0; start < len(inputs); start += s.batchSize {
		end := min(start+s.batchSize, len(inputs))
		batch, err := s.embedder.Embed(ctx, inputs[start:end])
		if err != nil {
			return nil, err
		}
		if len(batch) != end-start {
			return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(batch), end-start)
		}
		for _, vector := range batch {
			if len(vector) == 0 {
				return nil, fmt.Errorf("embedder returned an empty vector")
			}
			if s.metric.Normalizes() {
				vector = normalize(vector)
			}
			out = append(out, vector)
		}
	}
	return out, nil
}

func (s *Store) fetchSnapshot(ctx context.Context, fingerprint string, prepared []Item) ([]Item, bool) {
	if s.cache == nil {
		return nil, false
	}
	cached, ok, err := s.cache.Fetch(ctx, fingerprint)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to read knowledge snapshot", slog.Any("error", err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	if len(cached) != len(prepared) {
		s.logger.WarnContext(ctx, "ignoring knowledge snapshot with mismatched item count",
			slog.Int("cached", len(cached)),
			slog.Int("source", len(prepared)),
		)
		return nil, false
	}
	restored := make([]Item, len(prepared))
	for i := range cached {
		if cached[i].ID != prepared[i].ID || cached[i].Content != prepared[i].Content || len(cached[i].Embedding) == 0 {
			s.logger.WarnContext(ctx, "ignoring knowledge snapshot that does not match the source", slog.String("item", prepared[i].ID))
			return nil, false
		}
		// Tags and metadata come from the source; only the vectors are reused.
		restored[i] = prepared[i]
		restored[i].Embedding = cached[i].Embedding
	}
	return restored, true
}

func prepareItems(items []Item) ([]Item, error) {
	seen := make(map[string]struct{}, len(items))
	prepared := make([]Item, 0, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, fmt.Errorf("knowledge item %d has an empty id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("duplicate knowledge item id %q", id)
		}
		if strings.TrimSpace(item.Content) == "" {
			return nil, fmt.Errorf("knowledge item %q has empty content", id)
		}
		seen[id] = struct{}{}
		item.ID = id
		item.Tags = append([]string(nil), item.Tags...)
		item.Embedding = nil
		prepared = append(prepared, item)
	}
	return prepared, nil
}

// Fingerprint identifies an embedded knowledge set: the embedder, the metric and every item's id and content.
func Fingerprint(embedder Embedder, metric Metric, items []Item) string {
	h := sha256.New()
	write := func(value string) {
		_, _ = io.WriteString(h, strconv.Itoa(len(value)))
		_, _ = io.WriteString(h, ":")
		_, _ = io.WriteString(h, value)
	}
	write(embedder.Name())
	write(embedder.Model())
	write(strconv.Itoa(embedder.Dimensions()))
	write(string(metric))
	for _, item := range items {
		write(item.ID)
		write(item.Content)
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
