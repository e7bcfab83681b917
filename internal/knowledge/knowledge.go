// Package knowledge holds the curated knowledge snippets used to ground query generation and the
// vector index that ranks them against an incoming question.
package knowledge

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
)

// DefaultTopK is the number of knowledge items retrieved per question when nothing else is configured.
const DefaultTopK = 5

// Item is a curated knowledge snippet. Embedding is filled in once by Store.Load and never changes afterwards.
type Item struct {
	ID        string
	Content   string
	Tags      []string
	Metadata  map[string]string
	Embedding []float32
}

// Type returns the item's knowledge category (business_rule, query_pattern, ...), if any.
func (i Item) Type() string {
	return i.Metadata["type"]
}

// Hit is one ranked retrieval result. Distance drives the ordering; Score is derived from it for display.
type Hit struct {
	Item     Item
	Distance float64
	Score    float64
}

// Result is an ordered retrieval result, best match first.
type Result struct {
	Metric Metric
	Hits   []Hit
}

func (r Result) Len() int {
	return len(r.Hits)
}

func (r Result) IDs() []string {
	ids := make([]string, 0, len(r.Hits))
	for _, hit := range r.Hits {
		ids = append(ids, hit.Item.ID)
	}
	return ids
}

// Limit returns a copy of r holding at most k hits.
func (r Result) Limit(k int) Result {
	if k < 0 {
		k = 0
	}
	if len(r.Hits) <= k {
		return r
	}
	return Result{Metric: r.Metric, Hits: r.Hits[:k]}
}

// LoadOutcome tells which path Store.Load took.
type LoadOutcome string

const (
	// LoadLoaded means every item was embedded and indexed by this call.
	LoadLoaded LoadOutcome = "loaded"
	// LoadReused means an existing index (or a persisted snapshot of it) was reused without embedding.
	LoadReused LoadOutcome = "reused"
)

// Embedder maps text to fixed-dimension vectors. The same Embedder must serve load and query time.
type Embedder interface {
	Name() string
	Model() string
	Dimensions() int
	Embed(ctx context.Context, inputs []string) ([][]float32, error)
}

// Index stores embedded items and answers nearest-neighbour queries.
// Insert is called at most once per process, with every item at once.
type Index interface {
	Count(ctx context.Context) (int, error)
	Insert(ctx context.Context, items []Item) error
	Nearest(ctx context.Context, query []float32, k int, metric Metric) ([]Hit, error)
}

// CompatibilityChecker is implemented by indexes that outlive the process. Load calls it before reusing
// entries written by an earlier run.
type CompatibilityChecker interface {
	CheckCompatible(ctx context.Context, embedder Embedder, metric Metric) error
}

// ErrIncompatibleIndex means the stored vectors came from a different embedder, model, metric or dimension.
var ErrIncompatibleIndex = errors.New("knowledge index was built with a different embedder")

// SnapshotCache persists embedded items so a restart can skip the embedding step.
type SnapshotCache interface {
	Fetch(ctx context.Context, fingerprint string) ([]Item, bool, error)
	Save(ctx context.Context, fingerprint string, items []Item) error
}

// Metric is the distance function used by an index. Bounded metrics produce a similarity of
// 1 - distance; unbounded ones report the negated distance so that a higher score is always better.
type Metric string

const (
	MetricCosine Metric = "cosine"
	MetricL2     Metric = "l2"
)

func ParseMetric(raw string) (Metric, error) {
	switch Metric(strings.ToLower(strings.TrimSpace(raw))) {
	case "", MetricCosine:
		return MetricCosine, nil
	case MetricL2:
		return MetricL2, nil
	default:
		return "", fmt.Errorf("unsupported distance metric %q", raw)
	}
}

// Bounded reports whether distances stay within a fixed range so that 1 - distance is a similarity.
func (m Metric) Bounded() bool {
	return m == MetricCosine
}

// Normalizes reports whether vectors are scaled to unit length before indexing and querying.
func (m Metric) Normalizes() bool {
	return m == MetricCosine
}

func (m Metric) Score(distance float64) float64 {
	if m.Bounded() {
		return 1 - distance
	}
	return -distance
}

func (m Metric) Distance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}
	switch m {
	case MetricCosine:
		return cosineDistance(a, b), nil
	case MetricL2:
		return euclideanDistance(a, b), nil
	default:
		return 0, fmt.Errorf("unsupported distance metric %q", m)
	}
}

func cosineDistance(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func euclideanDistance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// normalize returns a unit-length copy of v. Zero vectors are returned unchanged.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := math.Sqrt(sum)
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}
