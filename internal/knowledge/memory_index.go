package knowledge

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
)

// MemoryIndex is a brute-force in-process index. Items keep their insertion order, which breaks
// distance ties. After Insert the item slice is never mutated, so readers need no locking.
type MemoryIndex struct {
	items atomic.Pointer[[]Item]
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{}
}

func (m *MemoryIndex) Count(_ context.Context) (int, error) {
	items := m.items.Load()
	if items == nil {
		return 0, nil
	}
	return len(*items), nil
}

func (m *MemoryIndex) Insert(_ context.Context, items []Item) error {
	dims := -1
	for _, item := range items {
		if len(item.Embedding) == 0 {
			return fmt.Errorf("item %q has no embedding", item.ID)
		}
		if dims >= 0 && len(item.Embedding) != dims {
			return fmt.Errorf("item %q has dimension %d, want %d", item.ID, len(item.Embedding), dims)
		}
		dims = len(item.Embedding)
	}
	stored := make([]Item, len(items))
	copy(stored, items)
	if !m.items.CompareAndSwap(nil, &stored) {
		return fmt.Errorf("memory index is already populated")
	}
	return nil
}

func (m *MemoryIndex) Nearest(_ context.Context, query []float32, k int, metric Metric) ([]Hit, error) {
	items := m.items.Load()
	if items == nil || k <= 0 {
		return nil, nil
	}

	hits := make([]Hit, 0, len(*items))
	for _, item := range *items {
		distance, err := metric.Distance(query, item.Embedding)
		if err != nil {
			return nil, fmt.Errorf("score item %q: %w", item.ID, err)
		}
		hits = append(hits, Hit{Item: item, Distance: distance})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}
