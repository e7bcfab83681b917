package embeddings

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

const defaultHashDimensions = 256

// Hash is an offline embedder based on signed feature hashing of words and adjacent word pairs.
// It needs no network access and is deterministic across processes.
type Hash struct {
	dims int
}

func NewHash(dims int) *Hash {
	if dims <= 0 {
		dims = defaultHashDimensions
	}
	return &Hash{dims: dims}
}

func (h *Hash) Name() string    { return ProviderHash }
func (h *Hash) Model() string   { return fmt.Sprintf("hash-%d", h.dims) }
func (h *Hash) Dimensions() int { return h.dims }

func (h *Hash) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	out := make([][]float32, 0, len(inputs))
	for _, input := range inputs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, h.vector(input))
	}
	return out, nil
}

func (h *Hash) vector(text string) []float32 {
	vector := make([]float32, h.dims)
	words := tokenize(text)
	for i, word := range words {
		h.add(vector, word, 1)
		if i > 0 {
			h.add(vector, words[i-1]+" "+word, 0.5)
		}
	}
	return vector
}

func (h *Hash) add(vector []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	index := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vector[index] += weight
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	words := fields[:0]
	for _, field := range fields {
		words = append(words, stem(field))
	}
	return words
}

// stem strips a plural "s" so "orders" and "order" share a feature.
func stem(word string) string {
	if len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss") {
		return word[:len(word)-1]
	}
	return word
}
