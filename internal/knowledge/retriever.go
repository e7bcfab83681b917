package knowledge

import "context"

type Searcher interface {
	Search(ctx context.Context, query string, k int) (Result, error)
}

// Retriever binds a store to a fixed top-K.
type Retriever struct {
	searcher Searcher
	k        int
}

func NewRetriever(searcher Searcher, k int) *Retriever {
	if k < 0 {
		k = DefaultTopK
	}
	return &Retriever{searcher: searcher, k: k}
}

func (r *Retriever) K() int {
	return r.k
}

func (r *Retriever) Retrieve(ctx context.Context, question string) (Result, error) {
	return r.searcher.Search(ctx, question, r.k)
}
