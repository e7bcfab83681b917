// Package embeddings provides the text embedders used by the knowledge store.
package embeddings

import (
	"fmt"
	"strings"
	"time"

	"github.com/askql/askql/internal/knowledge"
)

const (
	ProviderOpenAI = "openai"
	ProviderHash   = "hash"
)

type Config struct {
	Provider   string
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

func New(cfg Config) (knowledge.Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderHash, "":
		return NewHash(cfg.Dimensions), nil
	default:
		return nil, fmt.Errorf("unsupported embeddings provider %q", cfg.Provider)
	}
}
