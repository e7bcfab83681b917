// Package nl2sql turns a composed prompt into query text using a text-generation service.
package nl2sql

import (
	"context"
	"errors"
	"strings"

	"github.com/askql/askql/internal/apperr"
	"github.com/askql/askql/internal/llm"
	"github.com/askql/askql/internal/retry"
)

const DefaultMaxOutputTokens = 1024

var ErrEmptyQuery = errors.New("model returned an empty query")

type Config struct {
	MaxOutputTokens int
	Retry           retry.Policy
}

type Generator struct {
	client    llm.Client
	maxOutput int
	policy    retry.Policy
}

func NewGenerator(client llm.Client, cfg Config) *Generator {
	maxOutput := cfg.MaxOutputTokens
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputTokens
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.None()
	}
	return &Generator{client: client, maxOutput: maxOutput, policy: policy}
}

// Generate sends prompt once per attempt and returns the query text with any code fence removed.
// A maxOutput of zero uses the configured default. Failures are *apperr.GenerationError.
func (g *Generator) Generate(ctx context.Context, prompt string, maxOutput int) (string, error) {
	if maxOutput <= 0 {
		maxOutput = g.maxOutput
	}
	var query string
	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		raw, err := g.client.Generate(ctx, prompt, maxOutput)
		if err != nil {
			return err
		}
		query = StripCodeFence(raw)
		if query == "" {
			return ErrEmptyQuery
		}
		return nil
	})
	if err != nil {
		return "", apperr.Generation("generate query", err)
	}
	return query, nil
}

// StripCodeFence removes one surrounding markdown fence, with or without a language tag, and trims
// whitespace. Unfenced text is only trimmed.
func StripCodeFence(value string) string {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	body := strings.TrimPrefix(trimmed, "```")
	if newline := strings.IndexByte(body, '\n'); newline >= 0 && isLanguageTag(strings.TrimSpace(body[:newline])) {
		body = body[newline+1:]
	}
	body = strings.TrimSuffix(strings.TrimSpace(body), "```")
	return strings.TrimSpace(body)
}

func isLanguageTag(value string) bool {
	for _, r := range value {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '-' || r == '_' || r == '+') {
			return false
		}
	}
	return true
}
