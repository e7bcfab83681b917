package nl2sql

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/askql/askql/internal/apperr"
	"github.com/askql/askql/internal/retry"
)

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"```sql\nSELECT 1;\n```":                         "SELECT 1;",
		"```\nSELECT 1;\n```":                            "SELECT 1;",
		"```postgresql\nSELECT *\nFROM orders\n```\n":    "SELECT *\nFROM orders",
		"  SELECT COUNT(*) FROM customers  \n":           "SELECT COUNT(*) FROM customers",
		"```SELECT 1```":                                 "SELECT 1",
		"```\nSELECT name FROM products WHERE x = 1\n": "SELECT name FROM products WHERE x = 1",
	}
	for input, want := range cases {
		if got := StripCodeFence(input); got != want {
			t.Fatalf("StripCodeFence(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestGenerateStripsFenceAndUsesDefaultBudget(t *testing.T) {
	client := &fakeClient{responses: []string{"```sql\nSELECT SUM(total_amount) FROM orders WHERE status = 'completed';\n```"}}
	generator := NewGenerator(client, Config{})

	got, err := generator.Generate(context.Background(), "prompt", 0)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "SELECT SUM(total_amount) FROM orders WHERE status = 'completed';" {
		t.Fatalf("Generate() = %q", got)
	}
	if client.lastMaxTokens != DefaultMaxOutputTokens {
		t.Fatalf("max tokens = %d, want %d", client.lastMaxTokens, DefaultMaxOutputTokens)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}

func TestGenerateEmptyResultIsGenerationError(t *testing.T) {
	client := &fakeClient{responses: []string{"```sql\n```"}}
	generator := NewGenerator(client, Config{})

	_, err := generator.Generate(context.Background(), "prompt", 100)
	var genErr *apperr.GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("Generate() error = %v, want GenerationError", err)
	}
	if !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("Generate() error = %v, want ErrEmptyQuery", err)
	}
}

func TestGenerateServiceFailureIsGenerationError(t *testing.T) {
	client := &fakeClient{errs: []error{errors.New("503 overloaded")}}
	generator := NewGenerator(client, Config{})

	_, err := generator.Generate(context.Background(), "prompt", 100)
	if !apperr.IsGeneration(err) {
		t.Fatalf("Generate() error = %v, want GenerationError", err)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1 without retry policy", client.calls)
	}
}

func TestGenerateRetriesUnderPolicy(t *testing.T) {
	client := &fakeClient{
		errs:      []error{errors.New("timeout"), nil},
		responses: []string{"", "SELECT 1"},
	}
	generator := NewGenerator(client, Config{Retry: retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}})

	got, err := generator.Generate(context.Background(), "prompt", 100)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got != "SELECT 1" || client.calls != 2 {
		t.Fatalf("Generate() = %q after %d calls", got, client.calls)
	}
}

type fakeClient struct {
	responses     []string
	errs          []error
	calls         int
	lastMaxTokens int
}

func (f *fakeClient) Generate(_ context.Context, _ string, maxTokens int) (string, error) {
	i := f.calls
	f.calls++
	f.lastMaxTokens = maxTokens
	if i < len(f.errs) && f.errs[i] != nil {
		return "", f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return "", nil
}
