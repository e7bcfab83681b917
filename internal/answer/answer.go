// Package answer turns a query result into a short natural-language answer.
package answer

import (
	"context"
	"fmt"
	"strings"

	"github.com/askql/askql/internal/llm"
	"github.com/askql/askql/internal/query"
)

const (
	DefaultMaxOutputTokens = 512
	DefaultSampleRows      = 10

	// NoResultsMessage replaces the explanation when a query returns no rows.
	NoResultsMessage = "No results found for this query."
)

type Config struct {
	MaxOutputTokens int
	SampleRows      int
	// OnFallback is called with the failure whenever the fallback text is returned.
	OnFallback func(error)
}

type Synthesizer struct {
	client     llm.Client
	maxOutput  int
	sampleRows int
	onFallback func(error)
}

func NewSynthesizer(client llm.Client, cfg Config) *Synthesizer {
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = DefaultMaxOutputTokens
	}
	// The explanation prompt never carries more than DefaultSampleRows rows.
	if cfg.SampleRows <= 0 || cfg.SampleRows > DefaultSampleRows {
		cfg.SampleRows = DefaultSampleRows
	}
	return &Synthesizer{client: client, maxOutput: cfg.MaxOutputTokens, sampleRows: cfg.SampleRows, onFallback: cfg.OnFallback}
}

// Synthesize never fails: any generation error yields "Error generating explanation: <err>".
func (s *Synthesizer) Synthesize(ctx context.Context, question, queryText string, result query.Result) string {
	text, err := s.client.Generate(ctx, s.Prompt(question, queryText, result), s.maxOutput)
	if err == nil {
		text = strings.TrimSpace(text)
		if text != "" {
			return text
		}
		err = fmt.Errorf("model returned an empty explanation")
	}
	if s.onFallback != nil {
		s.onFallback(err)
	}
	return Fallback(err)
}

func Fallback(err error) string {
	return fmt.Sprintf("Error generating explanation: %v", err)
}

// Prompt includes the column names, the row count and at most SampleRows rows, never the full result.
func (s *Synthesizer) Prompt(question, queryText string, result query.Result) string {
	return fmt.Sprintf("The user asked: \"%s\"\n\nThe SQL query generated was:\n%s\n\nThe results are:\n%s\n\n"+
		"Provide a clear, concise natural language answer to the user's question based on these results. "+
		"Be specific with numbers and details.",
		question, queryText, ResultsText(result, s.sampleRows))
}

// ResultsText renders the result block of the explanation prompt.
func ResultsText(result query.Result, sampleRows int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Columns: %s\n", strings.Join(result.Columns, ", "))
	fmt.Fprintf(&b, "Row count: %d\n\n", result.RowCount)
	if result.RowCount == 0 {
		return b.String()
	}
	b.WriteString("Sample data:\n")
	for i, row := range result.Rows {
		if i >= sampleRows {
			break
		}
		fmt.Fprintf(&b, "Row %d: %s\n", i+1, formatRow(row))
	}
	return b.String()
}

func formatRow(row []any) string {
	values := make([]string, len(row))
	for i, value := range row {
		if value == nil {
			values[i] = "NULL"
			continue
		}
		values[i] = fmt.Sprint(value)
	}
	return "(" + strings.Join(values, ", ") + ")"
}
