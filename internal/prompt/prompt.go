// Package prompt assembles the text sent to the generation service for query synthesis.
package prompt

import (
	"fmt"
	"strings"

	"github.com/askql/askql/internal/conversation"
	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/schema"
)

const (
	DefaultDialect      = "PostgreSQL"
	DefaultHistoryTurns = 5
	DefaultAnswerRunes  = 240
)

type Config struct {
	// MaxKnowledgeItems caps the knowledge block. Zero omits it.
	MaxKnowledgeItems int
	Dialect           string
	// HistoryTurns defaults to DefaultHistoryTurns; a negative value disables the recap.
	HistoryTurns int
	AnswerRunes  int
}

type Composer struct {
	maxKnowledge int
	dialect      string
	historyTurns int
	answerRunes  int
}

func NewComposer(cfg Config) *Composer {
	if cfg.MaxKnowledgeItems < 0 {
		cfg.MaxKnowledgeItems = 0
	}
	if strings.TrimSpace(cfg.Dialect) == "" {
		cfg.Dialect = DefaultDialect
	}
	if cfg.HistoryTurns == 0 {
		cfg.HistoryTurns = DefaultHistoryTurns
	}
	if cfg.AnswerRunes <= 0 {
		cfg.AnswerRunes = DefaultAnswerRunes
	}
	return &Composer{
		maxKnowledge: cfg.MaxKnowledgeItems,
		dialect:      strings.TrimSpace(cfg.Dialect),
		historyTurns: cfg.HistoryTurns,
		answerRunes:  cfg.AnswerRunes,
	}
}

// Compose is deterministic: identical inputs produce identical text. Section order is schema, knowledge,
// conversation recap, question, instructions. Knowledge contents are included whole and scores never appear.
func (c *Composer) Compose(snapshot schema.Snapshot, result knowledge.Result, history conversation.History, question string) string {
	var b strings.Builder
	b.WriteString(snapshot.Text())
	b.WriteString("\n\n")

	hits := result.Limit(c.maxKnowledge).Hits
	if len(hits) > 0 {
		b.WriteString("\nRELEVANT KNOWLEDGE:\n")
		for i, hit := range hits {
			fmt.Fprintf(&b, "\n%d. %s\n", i+1, hit.Item.Content)
		}
	}

	if c.historyTurns > 0 && history.Len() > 0 {
		b.WriteString("\nCONVERSATION SO FAR:\n")
		for i, turn := range history.Last(c.historyTurns) {
			c.writeTurn(&b, i+1, turn)
		}
	}

	fmt.Fprintf(&b, "\n\nUSER QUESTION: %s\n\n", strings.TrimSpace(question))
	fmt.Fprintf(&b, "Using the database schema and relevant knowledge above, generate a %s query to answer this question.\n", c.dialect)
	b.WriteString("Return ONLY the SQL query, no explanations or markdown formatting.\n")
	b.WriteString("Make sure to follow any business rules mentioned in the knowledge.")
	return b.String()
}

func (c *Composer) writeTurn(b *strings.Builder, n int, turn conversation.Turn) {
	fmt.Fprintf(b, "\n%d. Question: %s\n", n, oneLine(turn.UserQuestion()))
	switch t := turn.(type) {
	case conversation.Completed:
		if t.Query != "" {
			fmt.Fprintf(b, "   SQL: %s\n", oneLine(t.Query))
		}
		if t.ResultSummary != "" {
			fmt.Fprintf(b, "   Result: %s\n", oneLine(t.ResultSummary))
		}
		if t.Answer != "" {
			fmt.Fprintf(b, "   Answer: %s\n", shorten(oneLine(t.Answer), c.answerRunes))
		}
	case conversation.Failed:
		fmt.Fprintf(b, "   Failed: %s\n", oneLine(t.Error))
	}
}

func oneLine(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

func shorten(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return strings.TrimSpace(string(runes[:limit])) + "..."
}
