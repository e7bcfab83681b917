// Package query defines the tabular result of running a generated query against the relational store.
package query

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Result holds every returned row. RowCount always equals len(Rows) and each row has len(Columns) values.
type Result struct {
	Columns  []string
	Rows     [][]any
	RowCount int
	Duration time.Duration
}

// Executor runs query text verbatim. Failures are *apperr.ExecutionError.
type Executor interface {
	Execute(ctx context.Context, queryText string) (Result, error)
}

func NewResult(columns []string, rows [][]any, duration time.Duration) Result {
	if columns == nil {
		columns = []string{}
	}
	if rows == nil {
		rows = [][]any{}
	}
	return Result{Columns: columns, Rows: rows, RowCount: len(rows), Duration: duration}
}

func (r Result) Empty() bool {
	return r.RowCount == 0
}

// Summary is a one-line description used when recapping earlier turns.
func (r Result) Summary() string {
	if r.RowCount == 0 {
		return "no rows"
	}
	noun := "rows"
	if r.RowCount == 1 {
		noun = "row"
	}
	return fmt.Sprintf("%d %s (%s)", r.RowCount, noun, strings.Join(r.Columns, ", "))
}

// NormalizeValues converts driver values into display-friendly ones: byte slices become strings and
// decimal types are reported as float64.
func NormalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		case interface{ Float64() float64 }:
			normalized[i] = typed.Float64()
		default:
			normalized[i] = typed
		}
	}
	return normalized
}
