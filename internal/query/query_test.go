package query

import (
	"testing"
	"time"
)

type decimal struct{ v float64 }

func (d decimal) Float64() float64 { return d.v }

func TestNewResultKeepsRowCount(t *testing.T) {
	result := NewResult([]string{"a"}, [][]any{{1}, {2}}, time.Millisecond)
	if result.RowCount != 2 || result.Empty() {
		t.Fatalf("NewResult() = %+v", result)
	}

	empty := NewResult(nil, nil, 0)
	if empty.Columns == nil || empty.Rows == nil || !empty.Empty() {
		t.Fatalf("NewResult(nil, nil) = %+v", empty)
	}
}

func TestResultSummary(t *testing.T) {
	cases := []struct {
		result Result
		want   string
	}{
		{result: NewResult([]string{"a"}, nil, 0), want: "no rows"},
		{result: NewResult([]string{"total"}, [][]any{{10}}, 0), want: "1 row (total)"},
		{result: NewResult([]string{"name", "total"}, [][]any{{"a", 1}, {"b", 2}}, 0), want: "2 rows (name, total)"},
	}
	for _, tc := range cases {
		if got := tc.result.Summary(); got != tc.want {
			t.Fatalf("Summary() = %q, want %q", got, tc.want)
		}
	}
}

func TestNormalizeValues(t *testing.T) {
	got := NormalizeValues([]any{[]byte("x"), decimal{v: 1.5}, int64(3), nil})
	if got[0] != "x" || got[1] != 1.5 || got[2] != int64(3) || got[3] != nil {
		t.Fatalf("NormalizeValues() = %#v", got)
	}
}
