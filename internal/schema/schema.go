// Package schema captures the relational store's table layout once at startup and renders it for prompts.
package schema

import (
	"fmt"
	"sort"
	"strings"
)

type Column struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Relationship is a foreign-key style link from FromTable.FromColumn to ToTable.ToColumn.
type Relationship struct {
	FromTable  string `json:"from_table"`
	FromColumn string `json:"from_column"`
	ToTable    string `json:"to_table"`
	ToColumn   string `json:"to_column"`
}

func (r Relationship) String() string {
	return fmt.Sprintf("%s.%s → %s.%s", r.FromTable, r.FromColumn, r.ToTable, r.ToColumn)
}

// Snapshot is immutable after construction; Text is rendered once.
type Snapshot struct {
	tables        []Table
	relationships []Relationship
	text          string
}

func NewSnapshot(tables []Table, relationships []Relationship) Snapshot {
	tables = append([]Table(nil), tables...)
	for i := range tables {
		tables[i].Columns = append([]Column(nil), tables[i].Columns...)
	}
	relationships = dedupeRelationships(relationships)
	return Snapshot{
		tables:        tables,
		relationships: relationships,
		text:          render(tables, relationships),
	}
}

func (s Snapshot) Tables() []Table {
	return append([]Table(nil), s.tables...)
}

func (s Snapshot) Relationships() []Relationship {
	return append([]Relationship(nil), s.relationships...)
}

func (s Snapshot) Text() string {
	return s.text
}

func (s Snapshot) Empty() bool {
	return len(s.tables) == 0
}

func (s Snapshot) Table(name string) (Table, bool) {
	for _, table := range s.tables {
		if table.Name == name {
			return table, true
		}
	}
	return Table{}, false
}

func render(tables []Table, relationships []Relationship) string {
	var b strings.Builder
	b.WriteString("DATABASE SCHEMA:\n\n")
	for i, table := range tables {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Table: %s\n", table.Name)
		for _, column := range table.Columns {
			nullable := "NOT NULL"
			if column.Nullable {
				nullable = "NULL"
			}
			fmt.Fprintf(&b, "  - %s: %s (%s)\n", column.Name, column.Type, nullable)
		}
	}
	if len(relationships) > 0 {
		b.WriteString("\nRELATIONSHIPS:\n")
		for _, rel := range relationships {
			fmt.Fprintf(&b, "- %s\n", rel)
		}
	}
	return b.String()
}

func dedupeRelationships(relationships []Relationship) []Relationship {
	seen := make(map[Relationship]struct{}, len(relationships))
	out := make([]Relationship, 0, len(relationships))
	for _, rel := range relationships {
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, rel)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}

// ParseRelationships reads hints of the form "orders.customer_id->customers.customer_id", separated by
// commas, semicolons or newlines.
func ParseRelationships(raw string) ([]Relationship, error) {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n'
	})
	out := make([]Relationship, 0, len(fields))
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		from, to, ok := strings.Cut(strings.ReplaceAll(field, "→", "->"), "->")
		if !ok {
			return nil, fmt.Errorf("invalid relationship %q: want table.column->table.column", field)
		}
		fromTable, fromColumn, err := splitQualified(from)
		if err != nil {
			return nil, fmt.Errorf("invalid relationship %q: %w", field, err)
		}
		toTable, toColumn, err := splitQualified(to)
		if err != nil {
			return nil, fmt.Errorf("invalid relationship %q: %w", field, err)
		}
		out = append(out, Relationship{FromTable: fromTable, FromColumn: fromColumn, ToTable: toTable, ToColumn: toColumn})
	}
	return out, nil
}

func splitQualified(value string) (string, string, error) {
	table, column, ok := strings.Cut(strings.TrimSpace(value), ".")
	table = strings.TrimSpace(table)
	column = strings.TrimSpace(column)
	if !ok || table == "" || column == "" {
		return "", "", fmt.Errorf("%q is not table.column", strings.TrimSpace(value))
	}
	return table, column, nil
}
