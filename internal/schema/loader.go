package schema

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/askql/askql/internal/apperr"
)

const (
	columnsQuery = `
SELECT table_name, column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

	foreignKeysQuery = `
SELECT kcu.table_name, kcu.column_name, ccu.table_name, ccu.column_name
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
	ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
JOIN information_schema.constraint_column_usage ccu
	ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = $1
ORDER BY kcu.table_name, kcu.column_name`
)

type Loader struct {
	DB                  *sql.DB
	SchemaName          string
	Relationships       []Relationship
	DiscoverForeignKeys bool
	Logger              *slog.Logger
}

// Load reads the column catalog once. Declared relationships are merged with discovered foreign keys.
// Failures, including a schema with no tables, are reported as *apperr.InitError.
func (l Loader) Load(ctx context.Context) (Snapshot, error) {
	snapshot, err := l.load(ctx)
	if err != nil {
		return Snapshot{}, apperr.Init("schema snapshot", err)
	}
	return snapshot, nil
}

func (l Loader) load(ctx context.Context) (Snapshot, error) {
	if l.DB == nil {
		return Snapshot{}, fmt.Errorf("database is required")
	}
	schemaName := strings.TrimSpace(l.SchemaName)
	if schemaName == "" {
		schemaName = "public"
	}
	logger := l.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	tables, err := l.loadTables(ctx, schemaName)
	if err != nil {
		return Snapshot{}, err
	}
	if len(tables) == 0 {
		return Snapshot{}, fmt.Errorf("schema %q has no tables", schemaName)
	}

	relationships := append([]Relationship(nil), l.Relationships...)
	if l.DiscoverForeignKeys {
		discovered, err := l.loadForeignKeys(ctx, schemaName)
		if err != nil {
			logger.WarnContext(ctx, "foreign key discovery failed, using declared relationships only", slog.Any("error", err))
		} else {
			relationships = append(relationships, discovered...)
		}
	}

	snapshot := NewSnapshot(tables, knownRelationships(tables, relationships, logger))
	logger.InfoContext(ctx, "schema snapshot loaded",
		slog.String("schema", schemaName),
		slog.Int("tables", len(tables)),
		slog.Int("relationships", len(snapshot.Relationships())),
	)
	return snapshot, nil
}

func (l Loader) loadTables(ctx context.Context, schemaName string) ([]Table, error) {
	rows, err := l.DB.QueryContext(ctx, columnsQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tables []Table
	for rows.Next() {
		var tableName, columnName, dataType, isNullable string
		if err := rows.Scan(&tableName, &columnName, &dataType, &isNullable); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		if len(tables) == 0 || tables[len(tables)-1].Name != tableName {
			tables = append(tables, Table{Name: tableName})
		}
		current := &tables[len(tables)-1]
		current.Columns = append(current.Columns, Column{
			Name:     columnName,
			Type:     dataType,
			Nullable: strings.EqualFold(isNullable, "YES"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return tables, nil
}

func (l Loader) loadForeignKeys(ctx context.Context, schemaName string) ([]Relationship, error) {
	rows, err := l.DB.QueryContext(ctx, foreignKeysQuery, schemaName)
	if err != nil {
		return nil, fmt.Errorf("query foreign keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Relationship
	for rows.Next() {
		var rel Relationship
		if err := rows.Scan(&rel.FromTable, &rel.FromColumn, &rel.ToTable, &rel.ToColumn); err != nil {
			return nil, fmt.Errorf("scan foreign key: %w", err)
		}
		out = append(out, rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// knownRelationships drops hints that point at tables missing from the schema.
func knownRelationships(tables []Table, relationships []Relationship, logger *slog.Logger) []Relationship {
	names := make(map[string]struct{}, len(tables))
	for _, table := range tables {
		names[table.Name] = struct{}{}
	}
	out := make([]Relationship, 0, len(relationships))
	for _, rel := range relationships {
		_, fromOK := names[rel.FromTable]
		_, toOK := names[rel.ToTable]
		if !fromOK || !toOK {
			logger.Debug("dropping relationship hint for unknown table", slog.String("relationship", rel.String()))
			continue
		}
		out = append(out, rel)
	}
	return out
}
