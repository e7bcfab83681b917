// Package dataset materializes Parquet objects from object storage as DuckDB tables, so an in-process
// DuckDB store can answer questions about a dataset published to S3.
package dataset

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/askql/askql/internal/storage"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Table maps one object key onto a table. Several entries with the same name are unioned.
type Table struct {
	Name      string
	ObjectKey string
}

type Stats struct {
	Tables []string
	Files  int
	Bytes  int64
}

type Loader struct {
	Store  storage.ObjectStore
	Logger *slog.Logger
}

// Load downloads every object into a scratch directory, replaces each table with the contents of its
// Parquet files and removes the scratch files again.
func (l Loader) Load(ctx context.Context, db *sql.DB, tables []Table) (Stats, error) {
	if l.Store == nil {
		return Stats{}, fmt.Errorf("object store is required")
	}
	if len(tables) == 0 {
		return Stats{}, nil
	}

	workDir, err := os.MkdirTemp("", "askql-dataset-")
	if err != nil {
		return Stats{}, fmt.Errorf("create dataset temp dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(workDir) }()

	groupedPaths := map[string][]string{}
	var stats Stats
	for index, table := range tables {
		if !tableNamePattern.MatchString(table.Name) {
			return Stats{}, fmt.Errorf("invalid table name %q", table.Name)
		}
		reader, err := l.Store.Get(ctx, table.ObjectKey)
		if err != nil {
			return Stats{}, fmt.Errorf("get object %q: %w", table.ObjectKey, err)
		}
		localPath := filepath.Join(workDir, fmt.Sprintf("%s_%d.parquet", table.Name, index))
		written, err := writeFile(localPath, reader)
		_ = reader.Close()
		if err != nil {
			return Stats{}, fmt.Errorf("write local parquet file %q: %w", localPath, err)
		}
		groupedPaths[table.Name] = append(groupedPaths[table.Name], localPath)
		stats.Files++
		stats.Bytes += written
	}

	names := make([]string, 0, len(groupedPaths))
	for name := range groupedPaths {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		stmt := fmt.Sprintf(`CREATE OR REPLACE TABLE %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(name), quoteStringArray(groupedPaths[name]))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return Stats{}, fmt.Errorf("create table %q: %w", name, err)
		}
	}
	stats.Tables = names

	if l.Logger != nil {
		l.Logger.InfoContext(ctx, "dataset loaded",
			slog.Any("tables", names),
			slog.Int("files", stats.Files),
			slog.Int64("bytes", stats.Bytes),
		)
	}
	return stats, nil
}

// ParseTables reads "orders=datasets/orders.parquet,customers=datasets/customers.parquet".
func ParseTables(raw string) ([]Table, error) {
	var out []Table
	for _, field := range strings.FieldsFunc(raw, func(r rune) bool { return r == ',' || r == ';' || r == '\n' }) {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		name, key, ok := strings.Cut(field, "=")
		name = strings.TrimSpace(name)
		key = strings.TrimSpace(key)
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid dataset table %q: want name=object/key.parquet", field)
		}
		if !tableNamePattern.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
		out = append(out, Table{Name: name, ObjectKey: key})
	}
	return out, nil
}

func writeFile(path string, reader io.Reader) (int64, error) {
	file, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = file.Close() }()
	return io.Copy(file, reader)
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
