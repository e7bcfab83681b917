package schema

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/askql/askql/internal/apperr"
)

func TestSnapshotText(t *testing.T) {
	snapshot := NewSnapshot([]Table{
		{Name: "customers", Columns: []Column{{Name: "customer_id", Type: "integer"}, {Name: "email", Type: "text", Nullable: true}}},
		{Name: "orders", Columns: []Column{{Name: "order_id", Type: "integer"}, {Name: "customer_id", Type: "integer", Nullable: true}}},
	}, []Relationship{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id"}})

	want := "DATABASE SCHEMA:\n\n" +
		"Table: customers\n" +
		"  - customer_id: integer (NOT NULL)\n" +
		"  - email: text (NULL)\n" +
		"\n" +
		"Table: orders\n" +
		"  - order_id: integer (NOT NULL)\n" +
		"  - customer_id: integer (NULL)\n" +
		"\nRELATIONSHIPS:\n" +
		"- orders.customer_id → customers.customer_id\n"
	if got := snapshot.Text(); got != want {
		t.Fatalf("Text() = %q, want %q", got, want)
	}
}

func TestSnapshotTextWithoutRelationships(t *testing.T) {
	snapshot := NewSnapshot([]Table{{Name: "t", Columns: []Column{{Name: "a", Type: "integer"}}}}, nil)
	if strings.Contains(snapshot.Text(), "RELATIONSHIPS") {
		t.Fatalf("Text() = %q, want no relationships block", snapshot.Text())
	}
}

func TestSnapshotIsolatedFromInput(t *testing.T) {
	tables := []Table{{Name: "t", Columns: []Column{{Name: "a", Type: "integer"}}}}
	snapshot := NewSnapshot(tables, nil)
	tables[0].Columns[0].Name = "changed"

	got, ok := snapshot.Table("t")
	if !ok || got.Columns[0].Name != "a" {
		t.Fatalf("Table(t) = %+v, %v", got, ok)
	}
	if snapshot.Empty() {
		t.Fatal("Empty() = true, want false")
	}
}

func TestParseRelationships(t *testing.T) {
	rels, err := ParseRelationships("orders.customer_id->customers.customer_id, order_items.order_id → orders.order_id\n")
	if err != nil {
		t.Fatalf("ParseRelationships() error = %v", err)
	}
	if len(rels) != 2 {
		t.Fatalf("len(rels) = %d, want 2", len(rels))
	}
	want := Relationship{FromTable: "order_items", FromColumn: "order_id", ToTable: "orders", ToColumn: "order_id"}
	if rels[1] != want {
		t.Fatalf("rels[1] = %+v, want %+v", rels[1], want)
	}

	for _, raw := range []string{"orders.customer_id", "orders->customers.id", "orders.id->.id"} {
		if _, err := ParseRelationships(raw); err == nil {
			t.Fatalf("ParseRelationships(%q) expected error", raw)
		}
	}
	if rels, err := ParseRelationships(" "); err != nil || len(rels) != 0 {
		t.Fatalf("ParseRelationships(blank) = %v, %v", rels, err)
	}
}

func TestLoaderLoadMergesDeclaredAndDiscoveredRelationships(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectQuery(`FROM information_schema.columns`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("customers", "customer_id", "integer", "NO").
			AddRow("customers", "name", "text", "YES").
			AddRow("orders", "order_id", "integer", "NO").
			AddRow("orders", "customer_id", "integer", "YES"))
	mock.ExpectQuery(`constraint_type = 'FOREIGN KEY'`).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"from_table", "from_column", "to_table", "to_column"}).
			AddRow("orders", "customer_id", "customers", "customer_id"))

	loader := Loader{
		DB:                  db,
		Relationships:       []Relationship{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id"}},
		DiscoverForeignKeys: true,
	}
	snapshot, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tables := snapshot.Tables()
	if len(tables) != 2 || tables[0].Name != "customers" || len(tables[1].Columns) != 2 {
		t.Fatalf("Tables() = %+v", tables)
	}
	if !tables[0].Columns[1].Nullable || tables[0].Columns[0].Nullable {
		t.Fatalf("customers columns = %+v", tables[0].Columns)
	}
	if rels := snapshot.Relationships(); len(rels) != 1 {
		t.Fatalf("Relationships() = %+v, want one deduplicated entry", rels)
	}
	assertSQLMock(t, mock)
}

func TestLoaderForeignKeyFailureKeepsDeclaredRelationships(t *testing.T) {
	db, mock := newSQLMock(t)

	mock.ExpectQuery(`FROM information_schema.columns`).
		WithArgs("sales").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("orders", "order_id", "integer", "NO"))
	mock.ExpectQuery(`constraint_type = 'FOREIGN KEY'`).WillReturnError(errors.New("permission denied"))

	loader := Loader{
		DB:                  db,
		SchemaName:          "sales",
		Relationships:       []Relationship{{FromTable: "orders", FromColumn: "order_id", ToTable: "orders", ToColumn: "order_id"}},
		DiscoverForeignKeys: true,
	}
	snapshot, err := loader.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snapshot.Relationships()) != 1 {
		t.Fatalf("Relationships() = %+v", snapshot.Relationships())
	}
	assertSQLMock(t, mock)
}

func TestLoaderNoTablesIsInitError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(`FROM information_schema.columns`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}))

	_, err := Loader{DB: db}.Load(context.Background())
	var initErr *apperr.InitError
	if !errors.As(err, &initErr) {
		t.Fatalf("Load() error = %v, want *apperr.InitError", err)
	}
	assertSQLMock(t, mock)
}

func TestLoaderQueryFailureIsInitError(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(`FROM information_schema.columns`).WillReturnError(errors.New("connection refused"))

	_, err := Loader{DB: db}.Load(context.Background())
	var initErr *apperr.InitError
	if !errors.As(err, &initErr) || initErr.Component != "schema snapshot" {
		t.Fatalf("Load() error = %v, want schema snapshot *apperr.InitError", err)
	}
	if !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("Load() error = %q, want driver message", err)
	}
	assertSQLMock(t, mock)
}

func TestLoaderDuckDB(t *testing.T) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		t.Fatalf("open duckdb: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx := context.Background()
	for _, stmt := range []string{
		`CREATE TABLE customers (customer_id INTEGER NOT NULL, name VARCHAR)`,
		`CREATE TABLE orders (order_id INTEGER NOT NULL, customer_id INTEGER, total_amount DOUBLE)`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("exec %q: %v", stmt, err)
		}
	}

	snapshot, err := Loader{
		DB:            db,
		SchemaName:    "main",
		Relationships: []Relationship{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id"}},
	}.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	orders, ok := snapshot.Table("orders")
	if !ok || len(orders.Columns) != 3 {
		t.Fatalf("Table(orders) = %+v, %v", orders, ok)
	}
	if orders.Columns[0].Name != "order_id" || orders.Columns[0].Nullable {
		t.Fatalf("orders.Columns[0] = %+v", orders.Columns[0])
	}
	text := snapshot.Text()
	if !strings.Contains(text, "Table: customers\n") || !strings.Contains(text, "- orders.customer_id → customers.customer_id") {
		t.Fatalf("Text() = %q", text)
	}
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestLoaderDropsRelationshipsForUnknownTables(t *testing.T) {
	db, mock := newSQLMock(t)
	mock.ExpectQuery(`FROM information_schema.columns`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type", "is_nullable"}).
			AddRow("orders", "order_id", "integer", "NO"))

	declared, err := ParseRelationships("orders.customer_id->customers.customer_id")
	if err != nil {
		t.Fatalf("ParseRelationships() error = %v", err)
	}
	snapshot, err := Loader{DB: db, Relationships: declared}.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snapshot.Relationships()) != 0 {
		t.Fatalf("Relationships() = %+v, want none", snapshot.Relationships())
	}
	assertSQLMock(t, mock)
}
