// Package store opens the relational store that generated queries run against.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/marcboeker/go-duckdb/v2"
)

const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

type Config struct {
	Driver string
	// DSN is a Postgres connection string, or a DuckDB database path. An empty DuckDB path is in-memory.
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	PingTimeout     time.Duration
}

// Open connects and pings. Unless MaxIdleConns is set, idle connections are not kept so every query acquires
// and releases its own connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	driver, err := normalizeDriver(cfg.Driver)
	if err != nil {
		return nil, err
	}
	driverName := "pgx"
	if driver == DriverDuckDB {
		driverName = "duckdb"
	} else if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("store dsn is required")
	}

	db, err := sql.Open(driverName, strings.TrimSpace(cfg.DSN))
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", driver, err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	} else {
		db.SetMaxIdleConns(0)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s store: %w", driver, err)
	}
	return db, nil
}

// Dialect names the SQL dialect generated queries must be written in.
func Dialect(driver string) string {
	normalized, err := normalizeDriver(driver)
	if err == nil && normalized == DriverDuckDB {
		return "DuckDB"
	}
	return "PostgreSQL"
}

// DefaultSchema is the information_schema schema holding user tables for the driver.
func DefaultSchema(driver string) string {
	normalized, err := normalizeDriver(driver)
	if err == nil && normalized == DriverDuckDB {
		return "main"
	}
	return "public"
}

func HealthCheck(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("store is not configured")
	}
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store: %w", err)
	}
	return nil
}

func normalizeDriver(raw string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "postgres", "postgresql", "pgx":
		return DriverPostgres, nil
	case "duckdb":
		return DriverDuckDB, nil
	default:
		return "", fmt.Errorf("unsupported store driver %q", raw)
	}
}
