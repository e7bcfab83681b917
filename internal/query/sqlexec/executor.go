// Package sqlexec runs generated query text against a database/sql connection pool.
package sqlexec

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/askql/askql/internal/apperr"
	"github.com/askql/askql/internal/query"
	"github.com/askql/askql/internal/retry"
)

const DefaultTimeout = 30 * time.Second

var ErrEmptyQuery = errors.New("query text is empty")

type Config struct {
	Timeout time.Duration
	// Retry only ever applies to transient connectivity failures; see IsTransient.
	Retry retry.Policy
}

type Executor struct {
	db      *sql.DB
	timeout time.Duration
	policy  retry.Policy
}

func New(db *sql.DB, cfg Config) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	policy := cfg.Retry
	if policy.MaxAttempts <= 0 {
		policy = retry.None()
	}
	return &Executor{db: db, timeout: timeout, policy: policy.WithRetryable(IsTransient)}
}

// Execute runs queryText exactly as given on a dedicated connection and reads every row. The text is
// neither rewritten nor parameterized. Failures, including the timeout, are *apperr.ExecutionError.
func (e *Executor) Execute(ctx context.Context, queryText string) (query.Result, error) {
	if strings.TrimSpace(queryText) == "" {
		return query.Result{}, apperr.Execution(queryText, ErrEmptyQuery)
	}
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var result query.Result
	err := retry.Do(ctx, e.policy, func(ctx context.Context) error {
		out, err := e.executeOnce(ctx, queryText)
		if err != nil {
			return err
		}
		result = out
		return nil
	})
	if err != nil {
		return query.Result{}, apperr.Execution(queryText, err)
	}
	return result, nil
}

func (e *Executor) executeOnce(ctx context.Context, queryText string) (query.Result, error) {
	start := time.Now()
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return query.Result{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(ctx, queryText)
	if err != nil {
		return query.Result{}, err
	}
	defer func() { _ = rows.Close() }()

	columns, err := rows.Columns()
	if err != nil {
		return query.Result{}, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return query.Result{}, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, query.NormalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return query.Result{}, err
	}
	return query.NewResult(columns, resultRows, time.Since(start)), nil
}

// IsTransient reports connectivity failures that are safe to retry. Syntax, permission and constraint
// errors are never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return strings.HasPrefix(pgErr.Code, "08")
	}
	return pgconn.SafeToRetry(err)
}
