// Package pgindex persists the knowledge index in Postgres using the pgvector extension.
package pgindex

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/askql/askql/internal/knowledge"
)

// Options describe the embedder that produced the stored vectors; they are recorded next to the items.
type Options struct {
	Embedder string
	Model    string
	Metric   knowledge.Metric
}

type Index struct {
	db   *sql.DB
	opts Options
}

// Meta is the bookkeeping row written with each successful insert.
type Meta struct {
	Embedder   string
	Model      string
	Metric     knowledge.Metric
	Dimensions int
	ItemCount  int
	LoadedAt   time.Time
}

func New(db *sql.DB, opts Options) *Index {
	if opts.Metric == "" {
		opts.Metric = knowledge.MetricCosine
	}
	return &Index{db: db, opts: opts}
}

func (i *Index) Count(ctx context.Context) (int, error) {
	var count int
	if err := i.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM askql_knowledge_item`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count knowledge items: %w", err)
	}
	return count, nil
}

// Insert writes all items in one transaction. Ordinals follow slice order and break distance ties.
func (i *Index) Insert(ctx context.Context, items []knowledge.Item) error {
	dims := 0
	for _, item := range items {
		if len(item.Embedding) == 0 {
			return fmt.Errorf("item %q has no embedding", item.ID)
		}
		if dims > 0 && len(item.Embedding) != dims {
			return fmt.Errorf("item %q has dimension %d, want %d", item.ID, len(item.Embedding), dims)
		}
		dims = len(item.Embedding)
	}

	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for ordinal, item := range items {
		metadata, err := marshalMetadata(item.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata for %q: %w", item.ID, err)
		}
		tags := item.Tags
		if tags == nil {
			tags = []string{}
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO askql_knowledge_item (id, ordinal, content, tags, metadata, embedding)
VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
			item.ID, int64(ordinal), item.Content, pq.Array(tags), metadata, pgvector.NewVector(item.Embedding),
		); err != nil {
			return fmt.Errorf("insert knowledge item %q: %w", item.ID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO askql_knowledge_index_meta (singleton, embedder, model, metric, dimensions, item_count, loaded_at)
VALUES (TRUE, $1, $2, $3, $4, $5, NOW())
ON CONFLICT (singleton)
DO UPDATE SET embedder = EXCLUDED.embedder, model = EXCLUDED.model, metric = EXCLUDED.metric,
	dimensions = EXCLUDED.dimensions, item_count = EXCLUDED.item_count, loaded_at = EXCLUDED.loaded_at`,
		i.opts.Embedder, i.opts.Model, string(i.opts.Metric), dims, len(items),
	); err != nil {
		return fmt.Errorf("record knowledge index meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit knowledge items: %w", err)
	}
	return nil
}

func (i *Index) Nearest(ctx context.Context, query []float32, k int, metric knowledge.Metric) ([]knowledge.Hit, error) {
	if k <= 0 {
		return nil, nil
	}
	operator, err := distanceOperator(metric)
	if err != nil {
		return nil, err
	}

	rows, err := i.db.QueryContext(ctx, `
SELECT id, content, tags, metadata, embedding, embedding `+operator+` $1 AS distance
FROM askql_knowledge_item
ORDER BY distance ASC, ordinal ASC
LIMIT $2`, pgvector.NewVector(query), k)
	if err != nil {
		return nil, fmt.Errorf("query nearest knowledge: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []knowledge.Hit
	for rows.Next() {
		var (
			item      knowledge.Item
			tags      []string
			metadata  []byte
			embedding pgvector.Vector
			distance  float64
		)
		if err := rows.Scan(&item.ID, &item.Content, pq.Array(&tags), &metadata, &embedding, &distance); err != nil {
			return nil, fmt.Errorf("scan knowledge item: %w", err)
		}
		item.Tags = tags
		item.Embedding = embedding.Slice()
		if item.Metadata, err = unmarshalMetadata(metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %q: %w", item.ID, err)
		}
		hits = append(hits, knowledge.Hit{Item: item, Distance: distance})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return hits, nil
}

// Meta returns the bookkeeping row, or false when the index has never been loaded.
func (i *Index) Meta(ctx context.Context) (Meta, bool, error) {
	var (
		meta   Meta
		metric string
	)
	err := i.db.QueryRowContext(ctx, `
SELECT embedder, model, metric, dimensions, item_count, loaded_at
FROM askql_knowledge_index_meta
WHERE singleton`).Scan(&meta.Embedder, &meta.Model, &metric, &meta.Dimensions, &meta.ItemCount, &meta.LoadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Meta{}, false, nil
	}
	if err != nil {
		return Meta{}, false, fmt.Errorf("query knowledge index meta: %w", err)
	}
	meta.Metric = knowledge.Metric(metric)
	return meta, true, nil
}

// CheckCompatible compares the meta row with the configured embedder so vectors from another model are never
// ranked against query vectors from this one.
func (i *Index) CheckCompatible(ctx context.Context, embedder knowledge.Embedder, metric knowledge.Metric) error {
	meta, ok, err := i.Meta(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: stored items have no meta row; run askql-index rebuild", knowledge.ErrIncompatibleIndex)
	}
	dims := embedder.Dimensions()
	if meta.Embedder != embedder.Name() || meta.Model != embedder.Model() || meta.Metric != metric || (dims > 0 && meta.Dimensions != dims) {
		return fmt.Errorf("%w: stored %s/%s (%s, %d dims), configured %s/%s (%s, %d dims); run askql-index rebuild",
			knowledge.ErrIncompatibleIndex,
			meta.Embedder, meta.Model, meta.Metric, meta.Dimensions,
			embedder.Name(), embedder.Model(), metric, dims,
		)
	}
	return nil
}

// Reset removes every stored item so the next load embeds from scratch.
func (i *Index) Reset(ctx context.Context) (int64, error) {
	tx, err := i.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `DELETE FROM askql_knowledge_item`)
	if err != nil {
		return 0, fmt.Errorf("delete knowledge items: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM askql_knowledge_index_meta`); err != nil {
		return 0, fmt.Errorf("delete knowledge index meta: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reset: %w", err)
	}
	return removed, nil
}

func distanceOperator(metric knowledge.Metric) (string, error) {
	switch metric {
	case knowledge.MetricCosine:
		return "<=>", nil
	case knowledge.MetricL2:
		return "<->", nil
	default:
		return "", fmt.Errorf("unsupported distance metric %q", metric)
	}
}

func marshalMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func unmarshalMetadata(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal(raw, &metadata); err != nil {
		return nil, err
	}
	if len(metadata) == 0 {
		return nil, nil
	}
	return metadata, nil
}
