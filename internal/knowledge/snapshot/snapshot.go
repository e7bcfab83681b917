// Package snapshot persists embedded knowledge items as Parquet objects so a restart can skip embedding.
package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/parquet-go/parquet-go"

	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/storage"
)

const contentType = "application/vnd.apache.parquet"

type row struct {
	Ordinal      int64     `parquet:"ordinal"`
	ID           string    `parquet:"id"`
	Content      string    `parquet:"content"`
	Tags         []string  `parquet:"tags"`
	MetadataJSON string    `parquet:"metadata_json"`
	Embedding    []float32 `parquet:"embedding"`
}

// Cache implements knowledge.SnapshotCache on top of an object store.
type Cache struct {
	store     storage.ObjectStore
	namespace string
}

func New(store storage.ObjectStore, namespace string) *Cache {
	return &Cache{store: store, namespace: namespace}
}

func (c *Cache) Fetch(ctx context.Context, fingerprint string) ([]knowledge.Item, bool, error) {
	key, err := storage.BuildKnowledgeSnapshotPath(c.namespace, fingerprint)
	if err != nil {
		return nil, false, err
	}
	body, err := c.store.Get(ctx, key)
	if errors.Is(err, storage.ErrObjectNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer func() { _ = body.Close() }()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, false, fmt.Errorf("read snapshot %q: %w", key, err)
	}
	items, err := Decode(data)
	if err != nil {
		return nil, false, fmt.Errorf("decode snapshot %q: %w", key, err)
	}
	return items, true, nil
}

func (c *Cache) Save(ctx context.Context, fingerprint string, items []knowledge.Item) error {
	key, err := storage.BuildKnowledgeSnapshotPath(c.namespace, fingerprint)
	if err != nil {
		return err
	}
	data, err := Encode(items)
	if err != nil {
		return err
	}
	_, err = c.store.Put(ctx, key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"fingerprint": fingerprint,
			"items":       strconv.Itoa(len(items)),
		},
	})
	return err
}

func (c *Cache) Delete(ctx context.Context, fingerprint string) error {
	key, err := storage.BuildKnowledgeSnapshotPath(c.namespace, fingerprint)
	if err != nil {
		return err
	}
	return c.store.Delete(ctx, key)
}

func Encode(items []knowledge.Item) ([]byte, error) {
	rows := make([]row, 0, len(items))
	for i, item := range items {
		metadata := ""
		if len(item.Metadata) > 0 {
			body, err := json.Marshal(item.Metadata)
			if err != nil {
				return nil, fmt.Errorf("encode metadata for %q: %w", item.ID, err)
			}
			metadata = string(body)
		}
		rows = append(rows, row{
			Ordinal:      int64(i),
			ID:           item.ID,
			Content:      item.Content,
			Tags:         item.Tags,
			MetadataJSON: metadata,
			Embedding:    item.Embedding,
		})
	}

	buf := bytes.NewBuffer(nil)
	writer := parquet.NewGenericWriter[row](buf)
	if _, err := writer.Write(rows); err != nil {
		return nil, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("close parquet writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode returns items in their original insertion order.
func Decode(data []byte) ([]knowledge.Item, error) {
	reader := parquet.NewGenericReader[row](bytes.NewReader(data))
	defer func() { _ = reader.Close() }()

	rows := make([]row, reader.NumRows())
	count, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read parquet rows: %w", err)
	}
	if count != len(rows) {
		return nil, fmt.Errorf("read %d of %d parquet rows", count, len(rows))
	}

	items := make([]knowledge.Item, len(rows))
	for _, r := range rows {
		if r.Ordinal < 0 || r.Ordinal >= int64(len(rows)) || items[r.Ordinal].ID != "" {
			return nil, fmt.Errorf("invalid ordinal %d for %q", r.Ordinal, r.ID)
		}
		item := knowledge.Item{ID: r.ID, Content: r.Content, Tags: r.Tags, Embedding: r.Embedding}
		if r.MetadataJSON != "" {
			if err := json.Unmarshal([]byte(r.MetadataJSON), &item.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %q: %w", r.ID, err)
			}
		}
		items[r.Ordinal] = item
	}
	return items, nil
}
