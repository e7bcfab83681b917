package knowledge

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
)

//go:embed default_knowledge.json
var defaultKnowledge []byte

type sourceItem struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Tags     []string          `json:"tags,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// LoadSource reads knowledge items from a JSON file. An empty path yields the built-in catalog.
func LoadSource(path string) ([]Item, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return DefaultItems()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge source: %w", err)
	}
	defer f.Close()
	items, err := ParseSource(f)
	if err != nil {
		return nil, fmt.Errorf("parse knowledge source %s: %w", path, err)
	}
	return items, nil
}

func DefaultItems() ([]Item, error) {
	return ParseSource(bytes.NewReader(defaultKnowledge))
}

func ParseSource(r io.Reader) ([]Item, error) {
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	var raw []sourceItem
	if err := decoder.Decode(&raw); err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(raw))
	for _, entry := range raw {
		items = append(items, Item{
			ID:       entry.ID,
			Content:  entry.Content,
			Tags:     entry.Tags,
			Metadata: entry.Metadata,
		})
	}
	return items, nil
}
