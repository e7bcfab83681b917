package knowledge

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultItemsAreValid(t *testing.T) {
	items, err := DefaultItems()
	require.NoError(t, err)
	require.Len(t, items, 16)

	prepared, err := prepareItems(items)
	require.NoError(t, err)
	assert.Len(t, prepared, 16)

	byID := map[string]Item{}
	for _, item := range items {
		byID[item.ID] = item
	}
	assert.Equal(t, "business_rule", byID["revenue_rule"].Type())
	assert.Contains(t, byID["revenue_rule"].Content, "completed")
	assert.Equal(t, "table_description", byID["customers_table"].Type())
}

func TestLoadSourceFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "knowledge.json")
	payload := `[{"id":"refunds","content":"Refunded orders have status 'refunded'.","tags":["refund"],"metadata":{"type":"business_rule"}}]`
	require.NoError(t, os.WriteFile(path, []byte(payload), 0o600))

	items, err := LoadSource(path)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "refunds", items[0].ID)
	assert.Equal(t, []string{"refund"}, items[0].Tags)
	assert.Equal(t, "business_rule", items[0].Type())
}

func TestLoadSourceEmptyPathUsesDefault(t *testing.T) {
	items, err := LoadSource("  ")
	require.NoError(t, err)
	assert.Len(t, items, 16)
}

func TestParseSourceRejectsUnknownFields(t *testing.T) {
	_, err := ParseSource(strings.NewReader(`[{"id":"a","content":"b","score":1}]`))
	require.Error(t, err)
}

func TestLoadSourceMissingFile(t *testing.T) {
	_, err := LoadSource(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
