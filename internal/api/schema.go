package api

import (
	"net/http"

	"github.com/askql/askql/internal/schema"
)

type schemaResponse struct {
	Tables        []schemaTablePayload `json:"tables"`
	Relationships []string             `json:"relationships"`
	Text          string               `json:"text"`
}

type schemaTablePayload struct {
	Name    string                `json:"name"`
	Columns []schemaColumnPayload `json:"columns"`
}

type schemaColumnPayload struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Nullable bool   `json:"nullable"`
}

func handleSchema(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Schema.Empty() {
		writeError(r.Context(), w, http.StatusNotImplemented, "SCHEMA_NOT_CONFIGURED", "schema snapshot is not loaded", false, nil)
		return
	}
	writeJSON(w, http.StatusOK, schemaResponseFrom(deps.Schema))
}

func schemaResponseFrom(snapshot schema.Snapshot) schemaResponse {
	tables := make([]schemaTablePayload, 0, len(snapshot.Tables()))
	for _, table := range snapshot.Tables() {
		columns := make([]schemaColumnPayload, 0, len(table.Columns))
		for _, column := range table.Columns {
			columns = append(columns, schemaColumnPayload{Name: column.Name, Type: column.Type, Nullable: column.Nullable})
		}
		tables = append(tables, schemaTablePayload{Name: table.Name, Columns: columns})
	}
	relationships := make([]string, 0, len(snapshot.Relationships()))
	for _, relationship := range snapshot.Relationships() {
		relationships = append(relationships, relationship.String())
	}
	return schemaResponse{Tables: tables, Relationships: relationships, Text: snapshot.Text()}
}
