package api

import (
	"net/http"
	"strings"

	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/observability"
)

const maxSearchK = 50

type knowledgeSearchRequest struct {
	Query string `json:"query"`
	K     *int   `json:"k"`
}

type knowledgeSearchResponse struct {
	Query  string                `json:"query"`
	Metric string                `json:"metric"`
	Hits   []knowledgeHitPayload `json:"hits"`
}

func handleKnowledgeSearch(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Knowledge == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "KNOWLEDGE_NOT_CONFIGURED", "knowledge search is not configured", false, nil)
		return
	}

	var request knowledgeSearchRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid knowledge search request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Query) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUERY_REQUIRED", "query is required", false, nil)
		return
	}
	k := deps.DefaultTopK
	if k <= 0 {
		k = knowledge.DefaultTopK
	}
	if request.K != nil {
		k = *request.K
	}
	if k < 0 || k > maxSearchK {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_K", "k must be between 0 and 50", false, map[string]any{"k": k})
		return
	}

	result, err := deps.Knowledge.Search(r.Context(), request.Query, k)
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	observability.ObserveKnowledgeHits(result)
	writeJSON(w, http.StatusOK, knowledgeSearchResponse{
		Query:  request.Query,
		Metric: string(result.Metric),
		Hits:   hitsFrom(result),
	})
}
