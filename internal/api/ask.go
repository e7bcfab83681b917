package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/askql/askql/internal/apperr"
	"github.com/askql/askql/internal/conversation"
	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/observability"
	"github.com/askql/askql/internal/pipeline"
	"github.com/askql/askql/internal/query"
)

type askRequest struct {
	Question        string                 `json:"question"`
	History         []conversation.TurnDTO `json:"history"`
	SkipExplanation bool                   `json:"skip_explanation"`
}

type askResponse struct {
	Question           string                `json:"question"`
	GeneratedQuery     string                `json:"generated_query"`
	Results            resultsPayload        `json:"results"`
	RetrievedKnowledge []knowledgeHitPayload `json:"retrieved_knowledge"`
	Explanation        *string               `json:"explanation"`
	Turn               conversation.TurnDTO  `json:"turn"`
	Stats              map[string]any        `json:"stats"`
}

type resultsPayload struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

type knowledgeHitPayload struct {
	ID       string            `json:"id"`
	Content  string            `json:"content"`
	Tags     []string          `json:"tags"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Distance float64           `json:"distance"`
	Score    float64           `json:"score"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "PIPELINE_NOT_CONFIGURED", "question answering is not configured", false, nil)
		return
	}

	var request askRequest
	if err := decodeJSON(r, &request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid ask request body", false, map[string]any{"details": err.Error()})
		return
	}
	if strings.TrimSpace(request.Question) == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	history, err := conversation.FromDTOs(request.History)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_HISTORY", "invalid conversation history", false, map[string]any{"details": err.Error()})
		return
	}

	response, err := deps.Pipeline.Run(r.Context(), pipeline.Request{
		Question:        request.Question,
		History:         history,
		SkipExplanation: request.SkipExplanation,
	})
	if err != nil {
		writePipelineError(r.Context(), w, err)
		return
	}
	observability.ObserveKnowledgeHits(response.RetrievedKnowledge)

	turn := conversation.NewHistory(response.Turn()).DTOs()[0]
	writeJSON(w, http.StatusOK, askResponse{
		Question:           response.Question,
		GeneratedQuery:     response.GeneratedQuery,
		Results:            resultsFrom(response.Results),
		RetrievedKnowledge: hitsFrom(response.RetrievedKnowledge),
		Explanation:        response.Explanation,
		Turn:               turn,
		Stats: map[string]any{
			"query_duration_ms": response.Results.Duration.Milliseconds(),
		},
	})
}

// writePipelineError maps the pipeline's error kinds onto HTTP statuses. Deadlines win over the kind of the
// stage that hit them.
func writePipelineError(ctx context.Context, w http.ResponseWriter, err error) {
	extra := map[string]any{"details": err.Error()}
	var runErr *pipeline.RunError
	if errors.As(err, &runErr) {
		extra["stage"] = string(runErr.Stage)
	}
	var executionErr *apperr.ExecutionError
	if errors.As(err, &executionErr) && executionErr.Query != "" {
		extra["generated_query"] = executionErr.Query
	}

	switch {
	case errors.Is(err, pipeline.ErrEmptyQuestion):
		writeError(ctx, w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(ctx, w, http.StatusGatewayTimeout, "STAGE_TIMEOUT", "a pipeline stage timed out", true, extra)
	case errors.Is(err, context.Canceled):
		writeError(ctx, w, http.StatusServiceUnavailable, "REQUEST_CANCELED", "request was canceled", true, extra)
	case errors.Is(err, apperr.ErrStoreNotLoaded):
		writeError(ctx, w, http.StatusServiceUnavailable, "STORE_NOT_LOADED", "knowledge store is not loaded", true, extra)
	case apperr.IsGeneration(err):
		writeError(ctx, w, http.StatusBadGateway, "GENERATION_FAILED", "generation service failed", true, extra)
	case apperr.IsExecution(err):
		writeError(ctx, w, http.StatusUnprocessableEntity, "EXECUTION_FAILED", "generated query failed to execute", false, extra)
	default:
		writeError(ctx, w, http.StatusInternalServerError, "INTERNAL_ERROR", "question could not be answered", false, extra)
	}
}

func resultsFrom(result query.Result) resultsPayload {
	columns := result.Columns
	if columns == nil {
		columns = []string{}
	}
	rows := result.Rows
	if rows == nil {
		rows = [][]any{}
	}
	return resultsPayload{Columns: columns, Rows: rows, RowCount: result.RowCount}
}

func hitsFrom(result knowledge.Result) []knowledgeHitPayload {
	out := make([]knowledgeHitPayload, 0, result.Len())
	for _, hit := range result.Hits {
		tags := hit.Item.Tags
		if tags == nil {
			tags = []string{}
		}
		out = append(out, knowledgeHitPayload{
			ID:       hit.Item.ID,
			Content:  hit.Item.Content,
			Tags:     tags,
			Metadata: hit.Item.Metadata,
			Distance: hit.Distance,
			Score:    hit.Score,
		})
	}
	return out
}
