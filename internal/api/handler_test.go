package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/askql/askql/internal/apperr"
	"github.com/askql/askql/internal/config"
	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/pipeline"
	"github.com/askql/askql/internal/query"
	"github.com/askql/askql/internal/schema"
)

func TestHealthEndpoint(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestReadyEndpointReturns503WhenDependencyFails(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{
		Readiness: func(rctx context.Context) error {
			return errors.New("dependency down")
		},
	})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error_code"] != "NOT_READY" || body["retryable"] != true {
		t.Fatalf("body = %#v", body)
	}
}

func TestCheckKnowledgeLoaded(t *testing.T) {
	if err := CheckKnowledgeLoaded(loadedFlag(false))(context.Background()); err == nil {
		t.Fatal("expected error for unloaded store")
	}
	if err := CheckKnowledgeLoaded(loadedFlag(true))(context.Background()); err != nil {
		t.Fatalf("CheckKnowledgeLoaded() error = %v", err)
	}
}

func TestCombineReadinessChecksStopsOnFirstFailure(t *testing.T) {
	order := make([]int, 0, 3)
	combined := CombineReadinessChecks(
		func(_ context.Context) error {
			order = append(order, 1)
			return nil
		},
		nil,
		func(_ context.Context) error {
			order = append(order, 2)
			return errors.New("boom")
		},
		func(_ context.Context) error {
			order = append(order, 3)
			return nil
		},
	)

	err := combined(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("execution order = %#v", order)
	}
}

func TestAskReturnsPipelineResponse(t *testing.T) {
	explanation := "Total revenue is 150."
	asker := &fakeAsker{response: pipeline.Response{
		Question:       "What is the total revenue?",
		GeneratedQuery: "SELECT SUM(total_amount) AS revenue FROM orders WHERE status = 'completed'",
		Results:        query.NewResult([]string{"revenue"}, [][]any{{150.0}}, 0),
		RetrievedKnowledge: knowledge.Result{Metric: knowledge.MetricCosine, Hits: []knowledge.Hit{
			{Item: knowledge.Item{ID: "revenue_rule", Content: "Revenue counts completed orders only."}, Distance: 0.1, Score: 0.9},
		}},
		Explanation: &explanation,
	}}
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: asker})

	rr := doJSON(t, h, http.MethodPost, "/v1/ask", `{
		"question": "What is the total revenue?",
		"history": [{"kind": "completed", "question": "How many orders?", "query": "SELECT COUNT(*) FROM orders", "result_summary": "1 row (count)"}]
	}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if asker.request.History.Len() != 1 || asker.request.SkipExplanation {
		t.Fatalf("pipeline request = %+v", asker.request)
	}

	var body struct {
		Question       string `json:"question"`
		GeneratedQuery string `json:"generated_query"`
		Results        struct {
			Columns  []string `json:"columns"`
			Rows     [][]any  `json:"rows"`
			RowCount int      `json:"row_count"`
		} `json:"results"`
		RetrievedKnowledge []struct {
			ID    string   `json:"id"`
			Tags  []string `json:"tags"`
			Score float64  `json:"score"`
		} `json:"retrieved_knowledge"`
		Explanation *string `json:"explanation"`
		Turn        struct {
			Kind   string `json:"kind"`
			Answer string `json:"answer"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.GeneratedQuery != asker.response.GeneratedQuery {
		t.Fatalf("generated_query = %q", body.GeneratedQuery)
	}
	if body.Results.RowCount != 1 || body.Results.Columns[0] != "revenue" || body.Results.Rows[0][0] != 150.0 {
		t.Fatalf("results = %+v", body.Results)
	}
	if len(body.RetrievedKnowledge) != 1 || body.RetrievedKnowledge[0].ID != "revenue_rule" || body.RetrievedKnowledge[0].Tags == nil {
		t.Fatalf("retrieved_knowledge = %+v", body.RetrievedKnowledge)
	}
	if body.Explanation == nil || *body.Explanation != explanation {
		t.Fatalf("explanation = %v", body.Explanation)
	}
	if body.Turn.Kind != "completed" || body.Turn.Answer != explanation {
		t.Fatalf("turn = %+v", body.Turn)
	}
}

func TestAskSkippedExplanationIsNull(t *testing.T) {
	asker := &fakeAsker{response: pipeline.Response{Question: "q", GeneratedQuery: "SELECT 1", Results: query.NewResult(nil, nil, 0)}}
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: asker})

	rr := doJSON(t, h, http.MethodPost, "/v1/ask", `{"question": "q", "skip_explanation": true}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if !asker.request.SkipExplanation {
		t.Fatal("SkipExplanation was not forwarded")
	}
	body := decodeBody(t, rr)
	if explanation, ok := body["explanation"]; !ok || explanation != nil {
		t.Fatalf("explanation = %#v, want null", body["explanation"])
	}
	results := body["results"].(map[string]any)
	if rows, ok := results["rows"].([]any); !ok || len(rows) != 0 {
		t.Fatalf("rows = %#v, want empty array", results["rows"])
	}
}

func TestAskRejectsBadRequests(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: &fakeAsker{}})
	tests := []struct {
		body string
		code string
	}{
		{body: `{"question": "   "}`, code: "QUESTION_REQUIRED"},
		{body: `{"question": `, code: "INVALID_JSON"},
		{body: `{"question": "q", "unknown": 1}`, code: "INVALID_JSON"},
		{body: `{"question": "q", "history": [{"kind": "other"}]}`, code: "INVALID_HISTORY"},
	}
	for _, tt := range tests {
		rr := doJSON(t, h, http.MethodPost, "/v1/ask", tt.body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d", tt.body, rr.Code)
		}
		if got := decodeBody(t, rr)["error_code"]; got != tt.code {
			t.Fatalf("body %s: error_code = %v, want %s", tt.body, got, tt.code)
		}
	}
}

func TestAskMapsPipelineErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "store not loaded", err: &pipeline.RunError{Stage: pipeline.StageRetrieving, Err: apperr.ErrStoreNotLoaded}, status: http.StatusServiceUnavailable, code: "STORE_NOT_LOADED"},
		{name: "generation", err: &pipeline.RunError{Stage: pipeline.StageGenerating, Err: apperr.Generation("generate query", errors.New("503 from upstream"))}, status: http.StatusBadGateway, code: "GENERATION_FAILED"},
		{name: "execution", err: &pipeline.RunError{Stage: pipeline.StageExecuting, Err: apperr.Execution("SELECT nope", errors.New(`column "nope" does not exist`))}, status: http.StatusUnprocessableEntity, code: "EXECUTION_FAILED"},
		{name: "timeout", err: &pipeline.RunError{Stage: pipeline.StageGenerating, Err: apperr.Generation("generate query", context.DeadlineExceeded)}, status: http.StatusGatewayTimeout, code: "STAGE_TIMEOUT"},
		{name: "empty question", err: pipeline.ErrEmptyQuestion, status: http.StatusBadRequest, code: "QUESTION_REQUIRED"},
		{name: "unknown", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: &fakeAsker{err: tt.err}})
			rr := doJSON(t, h, http.MethodPost, "/v1/ask", `{"question": "q"}`)
			if rr.Code != tt.status {
				t.Fatalf("status = %d, want %d", rr.Code, tt.status)
			}
			body := decodeBody(t, rr)
			if body["error_code"] != tt.code {
				t.Fatalf("error_code = %v, want %s", body["error_code"], tt.code)
			}
			if _, ok := body["trace_id"].(string); !ok {
				t.Fatalf("trace_id missing: %#v", body)
			}
		})
	}
}

func TestAskExecutionErrorCarriesQueryAndDriverMessage(t *testing.T) {
	err := &pipeline.RunError{Stage: pipeline.StageExecuting, Err: apperr.Execution("SELECT nope FROM orders", errors.New(`column "nope" does not exist`))}
	h := NewHandler(testConfig(t, nil), Dependencies{Pipeline: &fakeAsker{err: err}})
	rr := doJSON(t, h, http.MethodPost, "/v1/ask", `{"question": "q"}`)

	extra, ok := decodeBody(t, rr)["context"].(map[string]any)
	if !ok {
		t.Fatalf("context missing: %s", rr.Body.String())
	}
	if extra["stage"] != "EXECUTING" || extra["generated_query"] != "SELECT nope FROM orders" {
		t.Fatalf("context = %#v", extra)
	}
	if details, _ := extra["details"].(string); !strings.Contains(details, `column "nope" does not exist`) {
		t.Fatalf("details = %q", details)
	}
}

func TestAskNotConfigured(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{})
	rr := doJSON(t, h, http.MethodPost, "/v1/ask", `{"question": "q"}`)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestSchemaEndpoint(t *testing.T) {
	snapshot := schema.NewSnapshot(
		[]schema.Table{
			{Name: "customers", Columns: []schema.Column{{Name: "customer_id", Type: "integer"}}},
			{Name: "orders", Columns: []schema.Column{{Name: "order_id", Type: "integer"}, {Name: "customer_id", Type: "integer", Nullable: true}}},
		},
		[]schema.Relationship{{FromTable: "orders", FromColumn: "customer_id", ToTable: "customers", ToColumn: "customer_id"}},
	)
	h := NewHandler(testConfig(t, nil), Dependencies{Schema: snapshot})
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/schema", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}

	var body schemaResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(body.Tables) != 2 || body.Tables[1].Name != "orders" || !body.Tables[1].Columns[1].Nullable {
		t.Fatalf("tables = %+v", body.Tables)
	}
	if len(body.Relationships) != 1 || body.Relationships[0] != "orders.customer_id → customers.customer_id" {
		t.Fatalf("relationships = %v", body.Relationships)
	}
	if body.Text != snapshot.Text() {
		t.Fatalf("text = %q", body.Text)
	}
}

func TestKnowledgeSearch(t *testing.T) {
	searcher := &fakeSearcher{result: knowledge.Result{Metric: knowledge.MetricCosine, Hits: []knowledge.Hit{
		{Item: knowledge.Item{ID: "revenue_rule", Content: "Revenue counts completed orders only.", Tags: []string{"revenue"}}, Distance: 0.2, Score: 0.8},
	}}}
	h := NewHandler(testConfig(t, nil), Dependencies{Knowledge: searcher, DefaultTopK: 3})

	rr := doJSON(t, h, http.MethodPost, "/v1/knowledge/search", `{"query": "revenue"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if searcher.k != 3 || searcher.query != "revenue" {
		t.Fatalf("search called with %q, %d", searcher.query, searcher.k)
	}
	var body knowledgeSearchResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.Metric != "cosine" || len(body.Hits) != 1 || body.Hits[0].Score != 0.8 {
		t.Fatalf("body = %+v", body)
	}

	rr = doJSON(t, h, http.MethodPost, "/v1/knowledge/search", `{"query": "revenue", "k": 0}`)
	if rr.Code != http.StatusOK || searcher.k != 0 {
		t.Fatalf("status = %d, k = %d", rr.Code, searcher.k)
	}
}

func TestKnowledgeSearchErrors(t *testing.T) {
	h := NewHandler(testConfig(t, nil), Dependencies{Knowledge: &fakeSearcher{err: apperr.ErrStoreNotLoaded}})
	if rr := doJSON(t, h, http.MethodPost, "/v1/knowledge/search", `{"query": "revenue"}`); rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("not loaded status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/knowledge/search", `{"query": "revenue", "k": -1}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("negative k status = %d", rr.Code)
	}
	if rr := doJSON(t, h, http.MethodPost, "/v1/knowledge/search", `{"query": ""}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("empty query status = %d", rr.Code)
	}
}

type fakeAsker struct {
	response pipeline.Response
	err      error
	request  pipeline.Request
}

func (f *fakeAsker) Run(_ context.Context, req pipeline.Request) (pipeline.Response, error) {
	f.request = req
	if f.err != nil {
		return pipeline.Response{}, f.err
	}
	return f.response, nil
}

type fakeSearcher struct {
	result knowledge.Result
	err    error
	query  string
	k      int
}

func (f *fakeSearcher) Search(_ context.Context, query string, k int) (knowledge.Result, error) {
	f.query = query
	f.k = k
	if f.err != nil {
		return knowledge.Result{}, fmt.Errorf("search knowledge: %w", f.err)
	}
	return f.result.Limit(k), nil
}

type loadedFlag bool

func (l loadedFlag) Loaded() bool { return bool(l) }

func testConfig(t *testing.T, env map[string]string) config.Config {
	t.Helper()
	values := map[string]string{"ASKQL_PROFILE": "test"}
	for key, value := range env {
		values[key] = value
	}
	cfg, err := config.Load("askql-api", mapLookup(values))
	if err != nil {
		t.Fatalf("config load failed: %v", err)
	}
	return cfg
}

func doJSON(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v, body=%s", err, rr.Body.String())
	}
	return body
}

func mapLookup(values map[string]string) config.LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
