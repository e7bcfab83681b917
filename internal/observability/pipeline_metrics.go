package observability

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/pipeline"
)

var (
	pipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_pipeline_runs_total",
			Help: "Total number of finished pipeline runs by outcome and failing stage.",
		},
		[]string{"outcome", "stage"},
	)
	pipelineStageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "askql_pipeline_stage_duration_seconds",
			Help:    "Time spent in each pipeline stage.",
			Buckets: []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"stage"},
	)
	knowledgeHits = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "askql_knowledge_hits",
			Help:    "Number of knowledge items retrieved per question.",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
		},
	)
	explanationFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "askql_explanation_fallbacks_total",
			Help: "Total number of answers replaced by the explanation fallback text.",
		},
	)
	knowledgeLoadTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "askql_knowledge_load_total",
			Help: "Knowledge store loads by outcome (loaded, reused, failed).",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		pipelineRunsTotal,
		pipelineStageDurationSeconds,
		knowledgeHits,
		explanationFallbacksTotal,
		knowledgeLoadTotal,
	)
}

// PipelineObserver records stage durations and run outcomes.
type PipelineObserver struct{}

func (PipelineObserver) Transition(_ context.Context, transition pipeline.Transition) {
	if transition.From != pipeline.StageReceived {
		pipelineStageDurationSeconds.WithLabelValues(stageLabel(transition.From)).Observe(transition.Elapsed.Seconds())
	}
	if !transition.To.Terminal() {
		return
	}
	if transition.To == pipeline.StageError {
		pipelineRunsTotal.WithLabelValues("error", stageLabel(transition.From)).Inc()
		return
	}
	pipelineRunsTotal.WithLabelValues("done", "").Inc()
}

func ObserveKnowledgeHits(result knowledge.Result) {
	knowledgeHits.Observe(float64(result.Len()))
}

func IncrementExplanationFallback(error) {
	explanationFallbacksTotal.Inc()
}

func ObserveKnowledgeLoad(outcome knowledge.LoadOutcome, err error) {
	if err != nil {
		knowledgeLoadTotal.WithLabelValues("failed").Inc()
		return
	}
	knowledgeLoadTotal.WithLabelValues(string(outcome)).Inc()
}

func stageLabel(stage pipeline.Stage) string {
	return strings.ToLower(string(stage))
}
