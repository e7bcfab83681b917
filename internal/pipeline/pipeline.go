// Package pipeline runs one question through retrieval, prompt composition, query generation, execution
// and answer synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/askql/askql/internal/answer"
	"github.com/askql/askql/internal/conversation"
	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/query"
	"github.com/askql/askql/internal/schema"
)

var ErrEmptyQuestion = errors.New("question is required")

type Retriever interface {
	Retrieve(ctx context.Context, question string) (knowledge.Result, error)
}

type Composer interface {
	Compose(snapshot schema.Snapshot, result knowledge.Result, history conversation.History, question string) string
}

type Generator interface {
	Generate(ctx context.Context, prompt string, maxOutput int) (string, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, question, queryText string, result query.Result) string
}

// Timeouts bound each external stage. Zero values use DefaultTimeouts.
type Timeouts struct {
	Retrieve time.Duration
	Generate time.Duration
	Execute  time.Duration
	Explain  time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Retrieve: 15 * time.Second,
		Generate: 60 * time.Second,
		Execute:  30 * time.Second,
		Explain:  60 * time.Second,
	}
}

type Config struct {
	Retriever   Retriever
	Composer    Composer
	Generator   Generator
	Executor    query.Executor
	Synthesizer Synthesizer
	Schema      schema.Snapshot
	Timeouts    Timeouts
	// GenerateMaxOutput is passed to the generator; zero uses its default.
	GenerateMaxOutput int
	Observer          Observer
	Logger            *slog.Logger
}

type Pipeline struct {
	retriever   Retriever
	composer    Composer
	generator   Generator
	executor    query.Executor
	synthesizer Synthesizer
	schema      schema.Snapshot
	timeouts    Timeouts
	maxOutput   int
	observer    Observer
	logger      *slog.Logger
}

func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Retriever == nil:
		return nil, fmt.Errorf("retriever is required")
	case cfg.Composer == nil:
		return nil, fmt.Errorf("composer is required")
	case cfg.Generator == nil:
		return nil, fmt.Errorf("generator is required")
	case cfg.Executor == nil:
		return nil, fmt.Errorf("executor is required")
	case cfg.Synthesizer == nil:
		return nil, fmt.Errorf("synthesizer is required")
	case cfg.Schema.Empty():
		return nil, fmt.Errorf("schema snapshot is required")
	}
	defaults := DefaultTimeouts()
	timeouts := cfg.Timeouts
	if timeouts.Retrieve <= 0 {
		timeouts.Retrieve = defaults.Retrieve
	}
	if timeouts.Generate <= 0 {
		timeouts.Generate = defaults.Generate
	}
	if timeouts.Execute <= 0 {
		timeouts.Execute = defaults.Execute
	}
	if timeouts.Explain <= 0 {
		timeouts.Explain = defaults.Explain
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	observer := cfg.Observer
	if observer == nil {
		observer = ObserverFunc(func(context.Context, Transition) {})
	}
	return &Pipeline{
		retriever:   cfg.Retriever,
		composer:    cfg.Composer,
		generator:   cfg.Generator,
		executor:    cfg.Executor,
		synthesizer: cfg.Synthesizer,
		schema:      cfg.Schema,
		timeouts:    timeouts,
		maxOutput:   cfg.GenerateMaxOutput,
		observer:    observer,
		logger:      logger,
	}, nil
}

func (p *Pipeline) Schema() schema.Snapshot {
	return p.schema
}

type Request struct {
	Question        string
	History         conversation.History
	SkipExplanation bool
}

// Response is only returned for a run that reached DONE. Explanation is nil when it was skipped on request.
type Response struct {
	Question           string
	GeneratedQuery     string
	Results            query.Result
	RetrievedKnowledge knowledge.Result
	Explanation        *string
}

// Run moves strictly forward through the stages. A failure while retrieving, generating or executing ends
// the run with a *RunError and no response; explanation failures are absorbed by the synthesizer.
func (p *Pipeline) Run(ctx context.Context, req Request) (Response, error) {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}

	run := &run{pipeline: p, ctx: ctx, stage: StageReceived, entered: time.Now()}

	run.enter(StageRetrieving)
	retrieveCtx, cancel := context.WithTimeout(ctx, p.timeouts.Retrieve)
	retrieved, err := p.retriever.Retrieve(retrieveCtx, question)
	cancel()
	if err != nil {
		return Response{}, run.fail(err)
	}

	run.enter(StageComposing)
	prompt := p.composer.Compose(p.schema, retrieved, req.History, question)

	run.enter(StageGenerating)
	generateCtx, cancel := context.WithTimeout(ctx, p.timeouts.Generate)
	generated, err := p.generator.Generate(generateCtx, prompt, p.maxOutput)
	cancel()
	if err != nil {
		return Response{}, run.fail(err)
	}

	run.enter(StageExecuting)
	executeCtx, cancel := context.WithTimeout(ctx, p.timeouts.Execute)
	results, err := p.executor.Execute(executeCtx, generated)
	cancel()
	if err != nil {
		return Response{}, run.fail(err)
	}

	response := Response{
		Question:           question,
		GeneratedQuery:     generated,
		Results:            results,
		RetrievedKnowledge: retrieved,
	}

	if !req.SkipExplanation {
		run.enter(StageExplaining)
		explanation := answer.NoResultsMessage
		if results.RowCount > 0 {
			explainCtx, cancel := context.WithTimeout(ctx, p.timeouts.Explain)
			explanation = p.synthesizer.Synthesize(explainCtx, question, generated, results)
			cancel()
		}
		response.Explanation = &explanation
	}

	run.enter(StageDone)
	return response, nil
}

// Turn converts a finished run into the conversation turn recorded by callers that keep history.
func (r Response) Turn() conversation.Turn {
	turn := conversation.Completed{
		Question:      r.Question,
		Query:         r.GeneratedQuery,
		ResultSummary: r.Results.Summary(),
	}
	if r.Explanation != nil {
		turn.Answer = *r.Explanation
	}
	return turn
}

// FailedTurn records a run that ended in err.
func FailedTurn(question string, err error) conversation.Turn {
	return conversation.Failed{Question: strings.TrimSpace(question), Error: err.Error()}
}

type run struct {
	pipeline *Pipeline
	ctx      context.Context
	stage    Stage
	entered  time.Time
}

func (r *run) enter(next Stage) {
	now := time.Now()
	transition := Transition{From: r.stage, To: next, Elapsed: now.Sub(r.entered)}
	r.stage = next
	r.entered = now
	r.pipeline.logger.DebugContext(r.ctx, "pipeline transition",
		slog.String("from", string(transition.From)),
		slog.String("to", string(transition.To)),
		slog.Duration("elapsed", transition.Elapsed),
	)
	r.pipeline.observer.Transition(r.ctx, transition)
}

func (r *run) fail(err error) error {
	runErr := &RunError{Stage: r.stage, Err: err}
	now := time.Now()
	transition := Transition{From: r.stage, To: StageError, Elapsed: now.Sub(r.entered), Err: err}
	r.pipeline.logger.WarnContext(r.ctx, "pipeline failed",
		slog.String("stage", string(r.stage)),
		slog.Any("error", err),
	)
	r.stage = StageError
	r.pipeline.observer.Transition(r.ctx, transition)
	return runErr
}
