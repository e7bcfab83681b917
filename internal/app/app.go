// Package app builds the process-wide components once at startup and wires them into the HTTP handler.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/askql/askql/internal/answer"
	"github.com/askql/askql/internal/api"
	"github.com/askql/askql/internal/apperr"
	"github.com/askql/askql/internal/config"
	"github.com/askql/askql/internal/embeddings"
	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/knowledge/pgindex"
	"github.com/askql/askql/internal/knowledge/snapshot"
	"github.com/askql/askql/internal/llm"
	"github.com/askql/askql/internal/migrations"
	"github.com/askql/askql/internal/nl2sql"
	"github.com/askql/askql/internal/observability"
	"github.com/askql/askql/internal/pipeline"
	"github.com/askql/askql/internal/prompt"
	"github.com/askql/askql/internal/query/sqlexec"
	"github.com/askql/askql/internal/retry"
	"github.com/askql/askql/internal/schema"
	"github.com/askql/askql/internal/storage"
	s3store "github.com/askql/askql/internal/storage/s3"
	"github.com/askql/askql/internal/store"
	"github.com/askql/askql/internal/store/dataset"
)

// Options replace externally hosted services; zero values build them from config.
type Options struct {
	LLM         llm.Client
	Embedder    knowledge.Embedder
	ObjectStore storage.ObjectStore
	// Prepare runs against the relational store before the schema snapshot is taken.
	Prepare func(ctx context.Context, db *sql.DB) error
}

// App holds everything built during bootstrap. Close releases the database handles.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	IndexDB   *sql.DB
	Schema    schema.Snapshot
	Knowledge *knowledge.Store
	Pipeline  *pipeline.Pipeline
	Handler   http.Handler
}

func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.build(ctx, opts); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	cfg := a.Config

	db, err := store.Open(ctx, store.Config{
		Driver:          cfg.Store.Driver,
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
	})
	if err != nil {
		return apperr.Init("relational store", err)
	}
	a.DB = db

	tables, err := dataset.ParseTables(cfg.Store.DatasetTables)
	if err != nil {
		return apperr.Init("dataset", err)
	}
	objectStore := opts.ObjectStore
	if objectStore == nil && (cfg.Knowledge.SnapshotEnabled || len(tables) > 0) {
		objectStore, err = NewObjectStore(ctx, cfg)
		if err != nil {
			return apperr.Init("object store", err)
		}
	}
	if err := a.loadDataset(ctx, objectStore, tables); err != nil {
		return apperr.Init("dataset", err)
	}
	if opts.Prepare != nil {
		if err := opts.Prepare(ctx, db); err != nil {
			return apperr.Init("relational store", err)
		}
	}

	relationships, err := schema.ParseRelationships(cfg.Store.Relationships)
	if err != nil {
		return apperr.Init("schema snapshot", err)
	}
	schemaName := cfg.Store.SchemaName
	if schemaName == "" {
		schemaName = store.DefaultSchema(cfg.Store.Driver)
	}
	snapshotSchema, err := schema.Loader{
		DB:                  db,
		SchemaName:          schemaName,
		Relationships:       relationships,
		DiscoverForeignKeys: cfg.Store.DiscoverForeignKeys,
		Logger:              a.Logger,
	}.Load(ctx)
	if err != nil {
		return err
	}
	a.Schema = snapshotSchema
	a.Logger.InfoContext(ctx, "schema snapshot loaded",
		slog.Int("tables", len(snapshotSchema.Tables())),
		slog.Int("relationships", len(snapshotSchema.Relationships())),
	)

	knowledgeStore, err := a.buildKnowledge(ctx, opts, objectStore)
	if err != nil {
		return err
	}
	a.Knowledge = knowledgeStore

	client := opts.LLM
	if client == nil {
		client, err = llm.New(llm.Config{
			Provider:    cfg.AI.Provider,
			BaseURL:     cfg.AI.BaseURL,
			APIKey:      cfg.AI.APIKey,
			Model:       cfg.AI.Model,
			Temperature: cfg.AI.Temperature,
			Timeout:     cfg.AI.Timeout,
		})
		if err != nil {
			return apperr.Init("generation client", err)
		}
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
	}
	p, err := pipeline.New(pipeline.Config{
		Retriever: knowledge.NewRetriever(knowledgeStore, cfg.Knowledge.TopK),
		Composer: prompt.NewComposer(prompt.Config{
			MaxKnowledgeItems: cfg.Knowledge.TopK,
			Dialect:           store.Dialect(cfg.Store.Driver),
			HistoryTurns:      cfg.AI.HistoryTurns,
		}),
		Generator: nl2sql.NewGenerator(client, nl2sql.Config{
			MaxOutputTokens: cfg.AI.GenerateMaxTokens,
			Retry:           policy,
		}),
		Executor: sqlexec.New(db, sqlexec.Config{
			Timeout: cfg.Store.QueryTimeout,
			Retry:   policy,
		}),
		Synthesizer: answer.NewSynthesizer(client, answer.Config{
			MaxOutputTokens: cfg.AI.ExplainMaxTokens,
			SampleRows:      cfg.AI.ExplainSampleRows,
			OnFallback:      observability.IncrementExplanationFallback,
		}),
		Schema: snapshotSchema,
		Timeouts: pipeline.Timeouts{
			Retrieve: cfg.Knowledge.RetrieveTimeout,
			Generate: cfg.AI.Timeout,
			Execute:  cfg.Store.QueryTimeout,
			Explain:  cfg.AI.Timeout,
		},
		GenerateMaxOutput: cfg.AI.GenerateMaxTokens,
		Observer:          pipeline.Observers{observability.PipelineObserver{}},
		Logger:            a.Logger,
	})
	if err != nil {
		return apperr.Init("pipeline", err)
	}
	a.Pipeline = p

	readiness := []api.ReadinessCheck{
		func(ctx context.Context) error { return store.HealthCheck(ctx, db) },
		api.CheckKnowledgeLoaded(knowledgeStore),
	}
	if a.IndexDB != nil {
		indexDB := a.IndexDB
		readiness = append(readiness, func(ctx context.Context) error { return store.HealthCheck(ctx, indexDB) })
	}
	a.Handler = api.NewHandler(cfg, api.Dependencies{
		Logger:            a.Logger,
		Readiness:         api.CombineReadinessChecks(readiness...),
		DependencyTimeout: time.Second,
		Pipeline:          p,
		Knowledge:         knowledgeStore,
		Schema:            snapshotSchema,
		DefaultTopK:       cfg.Knowledge.TopK,
	})
	return nil
}

func (a *App) loadDataset(ctx context.Context, objectStore storage.ObjectStore, tables []dataset.Table) error {
	if len(tables) == 0 {
		return nil
	}
	if !strings.EqualFold(a.Config.Store.Driver, "duckdb") {
		return fmt.Errorf("dataset tables require the duckdb driver")
	}
	_, err := dataset.Loader{Store: objectStore, Logger: a.Logger}.Load(ctx, a.DB, tables)
	return err
}

func (a *App) buildKnowledge(ctx context.Context, opts Options, objectStore storage.ObjectStore) (*knowledge.Store, error) {
	cfg := a.Config
	embedder := opts.Embedder
	if embedder == nil {
		var err error
		embedder, err = NewEmbedder(cfg)
		if err != nil {
			return nil, apperr.Init("embeddings", err)
		}
	}
	metric, err := knowledge.ParseMetric(cfg.Knowledge.Metric)
	if err != nil {
		return nil, apperr.Init("knowledge store", err)
	}

	var index knowledge.Index
	if cfg.Knowledge.Backend == config.KnowledgeBackendPGVector {
		indexDB, err := OpenIndexDB(ctx, cfg)
		if err != nil {
			return nil, apperr.Init("knowledge index", err)
		}
		a.IndexDB = indexDB
		applied, err := migrations.NewRunner().Up(ctx, indexDB, 0)
		if err != nil {
			return nil, apperr.Init("knowledge index", err)
		}
		if applied > 0 {
			a.Logger.InfoContext(ctx, "knowledge index migrations applied", slog.Int("count", applied))
		}
		index = pgindex.New(indexDB, pgindex.Options{Embedder: embedder.Name(), Model: embedder.Model(), Metric: metric})
	}

	var cache knowledge.SnapshotCache
	if cfg.Knowledge.SnapshotEnabled && objectStore != nil {
		cache = snapshot.New(objectStore, cfg.Knowledge.SnapshotNamespace)
	}

	knowledgeStore, err := knowledge.NewStore(knowledge.Config{
		Embedder:  embedder,
		Index:     index,
		Metric:    metric,
		Cache:     cache,
		BatchSize: cfg.Embeddings.BatchSize,
		Logger:    a.Logger,
	})
	if err != nil {
		return nil, apperr.Init("knowledge store", err)
	}

	items, err := knowledge.LoadSource(cfg.Knowledge.SourcePath)
	if err != nil {
		return nil, apperr.Init("knowledge source", err)
	}
	loadCtx := ctx
	if cfg.Knowledge.LoadTimeout > 0 {
		var cancel context.CancelFunc
		loadCtx, cancel = context.WithTimeout(ctx, cfg.Knowledge.LoadTimeout)
		defer cancel()
	}
	outcome, err := knowledgeStore.Load(loadCtx, items)
	observability.ObserveKnowledgeLoad(outcome, err)
	if err != nil {
		return nil, apperr.Init("knowledge store", err)
	}
	a.Logger.InfoContext(ctx, "knowledge store ready",
		slog.String("outcome", string(outcome)),
		slog.Int("items", len(items)),
		slog.String("embedder", embedder.Name()),
		slog.String("metric", string(metric)),
	)
	return knowledgeStore, nil
}

func (a *App) Close() error {
	var errs []error
	if a.IndexDB != nil {
		errs = append(errs, a.IndexDB.Close())
	}
	if a.DB != nil {
		errs = append(errs, a.DB.Close())
	}
	return errors.Join(errs...)
}

func NewEmbedder(cfg config.Config) (knowledge.Embedder, error) {
	return embeddings.New(embeddings.Config{
		Provider:   cfg.Embeddings.Provider,
		BaseURL:    cfg.Embeddings.BaseURL,
		APIKey:     cfg.Embeddings.APIKey,
		Model:      cfg.Embeddings.Model,
		Dimensions: cfg.Embeddings.Dimensions,
		Timeout:    cfg.Embeddings.Timeout,
	})
}

func NewObjectStore(ctx context.Context, cfg config.Config) (*s3store.Store, error) {
	return s3store.New(ctx, s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
}

// OpenIndexDB connects to the Postgres database holding the pgvector knowledge index.
func OpenIndexDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if cfg.Knowledge.IndexDSN == "" {
		return nil, fmt.Errorf("knowledge index dsn is required")
	}
	return store.Open(ctx, store.Config{
		Driver:       "postgres",
		DSN:          cfg.Knowledge.IndexDSN,
		MaxOpenConns: 4,
		MaxIdleConns: 2,
	})
}
