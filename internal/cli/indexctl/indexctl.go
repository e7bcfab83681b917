// Package indexctl maintains the Postgres-backed knowledge index: schema migrations, status,
// rebuilds and ad-hoc retrieval checks.
package indexctl

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/askql/askql/internal/app"
	"github.com/askql/askql/internal/config"
	"github.com/askql/askql/internal/knowledge"
	"github.com/askql/askql/internal/knowledge/pgindex"
	"github.com/askql/askql/internal/knowledge/snapshot"
	"github.com/askql/askql/internal/migrations"
	"github.com/askql/askql/internal/storage"
)

// Options replace the services normally built from Config.
type Options struct {
	Config      config.Config
	Logger      *slog.Logger
	OpenDB      func(ctx context.Context, cfg config.Config) (*sql.DB, error)
	Embedder    knowledge.Embedder
	ObjectStore storage.ObjectStore
	Stdout      io.Writer
	Stderr      io.Writer
}

type runtime struct {
	opts   Options
	format string
}

func NewRootCmd(opts Options) *cobra.Command {
	if opts.OpenDB == nil {
		opts.OpenDB = app.OpenIndexDB
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	rt := &runtime{opts: opts}

	cmd := &cobra.Command{
		Use:   "askql-index",
		Short: "Maintain the pgvector knowledge index",
		Long: `askql-index manages the knowledge index stored in Postgres.

The index database comes from ASKQL_KNOWLEDGE_INDEX_DSN (or ASKQL_STORE_DSN).

Examples:
  askql-index migrate up
  askql-index status
  askql-index rebuild
  askql-index search --k 3 "completed orders revenue"`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if opts.Stdout != nil {
		cmd.SetOut(opts.Stdout)
	}
	if opts.Stderr != nil {
		cmd.SetErr(opts.Stderr)
	}
	cmd.PersistentFlags().StringVar(&rt.format, "format", "text", "Output format (text, json)")

	cmd.AddCommand(
		newMigrateCmd(rt),
		newStatusCmd(rt),
		newRebuildCmd(rt),
		newSearchCmd(rt),
	)
	return cmd
}

// Run executes args and returns the process exit code.
func Run(ctx context.Context, args []string, opts Options) int {
	stderr := opts.Stderr
	if stderr == nil {
		stderr = io.Discard
	}
	cmd := NewRootCmd(opts)
	cmd.SetArgs(args)
	if err := cmd.ExecuteContext(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func (rt *runtime) withDB(ctx context.Context, fn func(db *sql.DB) error) error {
	db, err := rt.opts.OpenDB(ctx, rt.opts.Config)
	if err != nil {
		return fmt.Errorf("open index database: %w", err)
	}
	defer func() { _ = db.Close() }()
	return fn(db)
}

func (rt *runtime) embedder() (knowledge.Embedder, error) {
	if rt.opts.Embedder != nil {
		return rt.opts.Embedder, nil
	}
	return app.NewEmbedder(rt.opts.Config)
}

func (rt *runtime) snapshotCache(ctx context.Context) (*snapshot.Cache, error) {
	cfg := rt.opts.Config
	if !cfg.Knowledge.SnapshotEnabled {
		return nil, nil
	}
	objectStore := rt.opts.ObjectStore
	if objectStore == nil {
		built, err := app.NewObjectStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("open object store: %w", err)
		}
		objectStore = built
	}
	return snapshot.New(objectStore, cfg.Knowledge.SnapshotNamespace), nil
}

// knowledgeStore builds a store over the pgvector index with the configured embedder and metric.
func (rt *runtime) knowledgeStore(db *sql.DB, cache *snapshot.Cache) (*knowledge.Store, error) {
	embedder, err := rt.embedder()
	if err != nil {
		return nil, err
	}
	metric, err := knowledge.ParseMetric(rt.opts.Config.Knowledge.Metric)
	if err != nil {
		return nil, err
	}
	cfg := knowledge.Config{
		Embedder:  embedder,
		Index:     pgindex.New(db, pgindex.Options{Embedder: embedder.Name(), Model: embedder.Model(), Metric: metric}),
		Metric:    metric,
		BatchSize: rt.opts.Config.Embeddings.BatchSize,
		Logger:    rt.opts.Logger,
	}
	if cache != nil {
		cfg.Cache = cache
	}
	return knowledge.NewStore(cfg)
}

func (rt *runtime) printJSON(w io.Writer, value any) error {
	encoded, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(encoded))
	return err
}

func newMigrateCmd(rt *runtime) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back or list knowledge index migrations",
	}

	var upSteps int
	up := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withDB(cmd.Context(), func(db *sql.DB) error {
				applied, err := migrations.NewRunner().Up(cmd.Context(), db, upSteps)
				if err != nil {
					return fmt.Errorf("migration up failed: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", applied)
				return err
			})
		},
	}
	up.Flags().IntVar(&upSteps, "steps", 0, "Number of migrations to apply; 0 applies all")

	var downSteps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back applied migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withDB(cmd.Context(), func(db *sql.DB) error {
				rolledBack, err := migrations.NewRunner().Down(cmd.Context(), db, downSteps)
				if err != nil {
					return fmt.Errorf("migration down failed: %w", err)
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", rolledBack)
				return err
			})
		},
	}
	down.Flags().IntVar(&downSteps, "steps", 1, "Number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "List known migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withDB(cmd.Context(), func(db *sql.DB) error {
				statuses, err := migrations.NewRunner().Status(cmd.Context(), db)
				if err != nil {
					return err
				}
				if rt.format == "json" {
					return rt.printJSON(cmd.OutOrStdout(), statuses)
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "VERSION\tNAME\tAPPLIED")
				for _, s := range statuses {
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%t\n", s.Version, s.Name, s.Applied)
				}
				return tw.Flush()
			})
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

type indexStatus struct {
	Loaded     bool      `json:"loaded"`
	Items      int       `json:"items"`
	Embedder   string    `json:"embedder,omitempty"`
	Model      string    `json:"model,omitempty"`
	Metric     string    `json:"metric,omitempty"`
	Dimensions int       `json:"dimensions,omitempty"`
	LoadedAt   time.Time `json:"loaded_at,omitzero"`
}

func newStatusCmd(rt *runtime) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show what the knowledge index holds and which embedder produced it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return rt.withDB(cmd.Context(), func(db *sql.DB) error {
				index := pgindex.New(db, pgindex.Options{})
				meta, ok, err := index.Meta(cmd.Context())
				if err != nil {
					return err
				}
				count, err := index.Count(cmd.Context())
				if err != nil {
					return err
				}
				status := indexStatus{Loaded: ok, Items: count}
				if ok {
					status.Embedder = meta.Embedder
					status.Model = meta.Model
					status.Metric = string(meta.Metric)
					status.Dimensions = meta.Dimensions
					status.LoadedAt = meta.LoadedAt
				}
				if rt.format == "json" {
					return rt.printJSON(cmd.OutOrStdout(), status)
				}
				out := cmd.OutOrStdout()
				if !ok {
					_, err := fmt.Fprintf(out, "knowledge index is empty (%d items)\n", count)
					return err
				}
				_, _ = fmt.Fprintf(out, "items:      %d\n", count)
				_, _ = fmt.Fprintf(out, "embedder:   %s (%s)\n", meta.Embedder, meta.Model)
				_, _ = fmt.Fprintf(out, "metric:     %s\n", meta.Metric)
				_, _ = fmt.Fprintf(out, "dimensions: %d\n", meta.Dimensions)
				_, err = fmt.Fprintf(out, "loaded at:  %s\n", meta.LoadedAt.UTC().Format(time.RFC3339))
				return err
			})
		},
	}
}

func newRebuildCmd(rt *runtime) *cobra.Command {
	var sourcePath string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Drop the stored knowledge and embed the source again",
		Long: `Drop every stored knowledge item, remove the matching snapshot, and embed the
knowledge source from scratch. Use this after changing the embedder, the metric or the source.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			path := rt.opts.Config.Knowledge.SourcePath
			if cmd.Flags().Changed("source") {
				path = sourcePath
			}
			items, err := knowledge.LoadSource(path)
			if err != nil {
				return err
			}
			cache, err := rt.snapshotCache(ctx)
			if err != nil {
				return err
			}
			return rt.withDB(ctx, func(db *sql.DB) error {
				store, err := rt.knowledgeStore(db, cache)
				if err != nil {
					return err
				}
				removed, err := pgindex.New(db, pgindex.Options{}).Reset(ctx)
				if err != nil {
					return err
				}
				if cache != nil {
					fingerprint, err := store.SnapshotFingerprint(items)
					if err != nil {
						return err
					}
					if err := cache.Delete(ctx, fingerprint); err != nil {
						return fmt.Errorf("delete knowledge snapshot: %w", err)
					}
				}
				outcome, err := store.Load(ctx, items)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d item(s); %s %d item(s)\n", removed, outcome, len(items))
				return err
			})
		},
	}
	cmd.Flags().StringVar(&sourcePath, "source", "", "Knowledge source JSON file (defaults to ASKQL_KNOWLEDGE_SOURCE)")
	return cmd
}

func newSearchCmd(rt *runtime) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Retrieve the nearest knowledge items for a query",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return rt.withDB(ctx, func(db *sql.DB) error {
				store, err := rt.knowledgeStore(db, nil)
				if err != nil {
					return err
				}
				count, err := store.Count(ctx)
				if err != nil {
					return err
				}
				if count == 0 {
					return fmt.Errorf("knowledge index is empty; run rebuild first")
				}
				if _, err := store.Load(ctx, nil); err != nil {
					return err
				}
				result, err := store.Search(ctx, args[0], k)
				if err != nil {
					return err
				}
				if rt.format == "json" {
					hits := make([]map[string]any, 0, len(result.Hits))
					for _, hit := range result.Hits {
						hits = append(hits, map[string]any{
							"id":       hit.Item.ID,
							"content":  hit.Item.Content,
							"distance": hit.Distance,
							"score":    hit.Score,
						})
					}
					return rt.printJSON(cmd.OutOrStdout(), map[string]any{"metric": result.Metric, "hits": hits})
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tDISTANCE\tSCORE\tCONTENT")
				for _, hit := range result.Hits {
					_, _ = fmt.Fprintf(tw, "%s\t%.4f\t%.4f\t%s\n", hit.Item.ID, hit.Distance, hit.Score, hit.Item.Content)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&k, "k", knowledge.DefaultTopK, "Number of items to retrieve")
	return cmd
}
