// Package askqlctl is the command-line client of the askql HTTP API.
package askqlctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/askql/askql/internal/conversation"
)

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	Stdout     io.Writer
	Stderr     io.Writer
}

type settings struct {
	baseURL string
	timeout time.Duration
	format  string
	client  *http.Client
}

func (s *settings) api() *client {
	httpClient := s.client
	if httpClient == nil {
		httpClient = &http.Client{Timeout: s.timeout}
	}
	return &client{baseURL: s.baseURL, http: httpClient}
}

// NewRootCmd builds the askqlctl command tree. Defaults come from opts; flags override them.
func NewRootCmd(opts Options) *cobra.Command {
	s := &settings{client: opts.HTTPClient}
	cmd := &cobra.Command{
		Use:   "askqlctl",
		Short: "Ask questions about your data through the askql API",
		Long: `askqlctl talks to a running askql-api.

Examples:
  askqlctl ask "What is the total revenue from completed orders?"
  askqlctl ask --history-file session.json "And last month?"
  askqlctl search --k 3 "revenue"
  askqlctl schema`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	if opts.Stdout != nil {
		cmd.SetOut(opts.Stdout)
	}
	if opts.Stderr != nil {
		cmd.SetErr(opts.Stderr)
	}

	baseURL := opts.BaseURL
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "http://localhost:8080"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	cmd.PersistentFlags().StringVar(&s.baseURL, "base-url", baseURL, "askql API base URL")
	cmd.PersistentFlags().DurationVar(&s.timeout, "timeout", timeout, "HTTP timeout (e.g. 90s)")
	cmd.PersistentFlags().StringVar(&s.format, "format", "text", "Output format (text, json)")

	cmd.AddCommand(
		newStatusCmd(s, "health", "/v1/health"),
		newStatusCmd(s, "ready", "/v1/ready"),
		newAskCmd(s),
		newSchemaCmd(s),
		newSearchCmd(s),
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
		var apiErr *apiError
		if errors.As(err, &apiErr) {
			return 1
		}
		return 2
	}
	return 0
}

func newStatusCmd(s *settings, name, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: "GET " + path,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			raw, err := s.api().getJSON(cmd.Context(), path, nil)
			if err != nil {
				return err
			}
			return printRaw(cmd.OutOrStdout(), raw)
		},
	}
}

type knowledgeHit struct {
	ID       string   `json:"id"`
	Content  string   `json:"content"`
	Tags     []string `json:"tags"`
	Distance float64  `json:"distance"`
	Score    float64  `json:"score"`
}

type askResult struct {
	Question       string `json:"question"`
	GeneratedQuery string `json:"generated_query"`
	Results        struct {
		Columns  []string `json:"columns"`
		Rows     [][]any  `json:"rows"`
		RowCount int      `json:"row_count"`
	} `json:"results"`
	RetrievedKnowledge []knowledgeHit        `json:"retrieved_knowledge"`
	Explanation        *string               `json:"explanation"`
	Turn               *conversation.TurnDTO `json:"turn"`
}

func newAskCmd(s *settings) *cobra.Command {
	var (
		skipExplanation bool
		historyFile     string
		maxRows         int
	)
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Answer a question with generated SQL",
		Long: `Answer a natural-language question.

With --history-file the conversation is read from and appended to a JSON file, so
follow-up questions can refer to earlier ones.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return fmt.Errorf("question is required")
			}
			history, err := readHistory(historyFile)
			if err != nil {
				return err
			}

			payload := map[string]any{
				"question":         question,
				"history":          history.DTOs(),
				"skip_explanation": skipExplanation,
			}
			var result askResult
			raw, err := s.api().postJSON(cmd.Context(), "/v1/ask", payload, &result)
			if err != nil {
				var apiErr *apiError
				if errors.As(err, &apiErr) && historyFile != "" {
					history = history.Append(conversation.Failed{Question: question, Error: apiErr.Error()})
					if writeErr := writeHistory(historyFile, history); writeErr != nil {
						return errors.Join(err, writeErr)
					}
				}
				return err
			}
			if historyFile != "" && result.Turn != nil {
				appended, err := conversation.FromDTOs([]conversation.TurnDTO{*result.Turn})
				if err != nil {
					return err
				}
				for _, turn := range appended.Turns() {
					history = history.Append(turn)
				}
				if err := writeHistory(historyFile, history); err != nil {
					return err
				}
			}

			if s.format == "json" {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			return renderAsk(cmd.OutOrStdout(), result, maxRows)
		},
	}
	cmd.Flags().BoolVar(&skipExplanation, "skip-explanation", false, "Do not ask for a natural-language answer")
	cmd.Flags().StringVar(&historyFile, "history-file", "", "JSON file holding the conversation so far")
	cmd.Flags().IntVar(&maxRows, "max-rows", 20, "Maximum result rows to print")
	return cmd
}

func newSchemaCmd(s *settings) *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Show the schema snapshot used for generation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var snapshot struct {
				Text string `json:"text"`
			}
			raw, err := s.api().getJSON(cmd.Context(), "/v1/schema", &snapshot)
			if err != nil {
				return err
			}
			if s.format == "json" {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(snapshot.Text, "\n"))
			return err
		},
	}
}

func newSearchCmd(s *settings) *cobra.Command {
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Show the knowledge items retrieved for a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]any{"query": strings.Join(args, " ")}
			if cmd.Flags().Changed("k") {
				if k < 0 {
					return fmt.Errorf("k must not be negative")
				}
				payload["k"] = k
			}
			var result struct {
				Metric string         `json:"metric"`
				Hits   []knowledgeHit `json:"hits"`
			}
			raw, err := s.api().postJSON(cmd.Context(), "/v1/knowledge/search", payload, &result)
			if err != nil {
				return err
			}
			if s.format == "json" {
				return printRaw(cmd.OutOrStdout(), raw)
			}
			if len(result.Hits) == 0 {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), "No knowledge items found.")
				return err
			}
			return renderHits(cmd.OutOrStdout(), result.Hits)
		},
	}
	cmd.Flags().IntVar(&k, "k", 5, "Number of items to retrieve")
	return cmd
}

func renderAsk(w io.Writer, result askResult, maxRows int) error {
	if len(result.RetrievedKnowledge) > 0 {
		_, _ = fmt.Fprintln(w, "Retrieved knowledge:")
		if err := renderHits(w, result.RetrievedKnowledge); err != nil {
			return err
		}
		_, _ = fmt.Fprintln(w)
	}
	_, _ = fmt.Fprintf(w, "Generated SQL:\n%s\n\n", result.GeneratedQuery)

	_, _ = fmt.Fprintf(w, "Results (%d rows):\n", result.Results.RowCount)
	if len(result.Results.Columns) > 0 {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, strings.Join(result.Results.Columns, "\t"))
		for i, row := range result.Results.Rows {
			if maxRows > 0 && i >= maxRows {
				break
			}
			cells := make([]string, 0, len(row))
			for _, value := range row {
				cells = append(cells, formatCell(value))
			}
			_, _ = fmt.Fprintln(tw, strings.Join(cells, "\t"))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if maxRows > 0 && len(result.Results.Rows) > maxRows {
			_, _ = fmt.Fprintf(w, "... %d more rows\n", len(result.Results.Rows)-maxRows)
		}
	}

	if result.Explanation != nil {
		_, _ = fmt.Fprintf(w, "\nAnswer:\n%s\n", *result.Explanation)
	}
	return nil
}

func renderHits(w io.Writer, hits []knowledgeHit) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ID\tSIMILARITY\tCONTENT")
	for _, hit := range hits {
		_, _ = fmt.Fprintf(tw, "%s\t%.3f\t%s\n", hit.ID, hit.Score, truncate(hit.Content, 80))
	}
	return tw.Flush()
}

func formatCell(value any) string {
	if value == nil {
		return "NULL"
	}
	if f, ok := value.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(value)
}

func truncate(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-3]) + "..."
}

func printRaw(w io.Writer, raw []byte) error {
	if pretty, ok := prettyJSON(raw); ok {
		_, err := fmt.Fprintln(w, pretty)
		return err
	}
	if len(raw) > 0 {
		_, err := fmt.Fprintln(w, string(raw))
		return err
	}
	return nil
}

func readHistory(path string) (conversation.History, error) {
	if path == "" {
		return conversation.History{}, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return conversation.History{}, nil
	}
	if err != nil {
		return conversation.History{}, fmt.Errorf("read history file: %w", err)
	}
	var history conversation.History
	if err := json.Unmarshal(raw, &history); err != nil {
		return conversation.History{}, fmt.Errorf("parse history file %s: %w", path, err)
	}
	return history, nil
}

func writeHistory(path string, history conversation.History) error {
	encoded, err := json.MarshalIndent(history.DTOs(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(encoded, '\n'), 0o600); err != nil {
		return fmt.Errorf("write history file: %w", err)
	}
	return nil
}
