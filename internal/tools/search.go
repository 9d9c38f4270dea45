// Package tools implements the orchestrator's tool set. Every tool
// returns a fail-soft Result: failures are reported to the model as
// data, never as Go errors, so one broken tool call cannot abort a run.
package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/retriever"
)

// Searcher is the retrieval dependency of the search tool.
// *retriever.Retriever satisfies it.
type Searcher interface {
	Retrieve(ctx context.Context, req retriever.Request) ([]retriever.Result, error)
}

// SearchContext retrieves relevant chunks for a query.
type SearchContext struct {
	searcher Searcher
	logger   *slog.Logger

	// defaults applied when the model omits the fields
	topK        int
	tokenBudget int
}

// NewSearchContext creates the search tool.
func NewSearchContext(searcher Searcher, topK, tokenBudget int, logger *slog.Logger) (*SearchContext, error) {
	if searcher == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchContext{
		searcher:    searcher,
		logger:      logger,
		topK:        topK,
		tokenBudget: tokenBudget,
	}, nil
}

// Name implements agent.Tool.
func (t *SearchContext) Name() string { return "search_context" }

// Description implements agent.Tool.
func (t *SearchContext) Description() string {
	return "Search the ingested corpus for chunks relevant to a query. " +
		"Input: query (required), project_id, top_k, token_budget, language, file_ext."
}

// searchHit is the per-chunk payload returned to the model.
type searchHit struct {
	SourcePath string  `json:"source_path"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Language   string  `json:"language,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Section    string  `json:"section,omitempty"`
	Page       int     `json:"page,omitempty"`
}

// Execute implements agent.Tool.
func (t *SearchContext) Execute(ctx context.Context, input map[string]any) agent.Result {
	query := stringArg(input, "query")
	if query == "" {
		return agent.Failure("invalid_input", "query is required")
	}

	req := retriever.Request{
		Query:       query,
		ProjectID:   stringArg(input, "project_id"),
		TopK:        intArg(input, "top_k", t.topK),
		TokenBudget: intArg(input, "token_budget", t.tokenBudget),
		Filter: knowledge.ChunkFilter{
			Language: stringArg(input, "language"),
			FileExt:  stringArg(input, "file_ext"),
		},
	}

	results, err := t.searcher.Retrieve(ctx, req)
	if err != nil {
		t.logger.Warn("search tool retrieval failed", "error", err)
		return agent.Failuref("retrieval_failed", "retrieval failed: %v", err)
	}

	hits := make([]searchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, searchHit{
			SourcePath: r.SourcePath,
			Content:    r.Content,
			Score:      r.Score,
			Language:   r.Language,
			Symbol:     r.Symbol,
			Section:    r.Section,
			Page:       r.Page,
		})
	}
	return agent.Success(map[string]any{
		"chunks": hits,
		"count":  len(hits),
	})
}

// stringArg extracts a string field, tolerating absence.
func stringArg(input map[string]any, key string) string {
	if v, ok := input[key].(string); ok {
		return v
	}
	return ""
}

// intArg extracts an integer field; JSON decoding delivers numbers as
// float64.
func intArg(input map[string]any, key string, fallback int) int {
	switch v := input[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}
