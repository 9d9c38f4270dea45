package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/ingest"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/retriever"
)

type handlers struct {
	logger     *slog.Logger
	ingestor   Ingestor
	searcher   Searcher
	runner     Runner
	llm        agent.LLM
	encoder    knowledge.Encoder
	configs    ConfigStore
	chunks     ChunkStore
	memory     MemoryStore
	memoryCfg  MemoryConfig
	reportTool agent.Tool
	pinger     Pinger
}

type ingestRequest struct {
	ProjectID string   `json:"project_id"`
	Sources   []string `json:"sources"`
}

func (h *handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	if len(req.Sources) == 0 {
		writeError(w, http.StatusBadRequest, "sources is required")
		return
	}

	sum, err := h.ingestor.Ingest(r.Context(), ingest.Request{
		ProjectID: req.ProjectID,
		Sources:   req.Sources,
	})
	if err != nil {
		h.logger.Error("ingest failed", "project_id", req.ProjectID, "error", err)
		writeError(w, http.StatusInternalServerError, "ingestion failed")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type queryRequest struct {
	Query        string `json:"query"`
	ProjectID    string `json:"project_id"`
	UserID       string `json:"user_id"`
	TopK         int    `json:"top_k"`
	TokenBudget  int    `json:"token_budget"`
	Language     string `json:"language"`
	FileExt      string `json:"file_ext"`
	PathContains string `json:"path_contains"`
	MinTokens    int    `json:"min_tokens"`
	MaxTokens    int    `json:"max_tokens"`
}

type queryChunk struct {
	SourcePath string  `json:"source_path"`
	Content    string  `json:"content"`
	Score      float64 `json:"score"`
	Language   string  `json:"language,omitempty"`
	Symbol     string  `json:"symbol,omitempty"`
	Section    string  `json:"section,omitempty"`
	Page       int     `json:"page,omitempty"`
	TokenCount int     `json:"token_count"`
}

type queryResponse struct {
	Answer      string       `json:"answer"`
	Context     []queryChunk `json:"context"`
	UsedBackend string       `json:"used_backend"`
	TokensUsed  int          `json:"tokens_used"`
	Recalled    int          `json:"recalled"`
}

// query answers a question from retrieved context in a single model
// call. When a user_id is supplied and conversation memory is on,
// similar prior exchanges are recalled into the prompt and the new
// exchange is persisted afterwards.
func (h *handlers) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		writeError(w, http.StatusBadRequest, "query is required")
		return
	}

	ctx := r.Context()
	rreq := retriever.Request{
		Query:       req.Query,
		TopK:        req.TopK,
		TokenBudget: req.TokenBudget,
		ProjectID:   req.ProjectID,
		Filter: knowledge.ChunkFilter{
			Language:     req.Language,
			FileExt:      req.FileExt,
			PathContains: req.PathContains,
			MinTokens:    req.MinTokens,
			MaxTokens:    req.MaxTokens,
		},
	}
	results, err := h.searcher.Retrieve(ctx, rreq)
	if err != nil {
		h.logger.Error("retrieval failed", "error", err)
		writeError(w, http.StatusInternalServerError, "retrieval failed")
		return
	}

	var queryVec []float32
	var recalled []knowledge.ScoredConversation
	if h.memoryEnabled() && req.UserID != "" {
		queryVec, err = h.encoder.Encode(ctx, req.Query)
		if err != nil {
			h.logger.Warn("query embedding failed, skipping memory recall", "error", err)
		} else {
			recalled, err = h.memory.SimilarConversations(ctx, req.UserID, queryVec,
				h.memoryCfg.TopK, h.memoryCfg.MinSimilarity)
			if err != nil {
				h.logger.Warn("conversation recall failed", "error", err)
				recalled = nil
			}
		}
	}

	completion, err := h.llm.Generate(ctx, agent.Request{
		System:   querySystemPrompt,
		Messages: []agent.Message{{Role: agent.RoleUser, Text: buildQueryPrompt(req.Query, results, recalled)}},
	})
	if err != nil {
		h.logger.Error("answer generation failed", "error", err)
		writeError(w, llmStatus(err), "answer generation failed")
		return
	}
	answer := strings.TrimSpace(completion.Text)

	if h.memoryEnabled() && req.UserID != "" && queryVec != nil {
		_, err := h.memory.AppendConversation(ctx, knowledge.Conversation{
			UserID:         req.UserID,
			ProjectID:      req.ProjectID,
			Query:          req.Query,
			Answer:         answer,
			QueryEmbedding: queryVec,
		})
		if err != nil {
			h.logger.Warn("failed to persist conversation", "user_id", req.UserID, "error", err)
		}
	}

	resp := queryResponse{
		Answer:      answer,
		Context:     make([]queryChunk, 0, len(results)),
		UsedBackend: retriever.Backend(rreq),
		Recalled:    len(recalled),
	}
	for _, res := range results {
		resp.TokensUsed += res.TokenCount
		resp.Context = append(resp.Context, queryChunk{
			SourcePath: res.SourcePath,
			Content:    res.Content,
			Score:      res.Score,
			Language:   res.Language,
			Symbol:     res.Symbol,
			Section:    res.Section,
			Page:       res.Page,
			TokenCount: res.TokenCount,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type chunkSummary struct {
	SourcePath string `json:"source_path"`
	Language   string `json:"language,omitempty"`
	FileExt    string `json:"file_ext,omitempty"`
	Symbol     string `json:"symbol,omitempty"`
	Section    string `json:"section,omitempty"`
	Page       int    `json:"page,omitempty"`
	TokenCount int    `json:"token_count"`
}

// listChunks browses a project's chunk metadata with optional filters.
func (h *handlers) listChunks(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.PathValue("id"))
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project id is required")
		return
	}
	q := r.URL.Query()
	filter := knowledge.ChunkFilter{
		ProjectID:    projectID,
		Language:     q.Get("language"),
		FileExt:      q.Get("file_ext"),
		PathContains: q.Get("path_contains"),
	}
	if v := q.Get("min_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid min_tokens")
			return
		}
		filter.MinTokens = n
	}
	if v := q.Get("max_tokens"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid max_tokens")
			return
		}
		filter.MaxTokens = n
	}
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	found, err := h.chunks.FindChunks(r.Context(), filter, limit)
	if err != nil {
		h.logger.Error("chunk listing failed", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "chunk listing failed")
		return
	}
	out := make([]chunkSummary, 0, len(found))
	for _, ch := range found {
		out = append(out, chunkSummary{
			SourcePath: ch.SourcePath,
			Language:   ch.Language,
			FileExt:    ch.FileExt,
			Symbol:     ch.Symbol,
			Section:    ch.Section,
			Page:       ch.Page,
			TokenCount: ch.TokenCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"chunks": out, "count": len(out)})
}

func (h *handlers) memoryEnabled() bool {
	return h.memoryCfg.Enabled && h.memory != nil && h.encoder != nil
}

const querySystemPrompt = "You are a precise assistant. Answer the question " +
	"using only the provided context. If the context does not contain the " +
	"answer, say so instead of guessing. Cite source paths when relevant."

// buildQueryPrompt assembles the user message: recalled exchanges first,
// then retrieved chunks, then the question.
func buildQueryPrompt(query string, results []retriever.Result, recalled []knowledge.ScoredConversation) string {
	var b strings.Builder
	if len(recalled) > 0 {
		b.WriteString("Relevant prior exchanges with this user:\n")
		for _, conv := range recalled {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n\n", conv.Query, conv.Answer)
		}
	}
	if len(results) > 0 {
		b.WriteString("Context:\n")
		for _, res := range results {
			fmt.Fprintf(&b, "--- %s", res.SourcePath)
			if res.Section != "" {
				fmt.Fprintf(&b, " (%s)", res.Section)
			}
			if res.Symbol != "" {
				fmt.Fprintf(&b, " [%s]", res.Symbol)
			}
			b.WriteString(" ---\n")
			b.WriteString(res.Content)
			b.WriteString("\n\n")
		}
	} else {
		b.WriteString("Context: (no matching documents were found)\n\n")
	}
	fmt.Fprintf(&b, "Question: %s", query)
	return b.String()
}

// llmStatus maps a model error to an HTTP status.
func llmStatus(err error) int {
	if errors.Is(err, agent.ErrRetryLater) {
		return http.StatusTooManyRequests
	}
	return http.StatusBadGateway
}
