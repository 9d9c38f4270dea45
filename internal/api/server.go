// Package api exposes the HTTP JSON surface: ingestion, retrieval
// queries with conversation memory, agent configuration and runs,
// report generation, and health probes.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/ingest"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/retriever"
)

// Ingestor runs ingestion batches. *ingest.Service satisfies it.
type Ingestor interface {
	Ingest(ctx context.Context, req ingest.Request) (*ingest.Summary, error)
}

// Searcher runs hybrid retrievals. *retriever.Retriever satisfies it.
type Searcher interface {
	Retrieve(ctx context.Context, req retriever.Request) ([]retriever.Result, error)
}

// Runner executes agent runs. *agent.Orchestrator satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error)
}

// ConfigStore persists agent configurations. *knowledge.Store satisfies
// it.
type ConfigStore interface {
	CreateAgentConfig(ctx context.Context, cfg knowledge.AgentConfig) (knowledge.AgentConfig, error)
	GetAgentConfig(ctx context.Context, id uuid.UUID) (knowledge.AgentConfig, error)
	GetAgentConfigByName(ctx context.Context, name string) (knowledge.AgentConfig, error)
	ListAgentConfigs(ctx context.Context) ([]knowledge.AgentConfig, error)
	DeleteAgentConfig(ctx context.Context, id uuid.UUID) error
}

// ChunkStore serves metadata-filtered chunk listings. *knowledge.Store
// satisfies it.
type ChunkStore interface {
	FindChunks(ctx context.Context, filter knowledge.ChunkFilter, limit int) ([]knowledge.Chunk, error)
}

// MemoryStore records and recalls conversation exchanges. *knowledge.Store
// satisfies it.
type MemoryStore interface {
	AppendConversation(ctx context.Context, conv knowledge.Conversation) (uuid.UUID, error)
	SimilarConversations(ctx context.Context, userID string, embedding []float32, topK int, minSimilarity float64) ([]knowledge.ScoredConversation, error)
}

// Pinger reports storage liveness for the readiness probe.
// *pgxpool.Pool satisfies it.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MemoryConfig tunes conversation recall on the query endpoint.
type MemoryConfig struct {
	Enabled       bool
	TopK          int
	MinSimilarity float64
}

// ServerConfig contains the dependencies of the API server.
type ServerConfig struct {
	Logger   *slog.Logger
	Ingestor Ingestor // required
	Searcher Searcher // required
	Runner   Runner   // required

	// LLM answers plain retrieval queries; agent runs go through Runner.
	LLM agent.LLM // required

	// Encoder embeds queries for conversation recall.
	Encoder knowledge.Encoder // required when Memory.Enabled

	ConfigStore ConfigStore // required
	ChunkStore  ChunkStore  // required
	MemoryStore MemoryStore // optional: nil disables conversation memory
	Memory      MemoryConfig

	// ReportTool renders project reports. Optional: nil disables the
	// report endpoint.
	ReportTool agent.Tool

	// Pinger backs /readyz. Optional: nil reports ready unconditionally.
	Pinger Pinger
}

// Server is the JSON API HTTP server.
type Server struct {
	handler http.Handler
}

// NewServer creates a server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ingestor == nil {
		return nil, errors.New("ingestor is required")
	}
	if cfg.Searcher == nil {
		return nil, errors.New("searcher is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("runner is required")
	}
	if cfg.LLM == nil {
		return nil, errors.New("llm is required")
	}
	if cfg.ConfigStore == nil {
		return nil, errors.New("config store is required")
	}
	if cfg.ChunkStore == nil {
		return nil, errors.New("chunk store is required")
	}
	if cfg.Memory.Enabled && cfg.MemoryStore != nil && cfg.Encoder == nil {
		return nil, errors.New("encoder is required when conversation memory is enabled")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{
		logger:     logger,
		ingestor:   cfg.Ingestor,
		searcher:   cfg.Searcher,
		runner:     cfg.Runner,
		llm:        cfg.LLM,
		encoder:    cfg.Encoder,
		configs:    cfg.ConfigStore,
		chunks:     cfg.ChunkStore,
		memory:     cfg.MemoryStore,
		memoryCfg:  cfg.Memory,
		reportTool: cfg.ReportTool,
		pinger:     cfg.Pinger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/ingest", h.ingest)
	mux.HandleFunc("POST /api/v1/query", h.query)

	mux.HandleFunc("POST /api/v1/agents", h.createAgent)
	mux.HandleFunc("GET /api/v1/agents", h.listAgents)
	mux.HandleFunc("GET /api/v1/agents/{id}", h.getAgent)
	mux.HandleFunc("DELETE /api/v1/agents/{id}", h.deleteAgent)
	mux.HandleFunc("POST /api/v1/agents/{id}/run", h.runConfiguredAgent)
	mux.HandleFunc("POST /api/v1/agent/run", h.runAdHocAgent)

	mux.HandleFunc("GET /api/v1/projects/{id}/chunks", h.listChunks)
	if cfg.ReportTool != nil {
		mux.HandleFunc("POST /api/v1/projects/{id}/report", h.generateReport)
	}

	mux.HandleFunc("GET /healthz", h.health)
	mux.HandleFunc("GET /readyz", h.ready)

	var handler http.Handler = mux
	handler = loggingMiddleware(logger)(handler)
	handler = recoveryMiddleware(logger)(handler)

	return &Server{handler: handler}, nil
}

// Handler returns the root http.Handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// recoveryMiddleware converts handler panics into 500s.
func recoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("handler panicked",
						"panic", rec, "method", r.Method, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs one line per request.
func loggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			logger.Info("request",
				"method", r.Method, "path", r.URL.Path,
				"status", sw.status, "duration", time.Since(start))
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
