package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/core/api"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/compat_oai/openai"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/firebase/genkit/go/plugins/ollama"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/db"
	"github.com/quarrylabs/quarry/internal/agent"
	httpapi "github.com/quarrylabs/quarry/internal/api"
	"github.com/quarrylabs/quarry/internal/chunker"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/ingest"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/retriever"
	"github.com/quarrylabs/quarry/internal/storage"
	"github.com/quarrylabs/quarry/internal/token"
	"github.com/quarrylabs/quarry/internal/tools"
	"github.com/quarrylabs/quarry/internal/vecindex"
)

// Setup creates and initializes the application. On error everything
// already initialized is released before returning.
func Setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, retErr error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}

	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	pool, err := provideDBPool(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Pool = pool
	a.onClose(pool.Close)

	g, err := provideGenkit(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.Genkit = g

	embedder := provideEmbedder(g, cfg)
	if embedder == nil {
		return nil, fmt.Errorf("embedder %q not found for provider %q", cfg.EmbedderModel, cfg.Provider)
	}
	encoder, err := knowledge.NewGenkitEncoder(embedder)
	if err != nil {
		return nil, err
	}
	a.Encoder = encoder

	store, err := knowledge.NewStore(pool, logger)
	if err != nil {
		return nil, err
	}
	a.Store = store

	index, err := vecindex.Open(cfg.IndexDir, logger)
	if err != nil {
		return nil, fmt.Errorf("opening vector index: %w", err)
	}
	a.Index = index
	if cfg.RebuildOnStart {
		if err := index.Rebuild(ctx, store); err != nil {
			return nil, fmt.Errorf("rebuilding vector index: %w", err)
		}
	}

	counter := token.NewCounter()
	chk := chunker.New(counter, logger, chunker.WithBudget(cfg.ChunkMaxTokens, cfg.ChunkOverlap))

	retr, err := retriever.New(encoder, index, store, counter, cfg.HybridAlpha, logger)
	if err != nil {
		return nil, err
	}
	a.Retriever = retr

	// Object storage is optional. Without credentials gs:// sources and
	// report uploads degrade to per-call failures.
	var uploader tools.Uploader
	var downloader ingest.Downloader
	if gcs, err := storage.New(ctx, logger); err != nil {
		logger.Warn("object storage unavailable", "error", err)
	} else {
		a.Storage = gcs
		a.onClose(func() {
			if err := gcs.Close(); err != nil {
				logger.Warn("closing object storage client", "error", err)
			}
		})
		downloader = gcs
		if cfg.GCSBucket != "" {
			bu, err := storage.NewBucketUploader(gcs, cfg.GCSBucket)
			if err != nil {
				return nil, err
			}
			uploader = bu
		}
	}

	searchTool, err := tools.NewSearchContext(retr, cfg.DefaultTopK, cfg.DefaultTokenBudget, logger)
	if err != nil {
		return nil, err
	}
	emailTool := tools.NewSendEmail(cfg.SMTP, nil, logger)
	reportTool, err := tools.NewGeneratePDFReport(store, uploader, cfg.ReportDir, logger)
	if err != nil {
		return nil, err
	}
	toolset := []agent.Tool{searchTool, emailTool, reportTool}

	llm, err := agent.NewGenkitLLM(g, cfg.FullModelName(), toolset, logger)
	if err != nil {
		return nil, err
	}

	orch, err := agent.New(agent.Config{
		LLM:               llm,
		Tools:             toolset,
		MaxTurns:          cfg.MaxTurns,
		MaxPlanSteps:      cfg.MaxPlanSteps,
		RequestsPerSecond: cfg.RequestsPerSecond,
		Logger:            logger,
	})
	if err != nil {
		return nil, err
	}
	a.Orchestrator = orch

	svc, err := ingest.New(ingest.Config{
		Store:      store,
		Encoder:    encoder,
		Chunker:    chk,
		Index:      index,
		Downloader: downloader,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	a.Ingest = svc

	// Direct query answers go through the same backoff and throttling
	// as orchestrated runs.
	queryLLM := agent.NewRetryingLLM(llm, agent.DefaultRetryConfig(), cfg.RequestsPerSecond, logger)

	server, err := httpapi.NewServer(httpapi.ServerConfig{
		Logger:      logger,
		Ingestor:    svc,
		Searcher:    retr,
		Runner:      orch,
		LLM:         queryLLM,
		Encoder:     encoder,
		ConfigStore: store,
		ChunkStore:  store,
		MemoryStore: store,
		Memory: httpapi.MemoryConfig{
			Enabled:       cfg.MemoryEnabled,
			TopK:          cfg.MemoryTopK,
			MinSimilarity: cfg.MemoryMinSimilarity,
		},
		ReportTool: reportTool,
		Pinger:     pool,
	})
	if err != nil {
		return nil, err
	}
	a.Server = server

	return a, nil
}

// provideDBPool runs migrations and creates the connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL(), logger); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}
	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return pool, nil
}

// provideGenkit initializes genkit with the configured AI provider.
func provideGenkit(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*genkit.Genkit, error) {
	switch cfg.Provider {
	case config.ProviderOllama:
		ollamaPlugin := &ollama.Ollama{ServerAddress: cfg.OllamaHost}
		g := genkit.Init(ctx, genkit.WithPlugins(ollamaPlugin))
		if g == nil {
			return nil, errors.New("initializing genkit with ollama provider")
		}
		// Ollama has no auto-discovery; model and embedder are registered
		// explicitly.
		ollamaPlugin.DefineModel(g, ollama.ModelDefinition{
			Name: cfg.ModelName,
			Type: "chat",
		}, nil)
		ollamaPlugin.DefineEmbedder(g, cfg.OllamaHost, cfg.EmbedderModel, nil)
		logger.Info("initialized genkit with ollama provider",
			"model", cfg.ModelName, "host", cfg.OllamaHost)
		return g, nil

	case config.ProviderOpenAI:
		g := genkit.Init(ctx, genkit.WithPlugins(&openai.OpenAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with openai provider")
		}
		logger.Info("initialized genkit with openai provider", "model", cfg.ModelName)
		return g, nil

	default: // gemini / googleai
		g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
		if g == nil {
			return nil, errors.New("initializing genkit with gemini provider")
		}
		logger.Info("initialized genkit with gemini provider", "model", cfg.ModelName)
		return g, nil
	}
}

// provideEmbedder looks up the embedder registered by the provider
// plugin. Each provider registers embedders differently.
func provideEmbedder(g *genkit.Genkit, cfg *config.Config) ai.Embedder {
	switch cfg.Provider {
	case config.ProviderOllama:
		// Keyed by server address, registered in provideGenkit.
		return ollama.Embedder(g, cfg.OllamaHost)
	case config.ProviderOpenAI:
		return genkit.LookupEmbedder(g, api.NewName("openai", cfg.EmbedderModel))
	default:
		return googlegenai.GoogleAIEmbedder(g, cfg.EmbedderModel)
	}
}
