// Package app wires the application together: configuration, database,
// genkit, the vector index, retrieval, tools, the orchestrator, and the
// HTTP server.
package app

import (
	"log/slog"

	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/api"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/ingest"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/retriever"
	"github.com/quarrylabs/quarry/internal/storage"
	"github.com/quarrylabs/quarry/internal/vecindex"
)

// App is the application container. Setup builds it; Close releases it.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Pool    *pgxpool.Pool
	Genkit  *genkit.Genkit
	Encoder knowledge.Encoder
	Store   *knowledge.Store
	Index   *vecindex.Index

	Retriever    *retriever.Retriever
	Orchestrator *agent.Orchestrator
	Ingest       *ingest.Service
	Server       *api.Server

	// Storage is nil when no object storage credentials are available.
	Storage *storage.Client

	cleanups []func()
}

// Close releases all resources in reverse acquisition order.
func (a *App) Close() error {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
	return nil
}

func (a *App) onClose(fn func()) {
	a.cleanups = append(a.cleanups, fn)
}
