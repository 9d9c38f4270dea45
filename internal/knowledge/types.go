// Package knowledge implements the document store on PostgreSQL + pgvector.
//
// Three groups of records live here: documents and their immutable chunks
// (the retrieval corpus), agent configurations, and the append-only
// conversation log used for memory recall. All vector search in this
// package goes through pgvector; the in-process index in vecindex is a
// cache over the chunks table, never the source of truth.
package knowledge

import (
	"time"

	"github.com/google/uuid"
)

// EmbeddingDim is the vector dimensionality stored in pgvector columns.
// Embedder output is truncated or validated to this size before storage.
const EmbeddingDim = 768

// Document is one ingested source file. Documents are upserted by
// (project_id, source_path); re-ingesting a changed file replaces its
// chunk set.
type Document struct {
	ID          uuid.UUID
	ProjectID   string
	SourcePath  string
	ContentHash string
	FileExt     string
	SizeBytes   int64
	ChunkCount  int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Chunk is one retrievable unit of a document, stored with its embedding.
// Chunks are immutable: re-ingestion deletes and reinserts a document's
// whole chunk set in one transaction.
type Chunk struct {
	ID         uuid.UUID
	DocumentID uuid.UUID
	ProjectID  string
	SourcePath string
	Content    string
	TokenCount int
	FileExt    string
	Language   string
	Symbol     string
	Section    string
	Page       int
	PartIndex  int
	PartTotal  int
	Embedding  []float32
	CreatedAt  time.Time
}

// ScoredChunk pairs a chunk with its cosine similarity to a query vector.
type ScoredChunk struct {
	Chunk
	Similarity float64
}

// ChunkFilter narrows metadata queries over the chunks table. Zero values
// mean "no constraint".
type ChunkFilter struct {
	ProjectID    string
	Language     string
	FileExt      string
	PathContains string
	MinTokens    int
	MaxTokens    int
}

// AgentConfig is a stored agent definition: the system prompt, the tools
// the agent may call, and its loop bounds. Names are unique.
type AgentConfig struct {
	ID           uuid.UUID
	Name         string
	SystemPrompt string
	ToolNames    []string
	PlanningMode bool
	MaxTurns     int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Conversation is one recorded query/answer exchange. The query embedding
// enables similarity recall of prior exchanges for the same user.
type Conversation struct {
	ID             uuid.UUID
	UserID         string
	ProjectID      string
	Query          string
	Answer         string
	QueryEmbedding []float32
	CreatedAt      time.Time
}

// ScoredConversation pairs a recalled conversation with its similarity to
// the current query.
type ScoredConversation struct {
	Conversation
	Similarity float64
}
