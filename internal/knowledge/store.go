package knowledge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// chunkCols is the standard SELECT column list for scanChunks.
const chunkCols = `c.id, c.document_id, c.project_id, c.source_path, c.content,
	c.token_count, c.file_ext, c.language, c.symbol, c.section,
	c.page, c.part_index, c.part_total, c.embedding, c.created_at`

// uniqueViolation is the PostgreSQL error code for unique constraint hits.
const uniqueViolation = "23505"

// Store manages documents, chunks, agent configs, and conversations on
// PostgreSQL + pgvector.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewStore creates a Store.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// UpsertDocument inserts the document or updates the existing row with the
// same (project_id, source_path). The returned document carries the
// persisted id and timestamps.
func (s *Store) UpsertDocument(ctx context.Context, doc Document) (Document, error) {
	if doc.ID == uuid.Nil {
		doc.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO documents (id, project_id, source_path, content_hash, file_ext, size_bytes, chunk_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, source_path) DO UPDATE SET
			content_hash = EXCLUDED.content_hash,
			file_ext     = EXCLUDED.file_ext,
			size_bytes   = EXCLUDED.size_bytes,
			chunk_count  = EXCLUDED.chunk_count,
			updated_at   = now()
		RETURNING id, created_at, updated_at`,
		doc.ID, doc.ProjectID, doc.SourcePath, doc.ContentHash,
		doc.FileExt, doc.SizeBytes, doc.ChunkCount)

	if err := row.Scan(&doc.ID, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
		return Document{}, fmt.Errorf("upserting document %q: %w", doc.SourcePath, err)
	}
	return doc, nil
}

// GetDocument returns the document for (projectID, sourcePath).
func (s *Store) GetDocument(ctx context.Context, projectID, sourcePath string) (Document, error) {
	var doc Document
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, source_path, content_hash, file_ext, size_bytes, chunk_count, created_at, updated_at
		FROM documents WHERE project_id = $1 AND source_path = $2`,
		projectID, sourcePath).Scan(
		&doc.ID, &doc.ProjectID, &doc.SourcePath, &doc.ContentHash,
		&doc.FileExt, &doc.SizeBytes, &doc.ChunkCount, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("getting document %q: %w", sourcePath, err)
	}
	return doc, nil
}

// ReplaceChunks atomically replaces the chunk set of a document: delete
// then insert in one transaction, then update the document's chunk count.
// Chunks are immutable between replacements. Returns the persisted chunk
// ids in input order.
func (s *Store) ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []Chunk) ([]uuid.UUID, error) {
	for i := range chunks {
		if len(chunks[i].Embedding) != EmbeddingDim {
			return nil, fmt.Errorf("chunk %d: %w: got %d, want %d",
				i, ErrInvalidEmbedding, len(chunks[i].Embedding), EmbeddingDim)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE document_id = $1`, documentID); err != nil {
		return nil, fmt.Errorf("deleting old chunks: %w", err)
	}

	ids := make([]uuid.UUID, len(chunks))
	for i, ch := range chunks {
		id := ch.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO chunks (id, document_id, project_id, source_path, content,
				token_count, file_ext, language, symbol, section,
				page, part_index, part_total, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			id, documentID, ch.ProjectID, ch.SourcePath, ch.Content,
			ch.TokenCount, ch.FileExt, ch.Language, ch.Symbol, ch.Section,
			ch.Page, ch.PartIndex, ch.PartTotal, pgvector.NewVector(ch.Embedding))
		if err != nil {
			return nil, fmt.Errorf("inserting chunk %d: %w", i, err)
		}
		ids[i] = id
	}

	if _, err := tx.Exec(ctx,
		`UPDATE documents SET chunk_count = $2, updated_at = now() WHERE id = $1`,
		documentID, len(chunks)); err != nil {
		return nil, fmt.Errorf("updating chunk count: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing chunk replacement: %w", err)
	}
	return ids, nil
}

// GetChunksByIDs returns the chunks for the given ids. Missing ids are
// silently dropped; callers hydrating index hits tolerate chunks deleted
// since the index was built.
func (s *Store) GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]Chunk, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+chunkCols+` FROM chunks c WHERE c.id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("querying chunks by ids: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// FindChunks returns up to limit chunks matching the metadata filter,
// newest first.
func (s *Store) FindChunks(ctx context.Context, filter ChunkFilter, limit int) ([]Chunk, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := filterClauses(filter)
	sql := `SELECT ` + chunkCols + ` FROM chunks c`
	if len(where) > 0 {
		sql += ` WHERE ` + strings.Join(where, " AND ")
	}
	sql += fmt.Sprintf(` ORDER BY c.created_at DESC LIMIT $%d`, len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying chunks: %w", err)
	}
	defer rows.Close()
	return scanChunks(rows)
}

// filterClauses builds WHERE fragments for a ChunkFilter.
func filterClauses(filter ChunkFilter) ([]string, []any) {
	var where []string
	var args []any
	add := func(clause string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.ProjectID != "" {
		add("c.project_id = $%d", filter.ProjectID)
	}
	if filter.Language != "" {
		add("c.language = $%d", filter.Language)
	}
	if filter.FileExt != "" {
		add("c.file_ext = $%d", filter.FileExt)
	}
	if filter.PathContains != "" {
		add("c.source_path ILIKE $%d", "%"+filter.PathContains+"%")
	}
	if filter.MinTokens > 0 {
		add("c.token_count >= $%d", filter.MinTokens)
	}
	if filter.MaxTokens > 0 {
		add("c.token_count <= $%d", filter.MaxTokens)
	}
	return where, args
}

// SimilarChunks performs a project-scoped cosine similarity scan in
// pgvector and returns the topK nearest chunks with their similarities.
// An empty projectID scans all projects.
func (s *Store) SimilarChunks(ctx context.Context, projectID string, embedding []float32, topK int) ([]ScoredChunk, error) {
	if len(embedding) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbedding, len(embedding), EmbeddingDim)
	}
	if topK <= 0 {
		topK = 10
	}

	vec := pgvector.NewVector(embedding)
	sql := `SELECT ` + chunkCols + `, 1 - (c.embedding <=> $1) AS similarity
		FROM chunks c`
	args := []any{vec}
	if projectID != "" {
		sql += ` WHERE c.project_id = $2`
		args = append(args, projectID)
	}
	sql += fmt.Sprintf(` ORDER BY c.embedding <=> $1 LIMIT $%d`, len(args)+1)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("similarity scan: %w", err)
	}
	defer rows.Close()

	var out []ScoredChunk
	for rows.Next() {
		sc, err := scanScoredChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading similarity rows: %w", err)
	}
	return out, nil
}

// IterateChunks streams all chunks in id order, batchSize at a time,
// calling fn per batch. Used by the vector index rebuild. Iteration stops
// on the first fn error.
func (s *Store) IterateChunks(ctx context.Context, batchSize int, fn func([]Chunk) error) error {
	if batchSize <= 0 {
		batchSize = 500
	}
	var after uuid.UUID
	for {
		rows, err := s.pool.Query(ctx,
			`SELECT `+chunkCols+` FROM chunks c WHERE c.id > $1 ORDER BY c.id LIMIT $2`,
			after, batchSize)
		if err != nil {
			return fmt.Errorf("iterating chunks: %w", err)
		}
		batch, err := scanChunks(rows)
		rows.Close()
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		after = batch[len(batch)-1].ID
	}
}

// ProjectChunks returns every chunk in the project ordered by source path,
// page, and part, for report rendering. Returns ErrNotFound when the
// project has no chunks.
func (s *Store) ProjectChunks(ctx context.Context, projectID string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+chunkCols+` FROM chunks c
		WHERE c.project_id = $1
		ORDER BY c.source_path, c.page, c.part_index, c.created_at`,
		projectID)
	if err != nil {
		return nil, fmt.Errorf("querying project chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	return chunks, nil
}

// scanChunks drains rows into chunks.
func scanChunks(rows pgx.Rows) ([]Chunk, error) {
	var out []Chunk
	for rows.Next() {
		ch, err := scanChunkRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading chunk rows: %w", err)
	}
	return out, nil
}

func scanChunkRow(row pgx.Row) (Chunk, error) {
	var ch Chunk
	var vec pgvector.Vector
	err := row.Scan(&ch.ID, &ch.DocumentID, &ch.ProjectID, &ch.SourcePath, &ch.Content,
		&ch.TokenCount, &ch.FileExt, &ch.Language, &ch.Symbol, &ch.Section,
		&ch.Page, &ch.PartIndex, &ch.PartTotal, &vec, &ch.CreatedAt)
	if err != nil {
		return Chunk{}, fmt.Errorf("scanning chunk: %w", err)
	}
	ch.Embedding = vec.Slice()
	return ch, nil
}

func scanScoredChunk(rows pgx.Rows) (ScoredChunk, error) {
	var sc ScoredChunk
	var vec pgvector.Vector
	err := rows.Scan(&sc.ID, &sc.DocumentID, &sc.ProjectID, &sc.SourcePath, &sc.Content,
		&sc.TokenCount, &sc.FileExt, &sc.Language, &sc.Symbol, &sc.Section,
		&sc.Page, &sc.PartIndex, &sc.PartTotal, &vec, &sc.CreatedAt, &sc.Similarity)
	if err != nil {
		return ScoredChunk{}, fmt.Errorf("scanning scored chunk: %w", err)
	}
	sc.Embedding = vec.Slice()
	return sc, nil
}

// CreateAgentConfig stores a new agent configuration. Names are unique;
// a duplicate name returns ErrDuplicateName.
func (s *Store) CreateAgentConfig(ctx context.Context, cfg AgentConfig) (AgentConfig, error) {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO agent_configs (id, name, system_prompt, tool_names, planning_mode, max_turns)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at`,
		cfg.ID, cfg.Name, cfg.SystemPrompt, cfg.ToolNames, cfg.PlanningMode, cfg.MaxTurns).
		Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return AgentConfig{}, fmt.Errorf("agent config %q: %w", cfg.Name, ErrDuplicateName)
		}
		return AgentConfig{}, fmt.Errorf("creating agent config: %w", err)
	}
	return cfg, nil
}

const agentConfigCols = `id, name, system_prompt, tool_names, planning_mode, max_turns, created_at, updated_at`

// GetAgentConfig returns the agent config with the given id.
func (s *Store) GetAgentConfig(ctx context.Context, id uuid.UUID) (AgentConfig, error) {
	return s.scanAgentConfig(s.pool.QueryRow(ctx,
		`SELECT `+agentConfigCols+` FROM agent_configs WHERE id = $1`, id))
}

// GetAgentConfigByName returns the agent config with the given name.
func (s *Store) GetAgentConfigByName(ctx context.Context, name string) (AgentConfig, error) {
	return s.scanAgentConfig(s.pool.QueryRow(ctx,
		`SELECT `+agentConfigCols+` FROM agent_configs WHERE name = $1`, name))
}

// ListAgentConfigs returns all agent configs ordered by name.
func (s *Store) ListAgentConfigs(ctx context.Context) ([]AgentConfig, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+agentConfigCols+` FROM agent_configs ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing agent configs: %w", err)
	}
	defer rows.Close()

	var out []AgentConfig
	for rows.Next() {
		cfg, err := s.scanAgentConfig(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading agent config rows: %w", err)
	}
	return out, nil
}

// DeleteAgentConfig removes the agent config with the given id.
// Missing configs return ErrNotFound.
func (s *Store) DeleteAgentConfig(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM agent_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting agent config: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanAgentConfig(row pgx.Row) (AgentConfig, error) {
	var cfg AgentConfig
	err := row.Scan(&cfg.ID, &cfg.Name, &cfg.SystemPrompt, &cfg.ToolNames,
		&cfg.PlanningMode, &cfg.MaxTurns, &cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return AgentConfig{}, ErrNotFound
	}
	if err != nil {
		return AgentConfig{}, fmt.Errorf("scanning agent config: %w", err)
	}
	return cfg, nil
}

// AppendConversation records a query/answer exchange. The log is
// append-only.
func (s *Store) AppendConversation(ctx context.Context, conv Conversation) (uuid.UUID, error) {
	if len(conv.QueryEmbedding) != EmbeddingDim {
		return uuid.Nil, fmt.Errorf("%w: got %d, want %d",
			ErrInvalidEmbedding, len(conv.QueryEmbedding), EmbeddingDim)
	}
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (id, user_id, project_id, query, answer, query_embedding)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		conv.ID, conv.UserID, conv.ProjectID, conv.Query, conv.Answer,
		pgvector.NewVector(conv.QueryEmbedding))
	if err != nil {
		return uuid.Nil, fmt.Errorf("appending conversation: %w", err)
	}
	return conv.ID, nil
}

// SimilarConversations recalls the user's prior exchanges most similar to
// the query embedding, dropping any below minSimilarity.
func (s *Store) SimilarConversations(ctx context.Context, userID string, embedding []float32, topK int, minSimilarity float64) ([]ScoredConversation, error) {
	if len(embedding) != EmbeddingDim {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbedding, len(embedding), EmbeddingDim)
	}
	if topK <= 0 {
		topK = 3
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, project_id, query, answer, created_at,
			1 - (query_embedding <=> $2) AS similarity
		FROM conversations
		WHERE user_id = $1 AND 1 - (query_embedding <=> $2) >= $3
		ORDER BY query_embedding <=> $2
		LIMIT $4`,
		userID, pgvector.NewVector(embedding), minSimilarity, topK)
	if err != nil {
		return nil, fmt.Errorf("recalling conversations: %w", err)
	}
	defer rows.Close()

	var out []ScoredConversation
	for rows.Next() {
		var sc ScoredConversation
		if err := rows.Scan(&sc.ID, &sc.UserID, &sc.ProjectID, &sc.Query,
			&sc.Answer, &sc.CreatedAt, &sc.Similarity); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading conversation rows: %w", err)
	}
	return out, nil
}
