// Package retriever implements hybrid retrieval: vector similarity
// candidates re-ranked with lexical BM25, then packed into a token
// budget.
package retriever

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/token"
	"github.com/quarrylabs/quarry/internal/vecindex"
)

// DefaultTopK applies when a request leaves TopK zero.
const DefaultTopK = 5

// Backend identifiers reported per retrieval.
const (
	BackendIndex = "vector_index"
	BackendStore = "store_scan"
)

// Backend reports which candidate source a request uses: partitioned
// requests scan the store, unpartitioned ones search the in-process
// index.
func Backend(req Request) string {
	if req.ProjectID != "" {
		return BackendStore
	}
	return BackendIndex
}

// VectorSearcher supplies nearest-neighbor candidates from the in-process
// index. *vecindex.Index satisfies it.
type VectorSearcher interface {
	Search(query []float32, topK int) ([]vecindex.Hit, error)
}

// ChunkStore supplies chunk hydration and partition-scoped similarity
// scans. *knowledge.Store satisfies it.
type ChunkStore interface {
	GetChunksByIDs(ctx context.Context, ids []uuid.UUID) ([]knowledge.Chunk, error)
	SimilarChunks(ctx context.Context, projectID string, embedding []float32, topK int) ([]knowledge.ScoredChunk, error)
}

// Request describes one retrieval.
type Request struct {
	Query string

	// TopK bounds the result count. Zero means DefaultTopK.
	TopK int

	// TokenBudget bounds the summed token counts of the results. Zero or
	// negative disables packing.
	TokenBudget int

	// ProjectID scopes retrieval to one project. When set, candidates
	// come from a store scan rather than the in-process index, so the
	// partition filter never depends on index freshness.
	ProjectID string

	// Filter narrows results by chunk metadata after hydration.
	Filter knowledge.ChunkFilter
}

// Result is one retrieved chunk with its score breakdown.
type Result struct {
	knowledge.Chunk

	// Score is the blended ranking score.
	Score float64

	// Cosine is the vector similarity leg.
	Cosine float64

	// BM25 is the normalized lexical leg.
	BM25 float64
}

// Retriever performs hybrid retrieval.
type Retriever struct {
	encoder knowledge.Encoder
	index   VectorSearcher
	store   ChunkStore
	counter *token.Counter
	alpha   float64
	logger  *slog.Logger
}

// New creates a Retriever. alpha weighs the vector leg of the blended
// score, (1-alpha) the lexical leg; it must lie in [0,1].
func New(encoder knowledge.Encoder, index VectorSearcher, store ChunkStore,
	counter *token.Counter, alpha float64, logger *slog.Logger) (*Retriever, error) {
	if encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if alpha < 0 || alpha > 1 {
		return nil, fmt.Errorf("alpha %f outside [0,1]", alpha)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retriever{
		encoder: encoder,
		index:   index,
		store:   store,
		counter: counter,
		alpha:   alpha,
		logger:  logger,
	}, nil
}

// Retrieve runs one hybrid retrieval. An empty candidate set returns an
// empty result and no error.
func (r *Retriever) Retrieve(ctx context.Context, req Request) ([]Result, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, nil
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	queryVec, err := r.encoder.Encode(ctx, req.Query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	candidates, err := r.candidates(ctx, req, queryVec, topK)
	if err != nil {
		return nil, err
	}

	candidates = r.filter(candidates, req)
	if len(candidates) == 0 {
		return nil, nil
	}

	docs := make([]string, len(candidates))
	for i, c := range candidates {
		docs[i] = c.Content
	}
	lexical := bm25Scores(req.Query, docs)
	minMaxNormalize(lexical)

	for i := range candidates {
		candidates[i].BM25 = lexical[i]
		candidates[i].Score = r.alpha*candidates[i].Cosine + (1-r.alpha)*lexical[i]
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	candidates = packBudget(candidates, req.TokenBudget, r.counter)

	if len(candidates) > topK {
		candidates = candidates[:topK]
	}
	r.logger.Debug("retrieval complete",
		"query_len", len(req.Query), "results", len(candidates), "project_id", req.ProjectID)
	return candidates, nil
}

// candidates produces up to topK scored candidates from the store
// (partitioned) or the in-process index (unpartitioned). Index hits
// whose chunks no longer exist are dropped during hydration.
func (r *Retriever) candidates(ctx context.Context, req Request, queryVec []float32, topK int) ([]Result, error) {
	if req.ProjectID != "" {
		scored, err := r.store.SimilarChunks(ctx, req.ProjectID, queryVec, topK)
		if err != nil {
			return nil, fmt.Errorf("store similarity scan: %w", err)
		}
		out := make([]Result, 0, len(scored))
		for _, sc := range scored {
			out = append(out, Result{Chunk: sc.Chunk, Cosine: sc.Similarity})
		}
		return out, nil
	}

	hits, err := r.index.Search(queryVec, topK)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]uuid.UUID, len(hits))
	sims := make(map[uuid.UUID]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		sims[h.ID] = h.Similarity
	}

	chunks, err := r.store.GetChunksByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("hydrating candidates: %w", err)
	}
	if len(chunks) < len(hits) {
		r.logger.Debug("dropped stale index hits", "hits", len(hits), "hydrated", len(chunks))
	}

	// Restore hit order; the store returns chunks in arbitrary order.
	byID := make(map[uuid.UUID]knowledge.Chunk, len(chunks))
	for _, ch := range chunks {
		byID[ch.ID] = ch
	}
	out := make([]Result, 0, len(chunks))
	for _, h := range hits {
		ch, ok := byID[h.ID]
		if !ok {
			continue
		}
		out = append(out, Result{Chunk: ch, Cosine: h.Similarity})
	}
	return out, nil
}

// filter re-applies the partition and metadata constraints after
// hydration. The store paths already filter, but a stale index or a
// future store change must never leak another project's chunks.
func (r *Retriever) filter(candidates []Result, req Request) []Result {
	out := candidates[:0]
	for _, c := range candidates {
		if req.ProjectID != "" && c.ProjectID != req.ProjectID {
			continue
		}
		if !matchesFilter(c.Chunk, req.Filter) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func matchesFilter(ch knowledge.Chunk, f knowledge.ChunkFilter) bool {
	if f.ProjectID != "" && ch.ProjectID != f.ProjectID {
		return false
	}
	if f.Language != "" && ch.Language != f.Language {
		return false
	}
	if f.FileExt != "" && ch.FileExt != f.FileExt {
		return false
	}
	if f.PathContains != "" && !strings.Contains(strings.ToLower(ch.SourcePath), strings.ToLower(f.PathContains)) {
		return false
	}
	if f.MinTokens > 0 && ch.TokenCount < f.MinTokens {
		return false
	}
	if f.MaxTokens > 0 && ch.TokenCount > f.MaxTokens {
		return false
	}
	return true
}

// packBudget walks candidates in score order, accumulating token
// counts, and stops at the first candidate that would overflow the
// budget. Order is preserved; packing never reaches past the overflow
// to fit a smaller lower-ranked chunk. A non-positive budget disables
// packing.
func packBudget(candidates []Result, budget int, counter *token.Counter) []Result {
	if budget <= 0 {
		return candidates
	}
	remaining := budget
	out := candidates[:0]
	for _, c := range candidates {
		n := c.TokenCount
		if n <= 0 && counter != nil {
			n = counter.Count(c.Content)
		}
		if n > remaining {
			break
		}
		remaining -= n
		out = append(out, c)
	}
	return out
}
