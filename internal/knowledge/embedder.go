package knowledge

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
)

// embedBatchSize bounds documents per embedding request; provider APIs
// reject oversized batches.
const embedBatchSize = 32

// Embedding retry bounds. Rate-limit-class failures get a short
// exponential backoff; other errors fail immediately.
const (
	embedMaxRetries   = 3
	embedBackoffBase  = 500 * time.Millisecond
	embedBackoffLimit = 5 * time.Second
)

// Encoder turns text into fixed-dimension embedding vectors. The
// retriever, ingest service, and conversation memory all depend on this
// interface rather than on a concrete provider.
type Encoder interface {
	// Encode embeds a single text.
	Encode(ctx context.Context, text string) ([]float32, error)

	// EncodeBatch embeds texts in order; the result has one vector per
	// input.
	EncodeBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// GenkitEncoder adapts a genkit ai.Embedder to the Encoder interface,
// batching requests and normalizing output to EmbeddingDim dimensions.
// Models that emit wider vectors (Matryoshka-style embeddings) are
// truncated and re-normalized; narrower output is an error.
type GenkitEncoder struct {
	embedder ai.Embedder
}

// NewGenkitEncoder wraps embedder.
func NewGenkitEncoder(embedder ai.Embedder) (*GenkitEncoder, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &GenkitEncoder{embedder: embedder}, nil
}

// Encode implements Encoder.
func (e *GenkitEncoder) Encode(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EncodeBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EncodeBatch implements Encoder.
func (e *GenkitEncoder) EncodeBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(texts) {
			end = len(texts)
		}

		docs := make([]*ai.Document, 0, end-start)
		for _, t := range texts[start:end] {
			docs = append(docs, ai.DocumentFromText(t, nil))
		}

		resp, err := e.embed(ctx, docs)
		if err != nil {
			return nil, fmt.Errorf("embedding batch [%d:%d]: %w", start, end, err)
		}
		if len(resp.Embeddings) != len(docs) {
			return nil, fmt.Errorf("embedding batch [%d:%d]: got %d vectors for %d inputs",
				start, end, len(resp.Embeddings), len(docs))
		}

		for i, emb := range resp.Embeddings {
			vec, err := fitDimension(emb.Embedding)
			if err != nil {
				return nil, fmt.Errorf("embedding input %d: %w", start+i, err)
			}
			out = append(out, vec)
		}
	}
	return out, nil
}

// embed calls the provider, retrying rate-limit-class failures with
// exponential backoff.
func (e *GenkitEncoder) embed(ctx context.Context, docs []*ai.Document) (*ai.EmbedResponse, error) {
	backoff := embedBackoffBase
	var lastErr error
	for attempt := 0; attempt <= embedMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > embedBackoffLimit {
				backoff = embedBackoffLimit
			}
		}
		resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
		if err == nil {
			return resp, nil
		}
		if !rateLimitedError(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("after %d retries: %w", embedMaxRetries, lastErr)
}

// rateLimitedError matches provider quota and throttling failures by
// message, mirroring the orchestrator's LLM retry classification.
func rateLimitedError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "quota exceeded", "resource exhausted"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// fitDimension coerces a vector to EmbeddingDim: exact sizes pass
// through, wider vectors are truncated and re-normalized, narrower ones
// fail.
func fitDimension(vec []float32) ([]float32, error) {
	switch {
	case len(vec) == EmbeddingDim:
		return vec, nil
	case len(vec) > EmbeddingDim:
		out := make([]float32, EmbeddingDim)
		copy(out, vec[:EmbeddingDim])
		normalize(out)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: got %d, want %d", ErrInvalidEmbedding, len(vec), EmbeddingDim)
	}
}

// normalize scales vec to unit length in place. Zero vectors are left
// untouched.
func normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range vec {
		vec[i] = float32(float64(vec[i]) * inv)
	}
}
