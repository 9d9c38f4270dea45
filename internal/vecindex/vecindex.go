// Package vecindex implements a flat in-memory cosine index over chunk
// embeddings, persisted to disk.
//
// The index is a cache over the chunks table, never the source of truth:
// losing or corrupting its artifacts costs a rebuild, not data. Filtered
// retrieval bypasses the index entirely and scans the store, so partition
// correctness never depends on index freshness; unfiltered retrieval
// tolerates staleness, and hits whose chunks were deleted since the last
// rebuild are dropped at hydration.
package vecindex

import (
	"context"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/knowledge"
)

// Artifact file names inside the index directory.
const (
	vectorsFile = "vectors.gob"
	idsFile     = "ids.json"
)

// ErrDimensionMismatch indicates a vector with a different dimensionality
// than the index.
var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Hit is one search result: a chunk id and its cosine similarity to the
// query.
type Hit struct {
	ID         uuid.UUID
	Similarity float64
}

// Source supplies chunks for a rebuild. *knowledge.Store satisfies it.
type Source interface {
	IterateChunks(ctx context.Context, batchSize int, fn func([]knowledge.Chunk) error) error
}

// Index is a flat cosine similarity index. Vectors are L2-normalized on
// insert so search reduces to a dot product.
//
// Index is safe for concurrent use: searches proceed under a read lock
// while adds and rebuilds serialize on the write lock.
type Index struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
	ids     []uuid.UUID
	dir     string
	logger  *slog.Logger
}

// Open creates an Index persisted under dir, loading existing artifacts
// when both are present and consistent. Mismatched or unreadable
// artifacts are discarded with a warning; the caller rebuilds.
func Open(dir string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating index directory: %w", err)
	}

	idx := &Index{dim: knowledge.EmbeddingDim, dir: dir, logger: logger}
	if err := idx.load(); err != nil {
		logger.Warn("discarding unreadable index artifacts, rebuild required",
			"dir", dir, "error", err)
		idx.vectors = nil
		idx.ids = nil
	}
	return idx, nil
}

// Len returns the number of indexed vectors.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ids)
}

// Add appends the vectors under their chunk ids and persists the index.
// Vectors are L2-normalized before storage; ids and vectors must align.
func (x *Index) Add(ids []uuid.UUID, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids/vectors length mismatch: %d vs %d", len(ids), len(vectors))
	}
	if len(ids) == 0 {
		return nil
	}
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("vector %d: %w: got %d, want %d", i, ErrDimensionMismatch, len(v), x.dim)
		}
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	for i, v := range vectors {
		nv := make([]float32, len(v))
		copy(nv, v)
		normalize(nv)
		x.vectors = append(x.vectors, nv)
		x.ids = append(x.ids, ids[i])
	}

	return x.persistLocked()
}

// Search returns up to topK hits ordered by descending similarity.
// Zero-length or zero-magnitude entries are skipped. An empty index
// returns no hits and no error.
func (x *Index) Search(query []float32, topK int) ([]Hit, error) {
	if len(query) != x.dim {
		return nil, fmt.Errorf("query: %w: got %d, want %d", ErrDimensionMismatch, len(query), x.dim)
	}
	if topK <= 0 {
		return nil, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	if !normalize(q) {
		return nil, nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := make([]Hit, 0, len(x.ids))
	for i, v := range x.vectors {
		if isZero(v) {
			continue
		}
		hits = append(hits, Hit{ID: x.ids[i], Similarity: dot(q, v)})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Similarity > hits[j].Similarity
	})
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// Rebuild replaces the index contents by replaying every chunk from src,
// then persists. The old contents stay searchable until the replay
// finishes.
func (x *Index) Rebuild(ctx context.Context, src Source) error {
	var ids []uuid.UUID
	var vectors [][]float32

	err := src.IterateChunks(ctx, 500, func(batch []knowledge.Chunk) error {
		for _, ch := range batch {
			if len(ch.Embedding) != x.dim {
				x.logger.Warn("skipping chunk with mismatched embedding",
					"chunk_id", ch.ID, "dim", len(ch.Embedding))
				continue
			}
			nv := make([]float32, len(ch.Embedding))
			copy(nv, ch.Embedding)
			normalize(nv)
			ids = append(ids, ch.ID)
			vectors = append(vectors, nv)
		}
		return ctx.Err()
	})
	if err != nil {
		return fmt.Errorf("replaying chunks: %w", err)
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	x.ids = ids
	x.vectors = vectors
	if err := x.persistLocked(); err != nil {
		return err
	}
	x.logger.Info("vector index rebuilt", "vectors", len(ids))
	return nil
}

// persistLocked writes both artifacts atomically (temp file + rename).
// Caller holds the write lock.
func (x *Index) persistLocked() error {
	if err := atomicWrite(filepath.Join(x.dir, vectorsFile), func(f *os.File) error {
		return gob.NewEncoder(f).Encode(x.vectors)
	}); err != nil {
		return fmt.Errorf("persisting vectors: %w", err)
	}
	if err := atomicWrite(filepath.Join(x.dir, idsFile), func(f *os.File) error {
		return json.NewEncoder(f).Encode(x.ids)
	}); err != nil {
		return fmt.Errorf("persisting id map: %w", err)
	}
	return nil
}

// load reads both artifacts. Absent artifacts leave an empty index;
// present-but-inconsistent artifacts are an error so the caller discards.
func (x *Index) load() error {
	vf, err := os.Open(filepath.Join(x.dir, vectorsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening vectors artifact: %w", err)
	}
	defer vf.Close()

	var vectors [][]float32
	if err := gob.NewDecoder(vf).Decode(&vectors); err != nil {
		return fmt.Errorf("decoding vectors: %w", err)
	}

	idData, err := os.ReadFile(filepath.Join(x.dir, idsFile))
	if err != nil {
		return fmt.Errorf("reading id map: %w", err)
	}
	var ids []uuid.UUID
	if err := json.Unmarshal(idData, &ids); err != nil {
		return fmt.Errorf("decoding id map: %w", err)
	}

	if len(ids) != len(vectors) {
		return fmt.Errorf("artifact mismatch: %d ids, %d vectors", len(ids), len(vectors))
	}
	for i, v := range vectors {
		if len(v) != x.dim {
			return fmt.Errorf("vector %d: %w: got %d, want %d", i, ErrDimensionMismatch, len(v), x.dim)
		}
	}

	x.vectors = vectors
	x.ids = ids
	x.logger.Debug("vector index loaded", "vectors", len(ids))
	return nil
}

// atomicWrite writes via a temp file in the same directory and renames
// into place, so readers never observe a partial artifact.
func atomicWrite(path string, write func(*os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}

// normalize scales v to unit length in place, reporting false for zero
// vectors.
func normalize(v []float32) bool {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return false
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
	return true
}

func isZero(v []float32) bool {
	for _, f := range v {
		if f != 0 {
			return false
		}
	}
	return true
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
