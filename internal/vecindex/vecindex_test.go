package vecindex

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/log"
)

func vec(first float32, second float32) []float32 {
	v := make([]float32, knowledge.EmbeddingDim)
	v[0] = first
	v[1] = second
	return v
}

func TestAddAndSearchOrdering(t *testing.T) {
	idx, err := Open(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	near := uuid.New()
	mid := uuid.New()
	far := uuid.New()
	err = idx.Add(
		[]uuid.UUID{near, mid, far},
		[][]float32{vec(1, 0), vec(1, 1), vec(0, 1)},
	)
	if err != nil {
		t.Fatal(err)
	}

	hits, err := idx.Search(vec(1, 0), 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}
	if hits[0].ID != near || hits[1].ID != mid {
		t.Errorf("hit order = %v, %v; want near then mid", hits[0].ID, hits[1].ID)
	}
	if hits[0].Similarity < hits[1].Similarity {
		t.Error("hits not ordered by descending similarity")
	}
}

func TestSearchEmptyIndex(t *testing.T) {
	idx, err := Open(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	hits, err := idx.Search(vec(1, 0), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("empty index returned %d hits", len(hits))
	}
}

func TestSearchZeroQuery(t *testing.T) {
	idx, err := Open(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Add([]uuid.UUID{uuid.New()}, [][]float32{vec(1, 0)}); err != nil {
		t.Fatal(err)
	}
	hits, err := idx.Search(make([]float32, knowledge.EmbeddingDim), 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 0 {
		t.Errorf("zero query returned %d hits", len(hits))
	}
}

func TestDimensionMismatchRejected(t *testing.T) {
	idx, err := Open(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Add([]uuid.UUID{uuid.New()}, [][]float32{{1, 0}}); err == nil {
		t.Error("short vector accepted")
	}
	if _, err := idx.Search([]float32{1, 0}, 5); err == nil {
		t.Error("short query accepted")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx, err := Open(dir, log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	id := uuid.New()
	if err := idx.Add([]uuid.UUID{id}, [][]float32{vec(3, 4)}); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(dir, log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if reopened.Len() != 1 {
		t.Fatalf("reopened index has %d vectors, want 1", reopened.Len())
	}
	hits, err := reopened.Search(vec(3, 4), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != id {
		t.Errorf("reopened search = %v", hits)
	}
	if hits[0].Similarity < 0.999 {
		t.Errorf("self-similarity = %f, want ~1 (vectors normalized on insert)", hits[0].Similarity)
	}
}

type sliceSource struct {
	chunks []knowledge.Chunk
}

func (s sliceSource) IterateChunks(_ context.Context, batchSize int, fn func([]knowledge.Chunk) error) error {
	for start := 0; start < len(s.chunks); start += batchSize {
		end := min(start+batchSize, len(s.chunks))
		if err := fn(s.chunks[start:end]); err != nil {
			return err
		}
	}
	return nil
}

func TestRebuildReplacesContents(t *testing.T) {
	idx, err := Open(t.TempDir(), log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	stale := uuid.New()
	if err := idx.Add([]uuid.UUID{stale}, [][]float32{vec(1, 0)}); err != nil {
		t.Fatal(err)
	}

	fresh := uuid.New()
	src := sliceSource{chunks: []knowledge.Chunk{{ID: fresh, Embedding: vec(0, 1)}}}
	if err := idx.Rebuild(context.Background(), src); err != nil {
		t.Fatal(err)
	}

	if idx.Len() != 1 {
		t.Fatalf("index has %d vectors after rebuild, want 1", idx.Len())
	}
	hits, err := idx.Search(vec(0, 1), 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(hits) != 1 || hits[0].ID != fresh {
		t.Errorf("rebuild did not replace contents: %v", hits)
	}
}
