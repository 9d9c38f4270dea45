package retriever

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/log"
	"github.com/quarrylabs/quarry/internal/testutil"
	"github.com/quarrylabs/quarry/internal/token"
	"github.com/quarrylabs/quarry/internal/vecindex"
)

type fakeIndex struct {
	hits []vecindex.Hit
}

func (f fakeIndex) Search(_ []float32, topK int) ([]vecindex.Hit, error) {
	if len(f.hits) > topK {
		return f.hits[:topK], nil
	}
	return f.hits, nil
}

// recordingIndex wraps fakeIndex to capture the requested candidate
// count.
type recordingIndex struct {
	fakeIndex
	lastTopK int
}

func (r *recordingIndex) Search(query []float32, topK int) ([]vecindex.Hit, error) {
	r.lastTopK = topK
	return r.fakeIndex.Search(query, topK)
}

type fakeStore struct {
	chunks   map[uuid.UUID]knowledge.Chunk
	scored   []knowledge.ScoredChunk
	scanned  bool
	lastTopK int
}

func (f *fakeStore) GetChunksByIDs(_ context.Context, ids []uuid.UUID) ([]knowledge.Chunk, error) {
	var out []knowledge.Chunk
	for _, id := range ids {
		if ch, ok := f.chunks[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (f *fakeStore) SimilarChunks(_ context.Context, _ string, _ []float32, topK int) ([]knowledge.ScoredChunk, error) {
	f.scanned = true
	f.lastTopK = topK
	if len(f.scored) > topK {
		return f.scored[:topK], nil
	}
	return f.scored, nil
}

func chunk(content string, tokens int, projectID string) knowledge.Chunk {
	return knowledge.Chunk{
		ID:         uuid.New(),
		ProjectID:  projectID,
		Content:    content,
		TokenCount: tokens,
	}
}

func newRetriever(t *testing.T, index VectorSearcher, store ChunkStore, alpha float64) *Retriever {
	t.Helper()
	r, err := New(&testutil.HashEncoder{}, index, store,
		token.NewHeuristicCounter(), alpha, log.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestRetrieveEmptyQuery(t *testing.T) {
	r := newRetriever(t, fakeIndex{}, &fakeStore{}, 0.7)
	got, err := r.Retrieve(context.Background(), Request{Query: "   "})
	if err != nil || got != nil {
		t.Errorf("Retrieve(blank) = %v, %v; want nil, nil", got, err)
	}
}

func TestRetrieveNoCandidates(t *testing.T) {
	r := newRetriever(t, fakeIndex{}, &fakeStore{}, 0.7)
	got, err := r.Retrieve(context.Background(), Request{Query: "anything"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Errorf("got %d results from empty corpus", len(got))
	}
}

func TestRetrieveHydratesAndDropsStaleHits(t *testing.T) {
	live := chunk("live content about parsers", 10, "")
	stale := uuid.New() // in the index, deleted from the store
	store := &fakeStore{chunks: map[uuid.UUID]knowledge.Chunk{live.ID: live}}
	index := fakeIndex{hits: []vecindex.Hit{
		{ID: stale, Similarity: 0.99},
		{ID: live.ID, Similarity: 0.8},
	}}

	r := newRetriever(t, index, store, 1.0)
	got, err := r.Retrieve(context.Background(), Request{Query: "parsers"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != live.ID {
		t.Fatalf("got %v, want only the live chunk", got)
	}
	if got[0].Cosine != 0.8 {
		t.Errorf("cosine = %f, want the index similarity carried through", got[0].Cosine)
	}
}

func TestRetrieveProjectFilterUsesStoreScan(t *testing.T) {
	mine := chunk("project chunk", 10, "proj-a")
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: mine, Similarity: 0.9},
	}}
	r := newRetriever(t, fakeIndex{hits: []vecindex.Hit{{ID: uuid.New(), Similarity: 1}}}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{Query: "chunk", ProjectID: "proj-a"})
	if err != nil {
		t.Fatal(err)
	}
	if !store.scanned {
		t.Error("partitioned retrieval did not scan the store")
	}
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Fatalf("got %v", got)
	}
}

func TestRetrieveNeverLeaksOtherProjects(t *testing.T) {
	// A misbehaving scan returning a foreign chunk must be re-filtered.
	foreign := chunk("foreign", 10, "proj-b")
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: foreign, Similarity: 0.99},
	}}
	r := newRetriever(t, fakeIndex{}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{Query: "foreign", ProjectID: "proj-a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("foreign project chunk leaked: %v", got)
	}
}

func TestRetrieveMetadataFilter(t *testing.T) {
	goChunk := chunk("func main", 10, "p")
	goChunk.Language = "go"
	pyChunk := chunk("def main", 10, "p")
	pyChunk.Language = "python"
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: goChunk, Similarity: 0.9},
		{Chunk: pyChunk, Similarity: 0.8},
	}}
	r := newRetriever(t, fakeIndex{}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{
		Query:     "main",
		ProjectID: "p",
		Filter:    knowledge.ChunkFilter{Language: "python"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Language != "python" {
		t.Fatalf("got %v, want only the python chunk", got)
	}
}

func TestLexicalLegRewardsTermOverlap(t *testing.T) {
	// Same cosine for both candidates; the lexical leg must decide.
	match := chunk("rate limiter token bucket implementation", 10, "p")
	other := chunk("completely unrelated text about gardening", 10, "p")
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: other, Similarity: 0.9},
		{Chunk: match, Similarity: 0.9},
	}}
	r := newRetriever(t, fakeIndex{}, store, 0.5)

	got, err := r.Retrieve(context.Background(), Request{Query: "token bucket rate limiter", ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d results, want 2", len(got))
	}
	if got[0].ID != match.ID {
		t.Errorf("lexical match not ranked first")
	}
	if got[0].BM25 <= got[1].BM25 {
		t.Errorf("BM25 legs not ordered: %f vs %f", got[0].BM25, got[1].BM25)
	}
}

func TestAlphaOneIgnoresLexicalLeg(t *testing.T) {
	match := chunk("token bucket rate limiter", 10, "p")
	near := chunk("gardening", 10, "p")
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: near, Similarity: 0.95},
		{Chunk: match, Similarity: 0.5},
	}}
	r := newRetriever(t, fakeIndex{}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{Query: "token bucket rate limiter", ProjectID: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if got[0].ID != near.ID {
		t.Errorf("alpha=1 did not rank purely by cosine")
	}
}

func TestBudgetPackingStopsAtFirstOverflow(t *testing.T) {
	small := chunk("small chunk", 20, "p")
	big := chunk("big chunk of many tokens", 90, "p")
	tiny := chunk("tiny", 5, "p")
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: small, Similarity: 0.9},
		{Chunk: big, Similarity: 0.8},
		{Chunk: tiny, Similarity: 0.7},
	}}
	r := newRetriever(t, fakeIndex{}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{
		Query:       "chunk",
		ProjectID:   "p",
		TokenBudget: 30,
	})
	if err != nil {
		t.Fatal(err)
	}
	// small (20) fits; big (90) overflows and packing stops there, so
	// tiny (5) is excluded even though it would still fit.
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1: %v", len(got), got)
	}
	if got[0].ID != small.ID {
		t.Errorf("kept %v, want the top-ranked chunk", got[0].ID)
	}
}

func TestCandidateFetchBoundedByTopK(t *testing.T) {
	store := &fakeStore{scored: []knowledge.ScoredChunk{
		{Chunk: chunk("content", 5, "p"), Similarity: 0.9},
	}}
	r := newRetriever(t, fakeIndex{}, store, 1.0)
	if _, err := r.Retrieve(context.Background(), Request{Query: "content", ProjectID: "p", TopK: 2}); err != nil {
		t.Fatal(err)
	}
	if store.lastTopK != 2 {
		t.Errorf("store scan asked for %d candidates, want 2", store.lastTopK)
	}

	idx := &recordingIndex{}
	r = newRetriever(t, idx, &fakeStore{}, 1.0)
	if _, err := r.Retrieve(context.Background(), Request{Query: "content", TopK: 3}); err != nil {
		t.Fatal(err)
	}
	if idx.lastTopK != 3 {
		t.Errorf("index search asked for %d candidates, want 3", idx.lastTopK)
	}
}

func TestBudgetDisabled(t *testing.T) {
	big := chunk("big", 5000, "p")
	store := &fakeStore{scored: []knowledge.ScoredChunk{{Chunk: big, Similarity: 0.9}}}
	r := newRetriever(t, fakeIndex{}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{Query: "big", ProjectID: "p", TokenBudget: 0})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("budget 0 should disable packing, got %d results", len(got))
	}
}

func TestTopKBound(t *testing.T) {
	var scored []knowledge.ScoredChunk
	for i := 0; i < 10; i++ {
		scored = append(scored, knowledge.ScoredChunk{
			Chunk:      chunk("content", 5, "p"),
			Similarity: float64(10-i) / 10,
		})
	}
	store := &fakeStore{scored: scored}
	r := newRetriever(t, fakeIndex{}, store, 1.0)

	got, err := r.Retrieve(context.Background(), Request{Query: "content", ProjectID: "p", TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Errorf("got %d results, want 3", len(got))
	}
}
