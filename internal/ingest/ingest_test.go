package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quarrylabs/quarry/internal/chunker"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/log"
	"github.com/quarrylabs/quarry/internal/retriever"
	"github.com/quarrylabs/quarry/internal/testutil"
	"github.com/quarrylabs/quarry/internal/token"
	"github.com/quarrylabs/quarry/internal/vecindex"
)

type memStore struct {
	mu     sync.Mutex
	docs   map[string]knowledge.Document // keyed by source path
	chunks map[uuid.UUID][]knowledge.Chunk
	err    error
}

func newMemStore() *memStore {
	return &memStore{
		docs:   make(map[string]knowledge.Document),
		chunks: make(map[uuid.UUID][]knowledge.Chunk),
	}
}

func (m *memStore) GetDocument(_ context.Context, _, sourcePath string) (knowledge.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[sourcePath]
	if !ok {
		return knowledge.Document{}, knowledge.ErrNotFound
	}
	return doc, nil
}

func (m *memStore) UpsertDocument(_ context.Context, doc knowledge.Document) (knowledge.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return knowledge.Document{}, m.err
	}
	if existing, ok := m.docs[doc.SourcePath]; ok {
		doc.ID = existing.ID
	} else {
		doc.ID = uuid.New()
	}
	m.docs[doc.SourcePath] = doc
	return doc, nil
}

func (m *memStore) ReplaceChunks(_ context.Context, documentID uuid.UUID, chunks []knowledge.Chunk) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]uuid.UUID, len(chunks))
	for i := range chunks {
		chunks[i].ID = uuid.New()
		ids[i] = chunks[i].ID
	}
	m.chunks[documentID] = chunks
	return ids, nil
}

func (m *memStore) GetChunksByIDs(_ context.Context, ids []uuid.UUID) ([]knowledge.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []knowledge.Chunk
	for _, chunks := range m.chunks {
		for _, ch := range chunks {
			if _, ok := want[ch.ID]; ok {
				out = append(out, ch)
			}
		}
	}
	return out, nil
}

func (m *memStore) SimilarChunks(_ context.Context, projectID string, embedding []float32, topK int) ([]knowledge.ScoredChunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []knowledge.ScoredChunk
	for _, chunks := range m.chunks {
		for _, ch := range chunks {
			if ch.ProjectID != projectID {
				continue
			}
			out = append(out, knowledge.ScoredChunk{Chunk: ch, Similarity: dot(embedding, ch.Embedding)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Similarity > out[j].Similarity })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// dot is cosine similarity for the already-normalized test vectors.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		if i >= len(b) {
			break
		}
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

type memIndex struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (m *memIndex) Add(ids []uuid.UUID, vectors [][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(ids) != len(vectors) {
		return errors.New("length mismatch")
	}
	m.ids = append(m.ids, ids...)
	return nil
}

func newService(t *testing.T, store Store, index Index) *Service {
	t.Helper()
	counter := token.NewHeuristicCounter()
	svc, err := New(Config{
		Store:   store,
		Encoder: &testutil.HashEncoder{},
		Chunker: chunker.New(counter, log.NewNop()),
		Index:   index,
		Logger:  log.NewNop(),
	})
	require.NoError(t, err)
	return svc
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestIngestRequiresProject(t *testing.T) {
	svc := newService(t, newMemStore(), &memIndex{})
	_, err := svc.Ingest(context.Background(), Request{Sources: []string{"x.txt"}})
	assert.ErrorIs(t, err, ErrProjectRequired)
}

func TestIngestSingleFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "notes.md", "# Title\nSome notes about the design.")

	store := newMemStore()
	index := &memIndex{}
	svc := newService(t, store, index)

	sum, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files)
	assert.Equal(t, 0, sum.Failed)
	require.Positive(t, sum.Chunks)

	doc, ok := store.docs[path]
	require.True(t, ok)
	assert.Equal(t, "p1", doc.ProjectID)
	assert.Equal(t, ".md", doc.FileExt)
	assert.NotEmpty(t, doc.ContentHash)

	chunks := store.chunks[doc.ID]
	require.Len(t, chunks, sum.Chunks)
	for _, ch := range chunks {
		assert.Equal(t, "p1", ch.ProjectID)
		assert.Len(t, ch.Embedding, knowledge.EmbeddingDim)
		assert.Positive(t, ch.TokenCount)
	}

	// Every stored chunk id landed in the index.
	assert.Len(t, index.ids, sum.Chunks)
}

func TestIngestDirectoryHonorsGitignoreAndExtensions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, ".gitignore", "vendor/\nsecret.md\n")
	writeFile(t, dir, "keep.go", "package keep\n\nfunc Keep() {}\n")
	writeFile(t, dir, "secret.md", "ignored by gitignore")
	writeFile(t, dir, "vendor/dep.go", "package dep")
	writeFile(t, dir, "image.png", "binary-ish")
	writeFile(t, dir, ".hidden", "dotfile")

	store := newMemStore()
	svc := newService(t, store, &memIndex{})

	sum, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{dir}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files, "only keep.go should be ingested")
	assert.Equal(t, 0, sum.Failed)
	assert.Positive(t, sum.Skipped)

	_, kept := store.docs[filepath.Join(dir, "keep.go")]
	assert.True(t, kept)
	_, leaked := store.docs[filepath.Join(dir, "secret.md")]
	assert.False(t, leaked)
}

func TestIngestMissingSourceIsFailSoft(t *testing.T) {
	dir := t.TempDir()
	good := writeFile(t, dir, "good.txt", "usable content here")

	store := newMemStore()
	svc := newService(t, store, &memIndex{})

	sum, err := svc.Ingest(context.Background(), Request{
		ProjectID: "p1",
		Sources:   []string{filepath.Join(dir, "missing.txt"), good},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0].Path, "missing.txt")
}

func TestIngestGSWithoutDownloader(t *testing.T) {
	svc := newService(t, newMemStore(), &memIndex{})
	sum, err := svc.Ingest(context.Background(), Request{
		ProjectID: "p1",
		Sources:   []string{"gs://bucket/object.txt"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
}

type fakeDownloader struct {
	content string
}

func (f fakeDownloader) DownloadFile(_ context.Context, _, _, destPath string) error {
	return os.WriteFile(destPath, []byte(f.content), 0o600)
}

func TestIngestGSDownloadRecordsURI(t *testing.T) {
	store := newMemStore()
	counter := token.NewHeuristicCounter()
	svc, err := New(Config{
		Store:      store,
		Encoder:    &testutil.HashEncoder{},
		Chunker:    chunker.New(counter, log.NewNop()),
		Index:      &memIndex{},
		Downloader: fakeDownloader{content: "remote document text"},
		Logger:     log.NewNop(),
	})
	require.NoError(t, err)

	uri := "gs://bucket/docs/remote.txt"
	sum, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{uri}})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Files)

	// The stored source path is the original URI, not the temp file.
	doc, ok := store.docs[uri]
	require.True(t, ok)
	assert.Equal(t, ".txt", doc.FileExt)
}

func TestIngestUnchangedFileIsSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "stable.md", "content that will not change")

	store := newMemStore()
	svc := newService(t, store, &memIndex{})

	first, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{path}})
	require.NoError(t, err)
	require.Equal(t, 1, first.Files)

	second, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, 0, second.Files)
	assert.Equal(t, 1, second.Skipped)

	// A modified file is re-ingested.
	writeFile(t, dir, "stable.md", "content that did change after all")
	third, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{path}})
	require.NoError(t, err)
	assert.Equal(t, 1, third.Files)
}

func TestIngestThenRetrieveVerbatimPhrase(t *testing.T) {
	dir := t.TempDir()
	target := writeFile(t, dir, "retriever.txt",
		"The retriever combines vector and lexical scores.")
	other := writeFile(t, dir, "gardening.txt",
		"Tomatoes grow best with morning sun and deep watering.")

	store := newMemStore()
	index, err := vecindex.Open(t.TempDir(), log.NewNop())
	require.NoError(t, err)

	encoder := &testutil.HashEncoder{}
	counter := token.NewHeuristicCounter()
	svc, err := New(Config{
		Store:   store,
		Encoder: encoder,
		Chunker: chunker.New(counter, log.NewNop()),
		Index:   index,
		Logger:  log.NewNop(),
	})
	require.NoError(t, err)

	sum, err := svc.Ingest(context.Background(), Request{ProjectID: "p1", Sources: []string{target, other}})
	require.NoError(t, err)
	require.Equal(t, 2, sum.Files)

	retr, err := retriever.New(encoder, index, store, counter, 0.5, log.NewNop())
	require.NoError(t, err)

	// A verbatim phrase from one ingested file must surface its chunk
	// within top_k with a non-zero blended score, on both candidate
	// paths.
	for _, req := range []retriever.Request{
		{Query: "retriever combines vector and lexical scores", TopK: 2},
		{Query: "retriever combines vector and lexical scores", TopK: 2, ProjectID: "p1"},
	} {
		got, err := retr.Retrieve(context.Background(), req)
		require.NoError(t, err)
		require.NotEmpty(t, got)
		assert.Equal(t, target, got[0].SourcePath)
		assert.Contains(t, got[0].Content, "combines vector and lexical scores")
		assert.Positive(t, got[0].Score)
	}
}

func TestIngestEmptySources(t *testing.T) {
	svc := newService(t, newMemStore(), &memIndex{})
	sum, err := svc.Ingest(context.Background(), Request{ProjectID: "p1"})
	require.NoError(t, err)
	assert.Zero(t, sum.Files)
}
