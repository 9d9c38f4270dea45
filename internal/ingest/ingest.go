// Package ingest turns files, directories, and gs:// objects into
// stored, embedded, indexed chunks.
//
// Ingestion is fail-soft per file: a file that cannot be read, chunked,
// or embedded is counted and reported, and the rest of the batch
// proceeds. Every ingested file lands atomically (document upsert plus
// chunk replacement in one transaction) before its vectors are added to
// the in-process index.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	ignore "github.com/sabhiram/go-gitignore"
	"golang.org/x/sync/errgroup"

	"github.com/google/uuid"

	"github.com/quarrylabs/quarry/internal/chunker"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/storage"
)

// ErrProjectRequired indicates an ingest request without a project id.
var ErrProjectRequired = errors.New("project id is required")

// defaultConcurrency bounds parallel file processing.
const defaultConcurrency = 4

// supportedExtensions are the file types we ingest. Directory walks
// skip everything else; explicitly named files are ingested regardless,
// falling back to whole-document chunking.
var supportedExtensions = map[string]bool{
	".txt": true, ".md": true, ".pdf": true,
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true,
	".tsx": true, ".java": true, ".c": true, ".h": true, ".cpp": true,
	".cc": true, ".hpp": true, ".cs": true, ".rs": true, ".rb": true,
	".php": true, ".sh": true, ".bash": true, ".swift": true, ".kt": true,
	".scala": true, ".yaml": true, ".yml": true, ".json": true,
	".sql": true, ".html": true, ".css": true,
}

// Store is the persistence dependency. *knowledge.Store satisfies it.
type Store interface {
	GetDocument(ctx context.Context, projectID, sourcePath string) (knowledge.Document, error)
	UpsertDocument(ctx context.Context, doc knowledge.Document) (knowledge.Document, error)
	ReplaceChunks(ctx context.Context, documentID uuid.UUID, chunks []knowledge.Chunk) ([]uuid.UUID, error)
}

// errUnchanged marks a source whose content hash matches the stored
// document; the caller counts it as skipped rather than failed.
var errUnchanged = errors.New("content unchanged")

// Index receives the embedded vectors of newly stored chunks.
// *vecindex.Index satisfies it.
type Index interface {
	Add(ids []uuid.UUID, vectors [][]float32) error
}

// Downloader fetches gs:// objects. *storage.Client satisfies it; nil
// makes gs:// sources fail per-source.
type Downloader interface {
	DownloadFile(ctx context.Context, bucket, object, destPath string) error
}

// Request is one ingestion batch.
type Request struct {
	// ProjectID is the partition every ingested chunk belongs to.
	// Required.
	ProjectID string

	// Sources are file paths, directory paths, or gs:// URIs.
	Sources []string
}

// FileError records one failed source.
type FileError struct {
	Path  string `json:"path"`
	Error string `json:"error"`
}

// Summary reports an ingestion batch.
type Summary struct {
	Files   int         `json:"files"`
	Chunks  int         `json:"chunks"`
	Skipped int         `json:"skipped"`
	Failed  int         `json:"failed"`
	Errors  []FileError `json:"errors,omitempty"`
}

// Service ingests sources into the store and vector index.
type Service struct {
	store       Store
	encoder     knowledge.Encoder
	chunker     *chunker.Chunker
	index       Index
	downloader  Downloader
	runner      chunker.CommandRunner
	concurrency int
	logger      *slog.Logger
}

// Config configures a Service.
type Config struct {
	Store   Store
	Encoder knowledge.Encoder
	Chunker *chunker.Chunker
	Index   Index

	// Downloader is optional; without it gs:// sources fail per-source.
	Downloader Downloader

	// Runner executes pdftotext; nil uses the real binary.
	Runner chunker.CommandRunner

	// Concurrency bounds parallel file processing. Zero means
	// defaultConcurrency.
	Concurrency int

	Logger *slog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if cfg.Chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if cfg.Index == nil {
		return nil, fmt.Errorf("index is required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:       cfg.Store,
		encoder:     cfg.Encoder,
		chunker:     cfg.Chunker,
		index:       cfg.Index,
		downloader:  cfg.Downloader,
		runner:      cfg.Runner,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
	}, nil
}

// Ingest processes every source in the request. It returns an error only
// for an invalid request or a canceled context; per-file failures are
// collected in the Summary.
func (s *Service) Ingest(ctx context.Context, req Request) (*Summary, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, ErrProjectRequired
	}
	if len(req.Sources) == 0 {
		return &Summary{}, nil
	}

	summary := &Summary{}
	var mu sync.Mutex

	fail := func(path string, err error) {
		mu.Lock()
		defer mu.Unlock()
		summary.Failed++
		summary.Errors = append(summary.Errors, FileError{Path: path, Error: err.Error()})
		s.logger.Warn("source failed", "path", path, "error", err)
	}

	// Temp downloads live for the duration of the batch and are always
	// removed, success or not.
	tempDir, err := os.MkdirTemp("", "quarry-ingest-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp directory: %w", err)
	}
	defer os.RemoveAll(tempDir)

	files, skipped := s.expandSources(ctx, req.Sources, tempDir, fail)
	mu.Lock()
	summary.Skipped += skipped
	mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, f := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			n, err := s.ingestFile(gctx, req.ProjectID, f)
			if errors.Is(err, errUnchanged) {
				mu.Lock()
				summary.Skipped++
				mu.Unlock()
				return nil
			}
			if err != nil {
				fail(f.displayPath, err)
				return nil
			}
			mu.Lock()
			summary.Files++
			summary.Chunks += n
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.logger.Info("ingestion finished",
		"project_id", req.ProjectID, "files", summary.Files,
		"chunks", summary.Chunks, "failed", summary.Failed, "skipped", summary.Skipped)
	return summary, nil
}

// sourceFile pairs a readable local path with the path recorded in the
// store (the original gs:// URI for downloads).
type sourceFile struct {
	localPath   string
	displayPath string
}

// expandSources resolves request sources into local files: directories
// are walked gitignore-aware, gs:// objects are downloaded into tempDir.
func (s *Service) expandSources(ctx context.Context, sources []string, tempDir string, fail func(string, error)) ([]sourceFile, int) {
	var files []sourceFile
	skipped := 0

	for _, src := range sources {
		switch {
		case strings.HasPrefix(src, "gs://"):
			local, err := s.download(ctx, src, tempDir)
			if err != nil {
				fail(src, err)
				continue
			}
			files = append(files, sourceFile{localPath: local, displayPath: src})

		default:
			info, err := os.Stat(src)
			if err != nil {
				fail(src, fmt.Errorf("stat: %w", err))
				continue
			}
			if !info.IsDir() {
				files = append(files, sourceFile{localPath: src, displayPath: src})
				continue
			}
			walked, sk, err := walkDir(src)
			if err != nil {
				fail(src, err)
				continue
			}
			files = append(files, walked...)
			skipped += sk
		}
	}
	return files, skipped
}

// walkDir collects supported files under dir, honoring the directory's
// .gitignore and skipping dot-directories.
func walkDir(dir string) ([]sourceFile, int, error) {
	var gitIgnore *ignore.GitIgnore
	if _, err := os.Stat(filepath.Join(dir, ".gitignore")); err == nil {
		// A malformed .gitignore disables filtering rather than the walk.
		gitIgnore, _ = ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore"))
	}

	var files []sourceFile
	skipped := 0
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if rel != "." && (strings.HasPrefix(d.Name(), ".") ||
				(gitIgnore != nil && (gitIgnore.MatchesPath(rel) || gitIgnore.MatchesPath(rel+"/")))) {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") ||
			(gitIgnore != nil && gitIgnore.MatchesPath(rel)) {
			skipped++
			return nil
		}
		if !supportedExtensions[strings.ToLower(filepath.Ext(path))] {
			skipped++
			return nil
		}
		files = append(files, sourceFile{localPath: path, displayPath: path})
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("walking %s: %w", dir, err)
	}
	return files, skipped, nil
}

// download fetches one gs:// object into tempDir.
func (s *Service) download(ctx context.Context, uri, tempDir string) (string, error) {
	if s.downloader == nil {
		return "", fmt.Errorf("no object storage client configured for %s", uri)
	}
	bucket, object, err := storage.ParseGSURI(uri)
	if err != nil {
		return "", err
	}
	local := filepath.Join(tempDir, filepath.Base(object))
	if err := s.downloader.DownloadFile(ctx, bucket, object, local); err != nil {
		return "", err
	}
	return local, nil
}

// ingestFile processes one file end to end and returns its chunk count.
func (s *Service) ingestFile(ctx context.Context, projectID string, f sourceFile) (int, error) {
	content, size, err := s.readContent(ctx, f.localPath)
	if err != nil {
		return 0, err
	}

	hash := sha256.Sum256([]byte(content))
	contentHash := hex.EncodeToString(hash[:])
	if existing, lookupErr := s.store.GetDocument(ctx, projectID, f.displayPath); lookupErr == nil &&
		existing.ContentHash == contentHash {
		s.logger.Debug("source unchanged, skipping", "path", f.displayPath)
		return 0, errUnchanged
	}

	chunks := s.chunker.ChunkFile(f.displayPath, content)
	if len(chunks) == 0 {
		return 0, nil
	}

	texts := make([]string, len(chunks))
	for i, ch := range chunks {
		texts[i] = ch.Content
	}
	vectors, err := s.encoder.EncodeBatch(ctx, texts)
	if err != nil {
		return 0, fmt.Errorf("embedding: %w", err)
	}

	doc, err := s.store.UpsertDocument(ctx, knowledge.Document{
		ProjectID:   projectID,
		SourcePath:  f.displayPath,
		ContentHash: contentHash,
		FileExt:     strings.ToLower(filepath.Ext(f.displayPath)),
		SizeBytes:   size,
		ChunkCount:  len(chunks),
	})
	if err != nil {
		return 0, err
	}

	records := make([]knowledge.Chunk, len(chunks))
	for i, ch := range chunks {
		records[i] = knowledge.Chunk{
			DocumentID: doc.ID,
			ProjectID:  projectID,
			SourcePath: f.displayPath,
			Content:    ch.Content,
			TokenCount: ch.TokenCount,
			FileExt:    ch.FileExt,
			Language:   ch.Language,
			Symbol:     ch.Symbol,
			Section:    ch.Section,
			Page:       ch.Page,
			PartIndex:  ch.PartIndex,
			PartTotal:  ch.PartTotal,
			Embedding:  vectors[i],
		}
	}

	ids, err := s.store.ReplaceChunks(ctx, doc.ID, records)
	if err != nil {
		return 0, err
	}

	// Index staleness is tolerated (the store is the source of truth),
	// but an index write failure is still a file failure so operators
	// notice before unfiltered retrieval quietly degrades.
	if err := s.index.Add(ids, vectors); err != nil {
		return 0, fmt.Errorf("indexing vectors: %w", err)
	}

	s.logger.Debug("file ingested",
		"path", f.displayPath, "chunks", len(chunks), "project_id", projectID)
	return len(chunks), nil
}

// readContent loads a file as text, extracting PDFs via pdftotext.
func (s *Service) readContent(ctx context.Context, path string) (string, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("stat: %w", err)
	}

	if strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, err := chunker.ExtractPDF(ctx, s.runner, path)
		if err != nil {
			return "", 0, err
		}
		return text, info.Size(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("reading: %w", err)
	}
	return string(data), info.Size(), nil
}
