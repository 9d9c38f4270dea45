package tools

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/config"
	"github.com/quarrylabs/quarry/internal/knowledge"
	"github.com/quarrylabs/quarry/internal/log"
	"github.com/quarrylabs/quarry/internal/retriever"
)

type fakeSearcher struct {
	results []retriever.Result
	err     error
	lastReq retriever.Request
}

func (f *fakeSearcher) Retrieve(_ context.Context, req retriever.Request) ([]retriever.Result, error) {
	f.lastReq = req
	return f.results, f.err
}

func TestSearchContextRequiresQuery(t *testing.T) {
	tool, err := NewSearchContext(&fakeSearcher{}, 5, 3000, log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{})
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, "invalid_input", res.Error.Code)
}

func TestSearchContextMapsResults(t *testing.T) {
	searcher := &fakeSearcher{results: []retriever.Result{{
		Chunk: knowledge.Chunk{SourcePath: "a.go", Content: "func A()", Language: "go", Symbol: "A"},
		Score: 0.9,
	}}}
	tool, err := NewSearchContext(searcher, 5, 3000, log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{
		"query":      "A",
		"project_id": "p1",
		"top_k":      float64(2), // JSON numbers arrive as float64
	})
	require.Equal(t, agent.StatusSuccess, res.Status)

	data := res.Data.(map[string]any)
	assert.Equal(t, 1, data["count"])
	hits := data["chunks"].([]searchHit)
	assert.Equal(t, "a.go", hits[0].SourcePath)
	assert.Equal(t, 0.9, hits[0].Score)

	assert.Equal(t, "p1", searcher.lastReq.ProjectID)
	assert.Equal(t, 2, searcher.lastReq.TopK)
	assert.Equal(t, 3000, searcher.lastReq.TokenBudget) // default applied
}

func TestSearchContextRetrievalFailureIsFailSoft(t *testing.T) {
	tool, err := NewSearchContext(&fakeSearcher{err: errors.New("db down")}, 5, 0, log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{"query": "x"})
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, "retrieval_failed", res.Error.Code)
}

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, m...)
	return nil
}

func smtpConfig() config.SMTPConfig {
	return config.SMTPConfig{Host: "mail.example.com", Port: 587, From: "quarry@example.com"}
}

func TestSendEmailUnconfigured(t *testing.T) {
	tool := NewSendEmail(config.SMTPConfig{}, nil, log.NewNop())
	res := tool.Execute(context.Background(), map[string]any{
		"to": "a@example.com", "subject": "s", "body": "b",
	})
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, "not_configured", res.Error.Code)
}

func TestSendEmailValidation(t *testing.T) {
	tool := NewSendEmail(smtpConfig(), &fakeSender{}, log.NewNop())

	tests := []struct {
		name  string
		input map[string]any
	}{
		{"missing to", map[string]any{"subject": "s", "body": "b"}},
		{"missing subject", map[string]any{"to": "a@example.com", "body": "b"}},
		{"missing body", map[string]any{"to": "a@example.com", "subject": "s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := tool.Execute(context.Background(), tt.input)
			assert.Equal(t, agent.StatusError, res.Status)
			assert.Equal(t, "invalid_input", res.Error.Code)
		})
	}
}

func TestSendEmailSuccess(t *testing.T) {
	sender := &fakeSender{}
	tool := NewSendEmail(smtpConfig(), sender, log.NewNop())

	res := tool.Execute(context.Background(), map[string]any{
		"to":      "a@example.com, b@example.com",
		"subject": "report ready",
		"body":    "see attachment",
	})
	require.Equal(t, agent.StatusSuccess, res.Status)
	require.Len(t, sender.sent, 1)

	data := res.Data.(map[string]any)
	assert.Equal(t, []string{"a@example.com", "b@example.com"}, data["recipients"])
}

func TestSendEmailFailureIsFailSoft(t *testing.T) {
	tool := NewSendEmail(smtpConfig(), &fakeSender{err: errors.New("relay refused")}, log.NewNop())
	res := tool.Execute(context.Background(), map[string]any{
		"to": "a@example.com", "subject": "s", "body": "b",
	})
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, "send_failed", res.Error.Code)
}

type fakeChunkSource struct {
	chunks []knowledge.Chunk
	err    error
}

func (f *fakeChunkSource) ProjectChunks(_ context.Context, _ string) ([]knowledge.Chunk, error) {
	return f.chunks, f.err
}

type fakeUploader struct {
	url string
	err error
}

func (f *fakeUploader) Upload(_ context.Context, _, _ string) (string, error) {
	return f.url, f.err
}

func reportChunks() []knowledge.Chunk {
	return []knowledge.Chunk{
		{SourcePath: "a.go", Content: "func A() {}", TokenCount: 4, Symbol: "A"},
		{SourcePath: "b.md", Content: "notes", TokenCount: 2, Section: "Overview"},
	}
}

func TestGenerateReportEmptyProject(t *testing.T) {
	src := &fakeChunkSource{err: knowledge.ErrNotFound}
	tool, err := NewGeneratePDFReport(src, nil, t.TempDir(), log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{"project_id": "empty"})
	assert.Equal(t, agent.StatusError, res.Status)
	assert.Equal(t, "not_found", res.Error.Code)
}

func TestGenerateReportWritesLocalPDF(t *testing.T) {
	dir := t.TempDir()
	tool, err := NewGeneratePDFReport(&fakeChunkSource{chunks: reportChunks()}, nil, dir, log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{"project_id": "p1"})
	require.Equal(t, agent.StatusSuccess, res.Status)

	data := res.Data.(map[string]any)
	path := data["local_path"].(string)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
	assert.Equal(t, 2, data["chunks"])
}

func TestGenerateReportUploadFailureKeepsArtifact(t *testing.T) {
	dir := t.TempDir()
	tool, err := NewGeneratePDFReport(
		&fakeChunkSource{chunks: reportChunks()},
		&fakeUploader{err: errors.New("bucket unreachable")},
		dir, log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{"project_id": "p1"})
	require.Equal(t, agent.StatusSuccess, res.Status)

	data := res.Data.(map[string]any)
	assert.Contains(t, data["upload_error"], "bucket unreachable")
	if _, err := os.Stat(data["local_path"].(string)); err != nil {
		t.Errorf("local artifact missing: %v", err)
	}
}

func TestGenerateReportUploadSuccess(t *testing.T) {
	tool, err := NewGeneratePDFReport(
		&fakeChunkSource{chunks: reportChunks()},
		&fakeUploader{url: "gs://bucket/reports/p1/report.pdf"},
		t.TempDir(), log.NewNop())
	require.NoError(t, err)

	res := tool.Execute(context.Background(), map[string]any{"project_id": "p1"})
	require.Equal(t, agent.StatusSuccess, res.Status)
	data := res.Data.(map[string]any)
	assert.Equal(t, "gs://bucket/reports/p1/report.pdf", data["url"])
}
