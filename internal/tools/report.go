package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"

	"github.com/quarrylabs/quarry/internal/agent"
	"github.com/quarrylabs/quarry/internal/knowledge"
)

// ChunkSource supplies a project's full chunk set for rendering.
// *knowledge.Store satisfies it.
type ChunkSource interface {
	ProjectChunks(ctx context.Context, projectID string) ([]knowledge.Chunk, error)
}

// Uploader pushes a report to object storage. *storage.Client satisfies
// it; nil disables uploads.
type Uploader interface {
	Upload(ctx context.Context, localPath, objectName string) (string, error)
}

// GeneratePDFReport renders a project's chunks into a paginated PDF and
// optionally uploads it. The local artifact is written first and its
// path is always part of a successful Result: a failed upload degrades
// to a note, it never loses the report.
type GeneratePDFReport struct {
	source    ChunkSource
	uploader  Uploader
	reportDir string
	logger    *slog.Logger
}

// NewGeneratePDFReport creates the report tool.
func NewGeneratePDFReport(source ChunkSource, uploader Uploader, reportDir string, logger *slog.Logger) (*GeneratePDFReport, error) {
	if source == nil {
		return nil, fmt.Errorf("chunk source is required")
	}
	if reportDir == "" {
		return nil, fmt.Errorf("report directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GeneratePDFReport{
		source:    source,
		uploader:  uploader,
		reportDir: reportDir,
		logger:    logger,
	}, nil
}

// Name implements agent.Tool.
func (t *GeneratePDFReport) Name() string { return "generate_pdf_report" }

// Description implements agent.Tool.
func (t *GeneratePDFReport) Description() string {
	return "Generate a PDF report of a project's ingested content. " +
		"Input: project_id (required), title."
}

// Execute implements agent.Tool.
func (t *GeneratePDFReport) Execute(ctx context.Context, input map[string]any) agent.Result {
	projectID := stringArg(input, "project_id")
	if projectID == "" {
		return agent.Failure("invalid_input", "project_id is required")
	}
	title := stringArg(input, "title")
	if title == "" {
		title = "Project Report: " + projectID
	}

	chunks, err := t.source.ProjectChunks(ctx, projectID)
	if err != nil {
		if errors.Is(err, knowledge.ErrNotFound) {
			return agent.Failuref("not_found", "project %q has no ingested content", projectID)
		}
		return agent.Failuref("store_failed", "loading project chunks: %v", err)
	}

	localPath, err := t.render(projectID, title, chunks)
	if err != nil {
		return agent.Failuref("render_failed", "rendering report: %v", err)
	}

	data := map[string]any{
		"local_path": localPath,
		"chunks":     len(chunks),
	}

	if t.uploader != nil {
		objectName := fmt.Sprintf("reports/%s/%s", projectID, filepath.Base(localPath))
		url, err := t.uploader.Upload(ctx, localPath, objectName)
		if err != nil {
			// The artifact exists locally; report the upload failure
			// without discarding it.
			t.logger.Warn("report upload failed, keeping local artifact",
				"path", localPath, "error", err)
			data["upload_error"] = err.Error()
		} else {
			data["url"] = url
		}
	}

	t.logger.Info("report generated", "project_id", projectID, "path", localPath)
	return agent.Success(data)
}

// render writes the PDF artifact and returns its path.
func (t *GeneratePDFReport) render(projectID, title string, chunks []knowledge.Chunk) (string, error) {
	if err := os.MkdirAll(t.reportDir, 0o750); err != nil {
		return "", fmt.Errorf("creating report directory: %w", err)
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(title, true)
	pdf.SetAutoPageBreak(true, 15)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.MultiCell(0, 10, title, "", "L", false)
	pdf.SetFont("Helvetica", "", 9)
	pdf.MultiCell(0, 5, fmt.Sprintf("Generated %s - %d chunks",
		time.Now().Format(time.RFC1123), len(chunks)), "", "L", false)
	pdf.Ln(4)

	// Chunks arrive ordered by source path; emit a file header at each
	// path change.
	lastPath := ""
	for _, ch := range chunks {
		if ch.SourcePath != lastPath {
			lastPath = ch.SourcePath
			pdf.Ln(3)
			pdf.SetFont("Helvetica", "B", 12)
			pdf.MultiCell(0, 7, ch.SourcePath, "", "L", false)
		}

		pdf.SetFont("Helvetica", "I", 8)
		pdf.MultiCell(0, 4, chunkHeading(ch), "", "L", false)
		pdf.SetFont("Courier", "", 8)
		pdf.MultiCell(0, 4, ch.Content, "", "L", false)
		pdf.Ln(2)
	}

	name := fmt.Sprintf("%s-%s.pdf", sanitizeName(projectID), time.Now().Format("20060102-150405"))
	path := filepath.Join(t.reportDir, name)
	if err := pdf.OutputFileAndClose(path); err != nil {
		return "", fmt.Errorf("writing PDF: %w", err)
	}
	return path, nil
}

// chunkHeading summarizes a chunk's metadata line in the report.
func chunkHeading(ch knowledge.Chunk) string {
	h := fmt.Sprintf("%d tokens", ch.TokenCount)
	if ch.Symbol != "" {
		h = ch.Symbol + " - " + h
	} else if ch.Section != "" {
		h = ch.Section + " - " + h
	}
	if ch.Page > 0 {
		h += fmt.Sprintf(" (page %d)", ch.Page)
	}
	if ch.PartTotal > 0 {
		h += fmt.Sprintf(" [part %d/%d]", ch.PartIndex, ch.PartTotal)
	}
	return h
}

// sanitizeName keeps file names portable.
func sanitizeName(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
