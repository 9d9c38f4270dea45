package chunker

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// ErrPDFToTextMissing indicates the pdftotext binary is not installed.
var ErrPDFToTextMissing = errors.New("pdftotext binary not found in PATH")

// CommandRunner abstracts subprocess execution so PDF extraction can be
// tested without poppler installed.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes the command and returns its stdout.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// ExtractPDF converts a PDF file to plain text using pdftotext. Pages are
// separated by form feeds, which chunkDocument turns into page metadata.
func ExtractPDF(ctx context.Context, runner CommandRunner, path string) (string, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	out, err := runner.Run(ctx, "pdftotext", "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("extracting %s: %w", path, ErrPDFToTextMissing)
		}
		return "", fmt.Errorf("extracting %s: %w", path, err)
	}
	return string(out), nil
}
