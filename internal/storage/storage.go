// Package storage provides the Google Cloud Storage client used for
// report uploads and gs:// ingestion sources.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

// opTimeout bounds a single object operation.
const opTimeout = 2 * time.Minute

// Client wraps the GCS SDK client. Methods take an explicit bucket so
// one client serves both the configured report bucket and arbitrary
// gs:// ingestion URIs.
type Client struct {
	gcs    *gcs.Client
	logger *slog.Logger
}

// New creates a Client using ambient Google credentials.
func New(ctx context.Context, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := gcs.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating storage client: %w", err)
	}
	return &Client{gcs: c, logger: logger}, nil
}

// Close releases the underlying connections.
func (c *Client) Close() error {
	return c.gcs.Close()
}

// UploadFile copies a local file to bucket/object and returns its gs://
// URL.
func (c *Client) UploadFile(ctx context.Context, bucket, object, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	w := c.gcs.Bucket(bucket).Object(object).NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading to gs://%s/%s: %w", bucket, object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing gs://%s/%s: %w", bucket, object, err)
	}

	c.logger.Debug("object uploaded", "bucket", bucket, "object", object)
	return fmt.Sprintf("gs://%s/%s", bucket, object), nil
}

// DownloadFile copies bucket/object to destPath.
func (c *Client) DownloadFile(ctx context.Context, bucket, object, destPath string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	r, err := c.gcs.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("opening gs://%s/%s: %w", bucket, object, err)
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o750); err != nil {
		return fmt.Errorf("creating destination directory: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("creating %s: %w", destPath, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("downloading gs://%s/%s: %w", bucket, object, err)
	}
	c.logger.Debug("object downloaded", "bucket", bucket, "object", object, "dest", destPath)
	return nil
}

// BucketUploader binds a Client to one bucket, satisfying the report
// tool's Uploader interface.
type BucketUploader struct {
	client *Client
	bucket string
}

// NewBucketUploader creates an uploader for bucket.
func NewBucketUploader(client *Client, bucket string) (*BucketUploader, error) {
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket is required")
	}
	return &BucketUploader{client: client, bucket: bucket}, nil
}

// Upload implements the report tool's Uploader.
func (u *BucketUploader) Upload(ctx context.Context, localPath, objectName string) (string, error) {
	return u.client.UploadFile(ctx, u.bucket, objectName, localPath)
}

// ParseGSURI splits a gs://bucket/object URI.
func ParseGSURI(raw string) (bucket, object string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("parsing %q: %w", raw, err)
	}
	if u.Scheme != "gs" || u.Host == "" {
		return "", "", fmt.Errorf("not a gs:// URI: %q", raw)
	}
	object = strings.TrimPrefix(u.Path, "/")
	if object == "" {
		return "", "", fmt.Errorf("gs:// URI %q has no object path", raw)
	}
	return u.Host, object, nil
}
