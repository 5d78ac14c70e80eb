// Package gcs implements the blob store on Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	// PublicBaseURL overrides the returned reference base, for buckets
	// served through a CDN. Empty means the standard
	// storage.googleapis.com form.
	PublicBaseURL string
}

// BlobStore writes page images to a GCS bucket and returns their
// public URL.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New wraps an existing client. Authentication is handled by
// Application Default Credentials when the client was built with
// storage.NewClient.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// Open creates a client, verifies the bucket is reachable, and returns
// the store. Failing here aborts startup rather than the first upload.
func Open(ctx context.Context, cfg Config) (*BlobStore, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("bucket %s attrs: %w", cfg.Bucket, err)
	}
	return New(client, cfg)
}

// Put uploads data under key and returns the object's public URL.
func (b *BlobStore) Put(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}

	w := b.client.Bucket(b.cfg.Bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		w.ContentType = contentType
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		if closeErr := w.Close(); closeErr != nil {
			return "", fmt.Errorf("upload %s: %w (close writer: %v)", key, err, closeErr)
		}
		return "", fmt.Errorf("upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer for %s: %w", key, err)
	}

	if b.cfg.PublicBaseURL != "" {
		return fmt.Sprintf("%s/%s", b.cfg.PublicBaseURL, key), nil
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", b.cfg.Bucket, key), nil
}

// Close releases the underlying client.
func (b *BlobStore) Close() error {
	return b.client.Close()
}
