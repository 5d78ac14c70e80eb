// Package local implements the blob store on the local filesystem.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobStore writes objects under a base directory. The returned
// reference is the key, a path relative to the base directory.
type BlobStore struct {
	baseDir string
	logger  *zap.Logger
}

// New creates the store and its base directory.
func New(baseDir string, logger *zap.Logger) (*BlobStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir %s: %w", baseDir, err)
	}
	return &BlobStore{baseDir: baseDir, logger: logger}, nil
}

// Put writes data under key. Keys must stay inside the base directory;
// anything escaping it is rejected.
func (b *BlobStore) Put(ctx context.Context, key string, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := b.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", key, err)
	}

	// Write to a temp file first so a crash never leaves a truncated
	// object at the final key.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("rename %s: %w", key, err)
	}

	b.logger.Debug("stored blob", zap.String("key", key), zap.Int("bytes", len(data)))
	return key, nil
}

func (b *BlobStore) resolve(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("empty key")
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes base directory", key)
	}
	return filepath.Join(b.baseDir, cleaned), nil
}
