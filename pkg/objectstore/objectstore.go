// Package objectstore keeps uploaded file bytes on local disk under a base
// directory and hands back the public URL each object is served from.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidKey = errors.New("invalid object key")
	ErrNotFound   = errors.New("object not found")
)

type StoreConfig struct {
	Dir           string
	PublicBaseURL string
}

type DiskStore struct {
	config StoreConfig
}

func NewWithConfig(config StoreConfig) (*DiskStore, error) {
	if config.Dir == "" {
		config.Dir = "data/objects"
	}
	if config.PublicBaseURL == "" {
		config.PublicBaseURL = "/files"
	}
	config.PublicBaseURL = strings.TrimSuffix(config.PublicBaseURL, "/")

	if err := os.MkdirAll(config.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &DiskStore{config: config}, nil
}

// Put writes content under key and returns its public URL. Writes go to a
// temporary file first so readers never observe a partial object.
func (s *DiskStore) Put(ctx context.Context, key string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	clean, err := cleanKey(key)
	if err != nil {
		return "", err
	}

	dest := filepath.Join(s.config.Dir, filepath.FromSlash(clean))
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create object directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write object %s: %w", clean, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close object %s: %w", clean, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return "", fmt.Errorf("failed to commit object %s: %w", clean, err)
	}

	return s.URL(clean), nil
}

func (s *DiskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	clean, err := cleanKey(key)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(filepath.Join(s.config.Dir, filepath.FromSlash(clean)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, clean)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s: %w", clean, err)
	}
	return data, nil
}

// URL joins the public base with an escaped key.
func (s *DiskStore) URL(key string) string {
	parts := strings.Split(key, "/")
	for i, part := range parts {
		parts[i] = url.PathEscape(part)
	}
	return s.config.PublicBaseURL + "/" + strings.Join(parts, "/")
}

// Dir is the directory objects are written under, for serving them back.
func (s *DiskStore) Dir() string {
	return s.config.Dir
}

func cleanKey(key string) (string, error) {
	key = strings.ReplaceAll(key, "\\", "/")
	if strings.TrimSpace(key) == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	clean := path.Clean(key)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return clean, nil
}
