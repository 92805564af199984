// ABOUTME: Addressable blob storage for archived conversation logs
// ABOUTME: FSStore writes zstd-compressed files atomically under a root directory

package blob

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
)

// ErrNotFound is returned when no blob exists at a locator.
var ErrNotFound = errors.New("blob not found")

// Store persists blobs and returns an opaque locator for each.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (locator string, err error)
	Exists(ctx context.Context, locator string) (bool, error)
	Get(ctx context.Context, locator string) ([]byte, error)
}

const ext = ".zst"

// FSStore stores blobs as files below a root directory.
type FSStore struct {
	root   string
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	logger *slog.Logger
}

// NewFSStore creates the root directory if needed.
func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if root == "" {
		return nil, errors.New("blob root directory is required")
	}
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("creating blob root: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &FSStore{
		root:   root,
		enc:    enc,
		dec:    dec,
		logger: logger.With("component", "blob"),
	}, nil
}

// Put compresses data and writes it under key. The locator is the
// slash-separated relative path of the file.
func (s *FSStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	locator, err := cleanKey(key)
	if err != nil {
		return "", err
	}
	locator += ext
	path := filepath.Join(s.root, filepath.FromSlash(locator))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("creating blob dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("creating temp blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(s.enc.EncodeAll(data, nil)); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("writing blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("syncing blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("closing blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("committing blob: %w", err)
	}

	s.logger.Debug("blob stored", "locator", locator, "bytes", len(data))
	return locator, nil
}

// Exists reports whether a blob is present at locator.
func (s *FSStore) Exists(ctx context.Context, locator string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.path(locator)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat blob: %w", err)
	}
	return info.Mode().IsRegular(), nil
}

// Get reads and decompresses a blob.
func (s *FSStore) Get(ctx context.Context, locator string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := s.path(locator)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob: %w", err)
	}
	data, err := s.dec.DecodeAll(raw, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing blob: %w", err)
	}
	return data, nil
}

// Close releases the codec resources.
func (s *FSStore) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

func (s *FSStore) path(locator string) (string, error) {
	clean, err := cleanKey(locator)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(clean)), nil
}

// cleanKey rejects keys that would escape the root.
func cleanKey(key string) (string, error) {
	key = strings.Trim(strings.ReplaceAll(key, "\\", "/"), "/")
	if key == "" {
		return "", errors.New("empty blob key")
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return "", fmt.Errorf("invalid blob key %q", key)
		}
	}
	return key, nil
}

var _ Store = (*FSStore)(nil)
