package payload

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

const (
	shardPrefixLen = 2
	dirPerm        = 0o750
	filePerm       = 0o600
)

// Compile-time interface assertion.
var _ Store = (*FilesystemStore)(nil)

// FilesystemStore stores payloads as files under a base directory, sharded
// by the first two hash characters to keep directory fan-out bounded.
// Layout: <base>/<hash[:2]>/<hash>.json
type FilesystemStore struct {
	basePath  string
	retention time.Duration
}

// NewFilesystemStore creates the base directory if needed. A zero retention
// disables pruning.
func NewFilesystemStore(basePath string, retention time.Duration) (*FilesystemStore, error) {
	if err := os.MkdirAll(basePath, dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create payload directory: %w", err)
	}

	return &FilesystemStore{basePath: basePath, retention: retention}, nil
}

// Put stores payload bytes under their content hash.
func (s *FilesystemStore) Put(_ context.Context, hash string, data []byte) error {
	if hash == "" {
		return ErrEmptyHash
	}

	dir := filepath.Join(s.basePath, shard(hash))
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("failed to create payload shard: %w", err)
	}

	path := filepath.Join(dir, hash+".json")

	// Content-addressed writes are idempotent; an existing file already
	// holds identical bytes.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	if err := os.WriteFile(path, data, filePerm); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

// Get returns the payload for a hash.
func (s *FilesystemStore) Get(_ context.Context, hash string) ([]byte, error) {
	if hash == "" {
		return nil, ErrEmptyHash
	}

	data, err := os.ReadFile(filepath.Join(s.basePath, shard(hash), hash+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrPayloadNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read payload: %w", err)
	}

	return data, nil
}

// Exists reports whether a payload file is present.
func (s *FilesystemStore) Exists(_ context.Context, hash string) (bool, error) {
	if hash == "" {
		return false, ErrEmptyHash
	}

	_, err := os.Stat(filepath.Join(s.basePath, shard(hash), hash+".json"))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}

	if err != nil {
		return false, fmt.Errorf("failed to stat payload: %w", err)
	}

	return true, nil
}

// Prune removes payload files older than the retention window. Returns the
// number of files removed. A zero retention makes Prune a no-op.
func (s *FilesystemStore) Prune(_ context.Context) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().Add(-s.retention)
	removed := 0

	err := filepath.WalkDir(s.basePath, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				return err
			}

			removed++
		}

		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to prune payloads: %w", err)
	}

	return removed, nil
}

// Close is a no-op for the filesystem store.
func (s *FilesystemStore) Close() error {
	return nil
}

func shard(hash string) string {
	if len(hash) < shardPrefixLen {
		return hash
	}

	return hash[:shardPrefixLen]
}
