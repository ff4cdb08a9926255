package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileStore keeps blobs as files under a root directory, one file per key
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed
func NewFileStore(dir string) (*FileStore, error) {
	root, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve blob directory: %w", err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory: %w", err)
	}
	return &FileStore{root: root}, nil
}

// path maps a key to a file below the root, refusing keys that escape it
func (f *FileStore) path(key string) (string, error) {
	p := filepath.Join(f.root, filepath.FromSlash(key))
	if p == f.root || !strings.HasPrefix(p, f.root+string(filepath.Separator)) {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return p, nil
}

// Put writes data to a temporary file and moves it into place, so readers
// never see a partial blob. With overwrite=false the move is a hard link,
// which fails when the key already exists.
func (f *FileStore) Put(ctx context.Context, key string, data []byte, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p, err := f.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write blob %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync blob %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close blob %s: %w", key, err)
	}

	if overwrite {
		if err := os.Rename(tmpName, p); err != nil {
			return fmt.Errorf("failed to store blob %s: %w", key, err)
		}
		return nil
	}
	if err := os.Link(tmpName, p); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to store blob %s: %w", key, err)
	}
	return nil
}

// Get reads the file stored under key
func (f *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read blob %s: %w", key, err)
	}
	return data, nil
}

// Exists reports whether a file is stored under key
func (f *FileStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := f.path(key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob %s: %w", key, err)
	}
	return info.Mode().IsRegular(), nil
}
