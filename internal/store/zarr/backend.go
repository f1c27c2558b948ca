// Package zarr implements the persistent N-D array container behind every
// ARRAY dataset: Zarr v2 directory-of-chunks layout with consolidated
// metadata, zstd-compressed little-endian float32 chunks, NaN fill values,
// append along the forecast-date axis, chunk-aligned region writes, and
// partial reads. The chunk key and metadata formats are exactly the Zarr v2
// on-disk contract, so stores written here can be sliced by any Zarr
// reader and vice versa.
package zarr

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"agromet/internal/store/object"
)

// ErrKeyNotFound is returned by backends for absent keys. A missing chunk
// key is not an error at the store level: it reads as fill value.
var ErrKeyNotFound = errors.New("zarr: key not found")

// Backend abstracts where a store's keys live: a local directory during
// ingestion, or the object store for reader access.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
}

// DirBackend stores keys as files under a root directory.
type DirBackend struct {
	Root string
}

// NewDirBackend creates the root directory if needed.
func NewDirBackend(root string) (*DirBackend, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &DirBackend{Root: root}, nil
}

func (b *DirBackend) path(key string) string {
	return filepath.Join(b.Root, filepath.FromSlash(key))
}

// Get reads the file for key.
func (b *DirBackend) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put writes the file for key, creating parent directories.
func (b *DirBackend) Put(_ context.Context, key string, data []byte) error {
	p := b.path(key)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// Delete removes the file for key. Missing keys are ignored.
func (b *DirBackend) Delete(_ context.Context, key string) error {
	err := os.Remove(b.path(key))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// ObjectBackend stores keys as objects under a base key in the object store.
type ObjectBackend struct {
	Store object.Store
	Base  string
}

func (b *ObjectBackend) key(key string) string {
	return strings.TrimSuffix(b.Base, "/") + "/" + key
}

// Get reads the object for key.
func (b *ObjectBackend) Get(ctx context.Context, key string) ([]byte, error) {
	rc, err := b.Store.Get(ctx, b.key(key))
	if err != nil {
		// Missing chunks are the normal sparse-store case.
		return nil, ErrKeyNotFound
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Put writes the object for key.
func (b *ObjectBackend) Put(ctx context.Context, key string, data []byte) error {
	return b.Store.Put(ctx, b.key(key), bytes.NewReader(data), int64(len(data)), "application/octet-stream")
}

// Delete removes the object for key.
func (b *ObjectBackend) Delete(ctx context.Context, key string) error {
	return b.Store.Remove(ctx, b.key(key))
}
