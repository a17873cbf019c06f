package storage

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// BlobDir owns a flat directory of byte files named by key
type BlobDir struct {
	root string
	ext  string
}

// NewBlobDir creates a blob directory rooted at root whose files carry ext
func NewBlobDir(root, ext string) *BlobDir {
	return &BlobDir{root: root, ext: ext}
}

// Root returns the directory path
func (b *BlobDir) Root() string {
	return b.root
}

// Ensure creates the directory if it does not exist
func (b *BlobDir) Ensure() error {
	if b.root == "" {
		return fmt.Errorf("blob directory cannot be empty")
	}
	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return fmt.Errorf("failed to create blob directory: %w", err)
	}
	return nil
}

// PathFor returns the file path for key
func (b *BlobDir) PathFor(key string) string {
	return filepath.Join(b.root, key+b.ext)
}

// Owns reports whether path is a blob inside this directory
func (b *BlobDir) Owns(path string) bool {
	return path != "" && filepath.Dir(filepath.Clean(path)) == filepath.Clean(b.root)
}

// OpenWriter opens path for appending at offset, truncating anything beyond
// it. If the file holds fewer than offset bytes it is reset to empty and the
// writer's Offset is zero.
func (b *BlobDir) OpenWriter(path string, offset int64) (*BlobWriter, error) {
	if !b.Owns(path) {
		return nil, fmt.Errorf("path %s is outside blob directory %s", path, b.root)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to stat blob: %w", err)
	}
	if offset < 0 || info.Size() < offset {
		offset = 0
	}

	if err := file.Truncate(offset); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to truncate blob: %w", err)
	}
	if _, err := file.Seek(offset, io.SeekStart); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to seek blob: %w", err)
	}

	return &BlobWriter{file: file, Offset: offset}, nil
}

// WriteAtomic streams r into a temporary file and renames it to the blob
// path for key, so the blob is either complete or absent
func (b *BlobDir) WriteAtomic(key string, r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(b.root, key+"-*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp blob: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	size, err := io.Copy(tmp, r)
	if err != nil {
		cleanup()
		return "", 0, fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("failed to sync blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to close blob: %w", err)
	}

	path := b.PathFor(key)
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return "", 0, fmt.Errorf("failed to commit blob: %w", err)
	}

	return path, size, nil
}

// Remove deletes the blob at path. Missing files are ignored.
func (b *BlobDir) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// Clear removes every file in the directory
func (b *BlobDir) Clear() error {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to list blob directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if err := b.Remove(filepath.Join(b.root, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Size returns the byte length of path and whether it exists
func (b *BlobDir) Size(path string) (int64, bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return info.Size(), true, nil
}

// Unreferenced lists files in the directory that are not in referenced,
// including temporary files left by an interrupted WriteAtomic
func (b *BlobDir) Unreferenced(referenced map[string]bool) ([]string, error) {
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list blob directory: %w", err)
	}

	var orphans []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, b.ext) && !strings.HasSuffix(name, ".tmp") {
			continue
		}
		path := filepath.Join(b.root, name)
		if !referenced[path] {
			orphans = append(orphans, path)
		}
	}
	return orphans, nil
}

// BlobWriter appends to a blob file from Offset
type BlobWriter struct {
	file   *os.File
	Offset int64
}

// Write appends p to the blob
func (w *BlobWriter) Write(p []byte) (int, error) {
	return w.file.Write(p)
}

// Sync flushes written bytes to stable storage
func (w *BlobWriter) Sync() error {
	return w.file.Sync()
}

// Close closes the underlying file
func (w *BlobWriter) Close() error {
	return w.file.Close()
}
