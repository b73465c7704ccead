// Package blob stores image bytes on the local filesystem: one file per
// image, named "<id>.<ext>", under a root directory created on first use.
// Per-file operations are serialized by unique ids, so the store carries
// no internal locking of its own.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// LocalFS is a content-addressable-by-id filesystem blob store rooted at a
// configured directory.
type LocalFS struct {
	Root string

	once sync.Once
}

func (l *LocalFS) ensureRoot() error {
	var err error
	l.once.Do(func() {
		err = os.MkdirAll(l.Root, 0o755)
	})
	return err
}

// pathFor returns the absolute path for an id/ext pair, following the
// "<storage>/<id>.<ext>" naming convention.
func (l *LocalFS) pathFor(id, ext string) string {
	name := id
	if ext != "" {
		name = fmt.Sprintf("%s.%s", id, ext)
	}
	return filepath.Join(l.Root, name)
}

// Write stores bytes under "<id>.<ext>" and returns the absolute path.
func (l *LocalFS) Write(id, ext string, data []byte) (string, error) {
	if err := l.ensureRoot(); err != nil {
		return "", fmt.Errorf("blob: create root: %w", err)
	}
	abs := l.pathFor(id, ext)
	if err := os.WriteFile(abs, data, 0o644); err != nil {
		return "", fmt.Errorf("blob: write %s: %w", abs, err)
	}
	return abs, nil
}

// MoveIn relocates a file already on disk (e.g. a caller's temp upload)
// into the store under "<id>.<ext>". It renames first; on a cross-device
// error (EXDEV) it falls back to copy-then-unlink.
func (l *LocalFS) MoveIn(id, ext, srcPath string) (string, error) {
	if err := l.ensureRoot(); err != nil {
		return "", fmt.Errorf("blob: create root: %w", err)
	}
	abs := l.pathFor(id, ext)

	if err := os.Rename(srcPath, abs); err == nil {
		return abs, nil
	}

	// Rename failed, most commonly because srcPath and the store live on
	// different filesystems (EXDEV). Fall back to copy-then-unlink.
	if err := copyThenUnlink(srcPath, abs); err != nil {
		return "", fmt.Errorf("blob: move %s into store: %w", srcPath, err)
	}
	return abs, nil
}

func copyThenUnlink(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(srcPath)
}

// Read returns the full contents of the file at path.
func (l *LocalFS) Read(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("blob: read %s: %w", path, err)
	}
	return data, nil
}

// Delete removes the file at path. Missing files are not an error.
func (l *LocalFS) Delete(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("blob: delete %s: %w", path, err)
	}
	return nil
}

// Exists reports whether a file exists at path.
func (l *LocalFS) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
