package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Local stores objects as files under a root directory. The HTTP server
// exposes the same directory, so URLs are BaseURL + "/" + key.
type Local struct {
	root    string
	baseURL string
}

var _ ObjectStore = (*Local)(nil)

// NewLocal creates root (and the reports/ folder) if needed.
func NewLocal(root, baseURL string) (*Local, error) {
	if err := os.MkdirAll(filepath.Join(root, KeyPrefix), 0o755); err != nil {
		return nil, fmt.Errorf("storage: creating upload dir: %w", err)
	}
	return &Local{root: root, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// Root is the directory being served.
func (l *Local) Root() string { return l.root }

// Upload writes the body to a temp file and renames it into place, so a
// half-written upload is never visible under its final name.
func (l *Local) Upload(ctx context.Context, in UploadInput) (Object, error) {
	if err := ctx.Err(); err != nil {
		return Object{}, err
	}

	key := ObjectName(in.Filename)
	dst := filepath.Join(l.root, filepath.FromSlash(key))

	tmp, err := os.CreateTemp(filepath.Dir(dst), ".upload-*")
	if err != nil {
		return Object{}, fmt.Errorf("storage: creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, in.Body); err != nil {
		tmp.Close()
		return Object{}, fmt.Errorf("storage: writing %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return Object{}, fmt.Errorf("storage: closing %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return Object{}, fmt.Errorf("storage: moving %s into place: %w", key, err)
	}

	return Object{Key: key, URL: l.baseURL + "/" + key}, nil
}

// Delete removes the file. A missing file yields ErrObjectNotFound.
func (l *Local) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("storage: refusing to delete key %q", key)
	}

	err := os.Remove(filepath.Join(l.root, filepath.FromSlash(key)))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: deleting %s: %w", key, err)
	}
	return nil
}
