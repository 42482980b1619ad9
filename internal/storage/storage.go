// Package storage uploads report photos to an object store and deletes them
// again when a report insert has to be compensated.
//
// Two backends implement ObjectStore:
//   - GCS: a Google Cloud Storage bucket (production)
//   - Local: a directory on disk, served by the HTTP server under /uploads/
//
// Object names are "reports/<uuid>.<ext>" so uploads never collide and the
// original filename (which the client controls) never reaches the bucket.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/sakif/civic-reports/internal/apperror"
)

// MaxImageBytes is the largest photo a client may upload (10 MiB).
const MaxImageBytes = 10 << 20

// KeyPrefix is the folder every report photo is stored under.
const KeyPrefix = "reports"

// ErrObjectNotFound is returned by Delete when the object does not exist.
var ErrObjectNotFound = errors.New("storage: object not found")

// UploadInput is one file to store.
type UploadInput struct {
	Filename    string
	ContentType string
	Body        io.Reader
}

// Object identifies a stored file. Key is what Delete needs; URL is what
// clients load.
type Object struct {
	Key string
	URL string
}

// ObjectStore is the capability the report service needs from a blob store.
type ObjectStore interface {
	Upload(ctx context.Context, in UploadInput) (Object, error)
	Delete(ctx context.Context, key string) error
}

// ValidateImage enforces the upload rules at the boundary: the declared
// content type must be image/* and the size must not exceed MaxImageBytes.
func ValidateImage(contentType string, size int64) error {
	if !strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/") {
		return apperror.ValidationFailed("image", "file must be an image")
	}
	if size > MaxImageBytes {
		return apperror.ValidationFailed("image",
			fmt.Sprintf("image must be %d MB or smaller", MaxImageBytes>>20))
	}
	if size == 0 {
		return apperror.ValidationFailed("image", "image is empty")
	}
	return nil
}

// ObjectName builds a fresh key for filename. The extension is taken from
// the filename (lower-cased) and defaults to "jpg".
func ObjectName(filename string) string {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(filename), "."))
	if ext == "" || strings.ContainsAny(ext, `/\`) || len(ext) > 8 {
		ext = "jpg"
	}
	return fmt.Sprintf("%s/%s.%s", KeyPrefix, uuid.NewString(), ext)
}

// validKey rejects keys that could escape the prefix. Delete is called with
// keys read back from the database, but a local backend must never be
// tricked into removing arbitrary files.
func validKey(key string) bool {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return false
	}
	return strings.HasPrefix(key, KeyPrefix+"/")
}
