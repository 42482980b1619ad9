package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures the Google Cloud Storage backend.
type GCSConfig struct {
	Bucket string
	// CredentialsFile is a service-account JSON key. Empty means Application
	// Default Credentials.
	CredentialsFile string
	// PublicBaseURL overrides https://storage.googleapis.com/<bucket> (e.g. a CDN).
	PublicBaseURL string
}

// GCS stores objects in a Google Cloud Storage bucket.
type GCS struct {
	client  *gcs.Client
	bucket  string
	baseURL string
	logger  *slog.Logger
}

var _ ObjectStore = (*GCS)(nil)

// NewGCS creates the client and checks the bucket is reachable, so a bad
// bucket name fails at startup instead of on the first upload.
func NewGCS(ctx context.Context, cfg GCSConfig, logger *slog.Logger) (*GCS, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("storage: GCS bucket is required")
	}

	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("storage: creating GCS client: %w", err)
	}

	if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("storage: accessing bucket %s: %w", cfg.Bucket, err)
	}

	baseURL := strings.TrimRight(cfg.PublicBaseURL, "/")
	if baseURL == "" {
		baseURL = "https://storage.googleapis.com/" + cfg.Bucket
	}

	logger.Info("GCS bucket ready", slog.String("bucket", cfg.Bucket))
	return &GCS{client: client, bucket: cfg.Bucket, baseURL: baseURL, logger: logger}, nil
}

// Upload streams the body into a new object.
func (g *GCS) Upload(ctx context.Context, in UploadInput) (Object, error) {
	key := ObjectName(in.Filename)

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = in.ContentType
	if w.ContentType == "" {
		w.ContentType = "image/jpeg"
	}

	if _, err := io.Copy(w, in.Body); err != nil {
		w.Close()
		return Object{}, fmt.Errorf("storage: writing %s: %w", key, err)
	}
	// The object only exists once Close succeeds.
	if err := w.Close(); err != nil {
		return Object{}, fmt.Errorf("storage: finalising %s: %w", key, err)
	}

	g.logger.Debug("object uploaded", slog.String("key", key))
	return Object{Key: key, URL: g.baseURL + "/" + key}, nil
}

// Delete removes the object. A missing object yields ErrObjectNotFound.
func (g *GCS) Delete(ctx context.Context, key string) error {
	if !validKey(key) {
		return fmt.Errorf("storage: refusing to delete key %q", key)
	}
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, gcs.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: deleting %s: %w", key, err)
	}
	return nil
}

// Close releases the client.
func (g *GCS) Close() error {
	return g.client.Close()
}
