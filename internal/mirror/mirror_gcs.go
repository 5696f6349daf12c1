package mirror

import (
	"context"
	"fmt"
	"io"
	"os"

	"cloud.google.com/go/storage"

	"ducksearch/internal/config"
)

// gcsUploader uploads artifacts to a Google Cloud Storage bucket using
// application-default credentials or a service account key file.
type gcsUploader struct {
	client *storage.Client
	bucket string
}

func newGCSUploader(cfg config.ArtifactMirrorConfig) (*gcsUploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("gcs mirror requires bucket")
	}

	client, err := storage.NewClient(context.Background())
	if err != nil {
		return nil, fmt.Errorf("create GCS client: %w", err)
	}

	return &gcsUploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *gcsUploader) upload(ctx context.Context, key string, body *os.File, size int64) error {
	w := u.client.Bucket(u.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := io.Copy(w, body); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs write object %q/%q: %w", u.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs close object %q/%q: %w", u.bucket, key, err)
	}
	return nil
}
