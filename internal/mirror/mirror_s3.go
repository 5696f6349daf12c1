package mirror

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"ducksearch/internal/config"
)

// s3Uploader uploads artifacts to S3-compatible object storage (AWS,
// Hetzner, MinIO, ...) using path-style addressing.
type s3Uploader struct {
	client *s3.Client
	bucket string
}

func newS3Uploader(cfg config.ArtifactMirrorConfig) (*s3Uploader, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 mirror requires bucket")
	}

	keyID := os.Getenv("DUCKSEARCH_S3_KEY_ID")
	secret := os.Getenv("DUCKSEARCH_S3_SECRET")
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("s3 mirror requires DUCKSEARCH_S3_KEY_ID and DUCKSEARCH_S3_SECRET")
	}

	opts := s3.Options{
		Region: cfg.Region,
		Credentials: credentials.NewStaticCredentialsProvider(
			keyID, secret, "",
		),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(fmt.Sprintf("https://%s", cfg.Endpoint))
	}

	return &s3Uploader{
		client: s3.New(opts),
		bucket: cfg.Bucket,
	}, nil
}

func (u *s3Uploader) upload(ctx context.Context, key string, body *os.File, size int64) error {
	_, err := u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          body,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("s3 PutObject %q/%q: %w", u.bucket, key, err)
	}
	return nil
}
