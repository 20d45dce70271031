package archive

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSProvider implements Provider on a Google Cloud Storage bucket.
// Authentication is handled via Application Default Credentials.
type GCSProvider struct {
	client *storage.Client
	bucket string
}

// NewGCSProvider initializes a GCS client and verifies the bucket is
// reachable, failing fast on startup misconfiguration.
func NewGCSProvider(ctx context.Context, bucket string) (*GCSProvider, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("create gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		closeErr := client.Close()
		if closeErr != nil {
			return nil, fmt.Errorf("check bucket %q: %w (close client: %v)", bucket, err, closeErr)
		}
		return nil, fmt.Errorf("check bucket %q: %w", bucket, err)
	}
	return &GCSProvider{client: client, bucket: bucket}, nil
}

// Save uploads the script blob; Close on the writer finalizes the upload.
func (g *GCSProvider) Save(ctx context.Context, objectName string, data []byte) error {
	wc := g.client.Bucket(g.bucket).Object(objectName).NewWriter(ctx)
	wc.ContentType = "text/javascript"
	if _, err := wc.Write(data); err != nil {
		_ = wc.Close()
		return fmt.Errorf("write gcs object %s: %w", objectName, err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("close gcs writer for %s: %w", objectName, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSProvider) Close() error {
	if err := g.client.Close(); err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}
