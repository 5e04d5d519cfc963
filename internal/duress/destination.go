package duress

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Destination receives a backup before a wipe.
type Destination interface {
	Name() string
	Deliver(ctx context.Context, objectName string, data []byte) error
}

// DirDestination writes backups into a local directory, such as removable media.
type DirDestination struct {
	Dir string
}

// Name implements Destination.
func (d DirDestination) Name() string { return "dir:" + d.Dir }

// Deliver writes data to Dir/objectName through a temp file and rename.
func (d DirDestination) Deliver(ctx context.Context, objectName string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(d.Dir, 0o700); err != nil {
		return fmt.Errorf("create backup directory: %w", err)
	}
	tmp, err := os.CreateTemp(d.Dir, ".backup-*")
	if err != nil {
		return fmt.Errorf("create temp backup: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write backup: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close backup: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(d.Dir, objectName)); err != nil {
		return fmt.Errorf("rename backup: %w", err)
	}
	return nil
}

// WebhookDestination posts backups to an HTTP endpoint.
type WebhookDestination struct {
	URL    string
	Client *http.Client
}

// NewWebhookDestination returns a webhook destination with a bounded client timeout.
func NewWebhookDestination(url string) *WebhookDestination {
	return &WebhookDestination{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

// Name implements Destination.
func (w *WebhookDestination) Name() string { return "webhook:" + w.URL }

// Deliver POSTs data as JSON. Any non-2xx status is a failure.
func (w *WebhookDestination) Deliver(ctx context.Context, objectName string, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Backup-Name", objectName)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook post: unexpected status %s", resp.Status)
	}
	return nil
}

// bucketStore is the part of *minio.Client a backup upload needs.
type bucketStore interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

var _ bucketStore = (*minio.Client)(nil)

// MinioDestination uploads backups to an S3-compatible bucket.
type MinioDestination struct {
	api      bucketStore
	endpoint string
	bucket   string
}

// NewMinioDestination builds a client for endpoint. No network call is made until Deliver.
func NewMinioDestination(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioDestination, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}
	return newMinioDestinationWithStore(client, endpoint, bucket), nil
}

func newMinioDestinationWithStore(api bucketStore, endpoint, bucket string) *MinioDestination {
	return &MinioDestination{api: api, endpoint: endpoint, bucket: bucket}
}

// Name implements Destination.
func (m *MinioDestination) Name() string { return "minio:" + m.endpoint + "/" + m.bucket }

// Deliver ensures the bucket exists and uploads data as objectName.
func (m *MinioDestination) Deliver(ctx context.Context, objectName string, data []byte) error {
	exists, err := m.api.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := m.api.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}

	_, err = m.api.PutObject(ctx, m.bucket, objectName, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to upload object: %w", err)
	}
	return nil
}
