// Package gcs stores state in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/terragrid-io/terragrid/pkg/backend"
)

func init() {
	backend.Register("gcs", New)
}

// Backend stores state objects in one GCS bucket.
type Backend struct {
	client *storage.Client
	bucket string
	cfg    backend.Config
}

// New creates a GCS backend. Required: bucket. Optional: prefix,
// project (needed only when the bucket must be created), credentials
// (a service account file path), credentials_json (inline key),
// location, kms_key_name, log_bucket, and endpoint for emulators.
func New(ctx context.Context, cfg backend.Config) (backend.Backend, error) {
	if cfg["bucket"] == "" {
		return nil, fmt.Errorf("gcs backend requires a bucket")
	}

	var opts []option.ClientOption
	if creds := cfg["credentials"]; creds != "" {
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	if creds := cfg["credentials_json"]; creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	if ep := cfg["endpoint"]; ep != "" {
		opts = append(opts, option.WithEndpoint(ep), option.WithoutAuthentication())
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	return &Backend{client: client, bucket: cfg["bucket"], cfg: cfg}, nil
}

func (b *Backend) Name() string { return "gcs" }

// Bootstrap creates the bucket when it does not exist, with versioning
// and uniform bucket-level access enabled. An existing bucket is left
// exactly as configured.
func (b *Backend) Bootstrap(ctx context.Context) error {
	handle := b.client.Bucket(b.bucket)
	if _, err := handle.Attrs(ctx); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrBucketNotExist) {
		return fmt.Errorf("checking bucket %s: %w", b.bucket, err)
	}

	project := b.cfg["project"]
	if project == "" {
		return fmt.Errorf("gcs backend requires a project to create bucket %s", b.bucket)
	}
	attrs := &storage.BucketAttrs{
		Location:                 b.cfg["location"],
		VersioningEnabled:        !b.cfg.Bool("skip_bucket_versioning"),
		UniformBucketLevelAccess: storage.UniformBucketLevelAccess{Enabled: true},
	}
	if key := b.cfg["kms_key_name"]; key != "" {
		attrs.Encryption = &storage.BucketEncryption{DefaultKMSKeyName: key}
	}
	if lb := b.cfg["log_bucket"]; lb != "" {
		attrs.Logging = &storage.BucketLogging{LogBucket: lb}
	}
	if err := handle.Create(ctx, project, attrs); err != nil {
		return fmt.Errorf("creating bucket %s: %w", b.bucket, err)
	}
	return nil
}

// Versioned reports whether object versioning is enabled on the bucket.
func (b *Backend) Versioned(ctx context.Context) (bool, error) {
	attrs, err := b.client.Bucket(b.bucket).Attrs(ctx)
	if err != nil {
		return false, fmt.Errorf("checking bucket %s: %w", b.bucket, err)
	}
	return attrs.VersioningEnabled, nil
}

func (b *Backend) ReadState(ctx context.Context, key string) ([]byte, error) {
	r, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, backend.ErrStateNotFound
		}
		return nil, fmt.Errorf("reading gs://%s/%s: %w", b.bucket, key, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *Backend) WriteState(ctx context.Context, key string, data []byte) error {
	w := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("writing gs://%s/%s: %w", b.bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing gs://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Backend) DeleteState(ctx context.Context, key string) error {
	err := b.client.Bucket(b.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("deleting gs://%s/%s: %w", b.bucket, key, err)
	}
	return nil
}

func (b *Backend) Close() error { return b.client.Close() }

var _ backend.Backend = (*Backend)(nil)
