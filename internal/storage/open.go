package storage

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/withObsrvr/obsrvr-command-router/internal/config"
)

// NewStore opens the configured backend.
func NewStore(ctx context.Context, cfg config.StorageConfig) (Store, error) {
	switch cfg.Backend {
	case "mem", "":
		return NewMemStore(cfg.Prefix), nil
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs", "s3":
		u, err := bucketURL(cfg)
		if err != nil {
			return nil, err
		}
		bucket, err := blob.OpenBucket(ctx, u)
		if err != nil {
			return nil, fmt.Errorf("open %s bucket %s: %w", cfg.Backend, cfg.Bucket, err)
		}
		base := map[string]string{"gcs": "gs://", "s3": "s3://"}[cfg.Backend] + cfg.Bucket
		log.Printf("[storage] opened %s", base)
		return newBlobStore(bucket, cfg.Backend, cfg.Prefix, base), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// bucketURL builds the gocloud URL for a remote bucket. S3 endpoints such as
// MinIO or R2 need path-style addressing.
func bucketURL(cfg config.StorageConfig) (string, error) {
	if cfg.Bucket == "" {
		return "", fmt.Errorf("bucket required for %s backend", cfg.Backend)
	}
	if cfg.Backend == "gcs" {
		return "gs://" + cfg.Bucket, nil
	}

	params := url.Values{}
	if cfg.S3Region != "" {
		params.Set("region", cfg.S3Region)
	}
	if cfg.S3Endpoint != "" {
		params.Set("endpoint", cfg.S3Endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	u := "s3://" + cfg.Bucket
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	return u, nil
}

// NewLocalStore opens a directory on the local filesystem, creating it.
func NewLocalStore(baseDir, prefix string) (*BlobStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", baseDir, err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create %s: %w", abs, err)
	}
	bucket, err := fileblob.OpenBucket(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open local bucket %s: %w", abs, err)
	}
	return newBlobStore(bucket, "local", prefix, "file://"+filepath.ToSlash(abs)), nil
}

// NewMemStore returns an in-memory store.
func NewMemStore(prefix string) *BlobStore {
	return newBlobStore(memblob.OpenBucket(nil), "mem", prefix, "mem://")
}
