package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-command-router/internal/metrics"
)

// ErrNotFound is returned when an object does not exist.
var ErrNotFound = errors.New("object not found")

// Store abstracts the object storage used for export containers and audit
// files. Keys are relative to the configured prefix.
type Store interface {
	// Write stores data under key, replacing any existing object.
	Write(ctx context.Context, key string, data []byte, contentType string) error

	// Read returns the object stored under key.
	Read(ctx context.Context, key string) ([]byte, error)

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Head returns metadata about a stored object.
	Head(ctx context.Context, key string) (*ObjectInfo, error)

	// List returns all keys with the given prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	// Delete removes one object. Missing objects are not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every object under prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// ObjectInfo contains metadata about a stored object.
type ObjectInfo struct {
	Key     string
	Size    int64
	ETag    string // MD5 for S3/GCS, empty for local
	ModTime time.Time
}

// BlobStore implements Store on a gocloud bucket.
type BlobStore struct {
	bucket  *blob.Bucket
	backend string
	prefix  string
	uriBase string
}

func newBlobStore(bucket *blob.Bucket, backend, prefix, uriBase string) *BlobStore {
	return &BlobStore{
		bucket:  bucket,
		backend: backend,
		prefix:  prefix,
		uriBase: strings.TrimSuffix(uriBase, "/"),
	}
}

func (s *BlobStore) key(k string) string { return s.prefix + k }

func (s *BlobStore) fail(op, key string, err error) error {
	if m := metrics.Get(); m != nil {
		m.IncStorageErrors(metrics.Labels{Backend: s.backend})
	}
	if gcerrors.Code(err) == gcerrors.NotFound {
		return fmt.Errorf("%s %s: %w", op, key, ErrNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, key, err)
}

func (s *BlobStore) Write(ctx context.Context, key string, data []byte, contentType string) error {
	path := s.key(key)

	var opts *blob.WriterOptions
	if contentType != "" {
		opts = &blob.WriterOptions{ContentType: contentType}
	}
	w, err := s.bucket.NewWriter(ctx, path, opts)
	if err != nil {
		return s.fail("create writer for", path, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return s.fail("write data to", path, err)
	}

	if err := w.Close(); err != nil {
		return s.fail("close writer for", path, err)
	}

	return nil
}

func (s *BlobStore) Read(ctx context.Context, key string) ([]byte, error) {
	path := s.key(key)
	r, err := s.bucket.NewReader(ctx, path, nil)
	if err != nil {
		return nil, s.fail("open", path, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, s.fail("read", path, err)
	}
	return data, nil
}

func (s *BlobStore) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.key(key))
}

func (s *BlobStore) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	path := s.key(key)
	attrs, err := s.bucket.Attributes(ctx, path)
	if err != nil {
		return nil, s.fail("get attributes for", path, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

func (s *BlobStore) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: s.key(prefix)})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, s.fail("list", prefix, err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, s.prefix))
	}
	return keys, nil
}

func (s *BlobStore) Delete(ctx context.Context, key string) error {
	path := s.key(key)
	if err := s.bucket.Delete(ctx, path); err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return s.fail("delete", path, err)
	}
	return nil
}

func (s *BlobStore) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	keys, err := s.List(ctx, prefix)
	if err != nil {
		return 0, err
	}
	for i, k := range keys {
		if err := s.Delete(ctx, k); err != nil {
			return i, err
		}
	}
	return len(keys), nil
}

func (s *BlobStore) URI(key string) string {
	return s.uriBase + "/" + s.key(key)
}

// Close releases the bucket connection.
func (s *BlobStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
