package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/withObsrvr/obsrvr-command-router/internal/config"
)

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	if err := store.Write(ctx, "exports/c1/.container", []byte("{}"), "application/json"); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write(ctx, "exports/c1/a/data.json", []byte("hello"), ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if err := store.Write(ctx, "exports/c2/.container", []byte("{}"), ""); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	data, err := store.Read(ctx, "exports/c1/a/data.json")
	if err != nil || string(data) != "hello" {
		t.Fatalf("Read = %q, %v", data, err)
	}

	ok, err := store.Exists(ctx, "exports/c1/.container")
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v", ok, err)
	}

	info, err := store.Head(ctx, "exports/c1/a/data.json")
	if err != nil {
		t.Fatalf("Head failed: %v", err)
	}
	if info.Size != 5 {
		t.Errorf("expected size 5, got %d", info.Size)
	}

	keys, err := store.List(ctx, "exports/c1/")
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	sort.Strings(keys)
	if len(keys) != 2 || keys[0] != "exports/c1/.container" {
		t.Errorf("unexpected keys: %v", keys)
	}

	n, err := store.DeletePrefix(ctx, "exports/c1/")
	if err != nil || n != 2 {
		t.Fatalf("DeletePrefix = %d, %v", n, err)
	}
	if ok, _ := store.Exists(ctx, "exports/c1/.container"); ok {
		t.Error("container marker should be gone")
	}
	if ok, _ := store.Exists(ctx, "exports/c2/.container"); !ok {
		t.Error("other containers must survive")
	}

	if _, err := store.Read(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := store.Delete(ctx, "missing"); err != nil {
		t.Errorf("deleting a missing object should succeed, got %v", err)
	}
}

func TestMemStore(t *testing.T) {
	store := NewMemStore("router/")
	defer store.Close()
	exerciseStore(t, store)

	if got := store.URI("exports/c1/"); got != "mem://router/exports/c1/" {
		t.Errorf("URI = %s", got)
	}
}

func TestLocalStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}
	defer store.Close()
	exerciseStore(t, store)

	if got := store.URI("x"); !strings.HasPrefix(got, "file://") || !strings.HasSuffix(got, "/x") {
		t.Errorf("URI = %s", got)
	}
}

func TestNewStoreBackends(t *testing.T) {
	ctx := context.Background()
	if _, err := NewStore(ctx, config.StorageConfig{Backend: "ftp"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	if _, err := NewStore(ctx, config.StorageConfig{Backend: "gcs"}); err == nil {
		t.Error("expected error for gcs without bucket")
	}
	s, err := NewStore(ctx, config.StorageConfig{Backend: "mem"})
	if err != nil {
		t.Fatal(err)
	}
	s.Close()
}

func TestBucketURL(t *testing.T) {
	tests := []struct {
		cfg  config.StorageConfig
		want string
	}{
		{config.StorageConfig{Backend: "gcs", Bucket: "exports"}, "gs://exports"},
		{config.StorageConfig{Backend: "s3", Bucket: "exports"}, "s3://exports"},
		{config.StorageConfig{Backend: "s3", Bucket: "exports", S3Region: "eu-west-1"}, "s3://exports?region=eu-west-1"},
		{
			config.StorageConfig{Backend: "s3", Bucket: "exports", S3Endpoint: "http://minio:9000"},
			"s3://exports?endpoint=http%3A%2F%2Fminio%3A9000&s3ForcePathStyle=true",
		},
	}
	for _, tt := range tests {
		got, err := bucketURL(tt.cfg)
		if err != nil {
			t.Fatalf("bucketURL(%+v): %v", tt.cfg, err)
		}
		if got != tt.want {
			t.Errorf("bucketURL(%+v) = %s, want %s", tt.cfg, got, tt.want)
		}
	}
}
