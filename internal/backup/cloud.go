package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"posadmin/backend/internal/domain"
)

// ObjectStore is the part of a cloud bucket the cloud sink needs.
type ObjectStore interface {
	Put(ctx context.Context, name string, r io.Reader) error
}

// CloudSink uploads copies as objects. The location path, when set, is used
// as the object prefix.
type CloudSink struct {
	Objects ObjectStore
}

func (s CloudSink) Save(ctx context.Context, loc domain.BackupLocation, file domain.BackupFile) error {
	if s.Objects == nil {
		return ErrNoSink
	}
	payload, err := json.Marshal(file)
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}
	name := path.Join(loc.Path, CopyFileName(file.Metadata))
	if err := s.Objects.Put(ctx, name, bytes.NewReader(payload)); err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	return nil
}

// GCSStore writes objects into one Google Cloud Storage bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore opens a bucket client. With an empty credentialsFile the
// application default credentials are used.
func NewGCSStore(ctx context.Context, bucket, credentialsFile string) (*GCSStore, error) {
	if bucket == "" {
		return nil, errors.New("gcs bucket name is required")
	}
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("gcs credentials file %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create GCS storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

func (g *GCSStore) Put(ctx context.Context, name string, r io.Reader) error {
	w := g.client.Bucket(g.bucket).Object(name).NewWriter(ctx)
	w.ContentType = "application/json"
	w.CacheControl = "no-cache, no-store, must-revalidate"
	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to gs://%s/%s: %w", g.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close GCS writer for %s: %w", name, err)
	}
	return nil
}

func (g *GCSStore) Close() error {
	return g.client.Close()
}
