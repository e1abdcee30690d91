// Package gcs keeps the session bundle as a single Cloud Storage object.
package gcs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// Config locates the bundle object.
type Config struct {
	Bucket string
	Object string
}

// CredentialStore reads and writes the bundle object. Cloud Storage only
// exposes an object once its upload completes, so a reader never sees a
// partial bundle.
type CredentialStore struct {
	client *storage.Client
	bucket string
	object string
}

var _ crawler.CredentialStore = (*CredentialStore)(nil)

// New validates cfg.
func New(client *storage.Client, cfg Config) (*CredentialStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("credentials bucket is required")
	}
	object := strings.TrimPrefix(strings.TrimSpace(cfg.Object), "/")
	if object == "" {
		object = "session/bundle.json"
	}
	return &CredentialStore{client: client, bucket: cfg.Bucket, object: object}, nil
}

// Save uploads the bundle, replacing the previous object.
func (s *CredentialStore) Save(ctx context.Context, bundle crawler.SessionBundle) error {
	data, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal session bundle: %w", err)
	}
	w := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("upload bundle: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize bundle upload: %w", err)
	}
	return nil
}

// Load downloads the bundle or returns crawler.ErrNotFound.
func (s *CredentialStore) Load(ctx context.Context) (crawler.SessionBundle, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return crawler.SessionBundle{}, crawler.ErrNotFound
		}
		return crawler.SessionBundle{}, fmt.Errorf("open bundle: %w", err)
	}
	defer func() {
		_ = r.Close()
	}()
	data, err := io.ReadAll(r)
	if err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("read bundle: %w", err)
	}
	var bundle crawler.SessionBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	return bundle, nil
}

// Invalidate deletes the bundle object. A missing object is not an error.
func (s *CredentialStore) Invalidate(ctx context.Context) error {
	err := s.client.Bucket(s.bucket).Object(s.object).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete bundle: %w", err)
	}
	return nil
}

// URI returns the gs:// location of the bundle.
func (s *CredentialStore) URI() string {
	return fmt.Sprintf("gs://%s/%s", s.bucket, s.object)
}
