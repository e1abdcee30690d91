// Package local keeps the session bundle in a JSON file on disk.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// Config locates the bundle file.
type Config struct {
	// Path is the bundle file. Its directory is created when missing.
	Path string `mapstructure:"path" yaml:"path"`
}

// CredentialStore writes the bundle to a temp file and renames it over Path,
// so a concurrent reader sees either the old or the new bundle.
type CredentialStore struct {
	path string
	mu   sync.RWMutex
}

var _ crawler.CredentialStore = (*CredentialStore)(nil)

// New validates the target directory.
func New(cfg Config) (*CredentialStore, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("credentials path is required")
	}
	dir := filepath.Dir(cfg.Path)
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		if mkErr := os.MkdirAll(dir, 0o700); mkErr != nil {
			return nil, fmt.Errorf("create credentials directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat credentials directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("credentials directory %s is not a directory", dir)
	}
	if info, err := os.Stat(cfg.Path); err == nil && info.IsDir() {
		return nil, fmt.Errorf("credentials path %s is a directory", cfg.Path)
	}
	return &CredentialStore{path: cfg.Path}, nil
}

// Save atomically replaces the bundle file.
func (s *CredentialStore) Save(_ context.Context, bundle crawler.SessionBundle) error {
	data, err := json.MarshalIndent(bundle, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session bundle: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".session-*.json")
	if err != nil {
		return fmt.Errorf("create temp bundle: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp bundle: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp bundle: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("chmod temp bundle: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace bundle: %w", err)
	}
	return nil
}

// Load reads the bundle or returns crawler.ErrNotFound.
func (s *CredentialStore) Load(_ context.Context) (crawler.SessionBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return crawler.SessionBundle{}, crawler.ErrNotFound
		}
		return crawler.SessionBundle{}, fmt.Errorf("read bundle: %w", err)
	}
	var bundle crawler.SessionBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("decode bundle: %w", err)
	}
	return bundle, nil
}

// Invalidate removes the bundle file. A missing file is not an error.
func (s *CredentialStore) Invalidate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove bundle: %w", err)
	}
	return nil
}
