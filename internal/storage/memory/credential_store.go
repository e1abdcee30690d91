package memory

import (
	"context"
	"maps"
	"sync"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// CredentialStore holds the session bundle in memory. It does not survive
// restarts and is meant for tests and local development.
type CredentialStore struct {
	mu     sync.RWMutex
	bundle *crawler.SessionBundle
	saves  int
}

// NewCredentialStore creates an empty store.
func NewCredentialStore() *CredentialStore {
	return &CredentialStore{}
}

// Save replaces the stored bundle.
func (s *CredentialStore) Save(_ context.Context, bundle crawler.SessionBundle) error {
	copied := cloneBundle(bundle)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = &copied
	s.saves++
	return nil
}

// Load returns the stored bundle or crawler.ErrNotFound.
func (s *CredentialStore) Load(_ context.Context) (crawler.SessionBundle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bundle == nil {
		return crawler.SessionBundle{}, crawler.ErrNotFound
	}
	return cloneBundle(*s.bundle), nil
}

// Invalidate drops the stored bundle.
func (s *CredentialStore) Invalidate(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bundle = nil
	return nil
}

// Saves reports how many times Save was called.
func (s *CredentialStore) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func cloneBundle(b crawler.SessionBundle) crawler.SessionBundle {
	b.Cookies = append([]crawler.Cookie(nil), b.Cookies...)
	b.Storage = maps.Clone(b.Storage)
	return b
}
