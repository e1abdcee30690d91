package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// SessionStore keeps the single session bundle in one row of session_bundles.
// The upsert replaces the whole row, so readers see the old or the new bundle.
type SessionStore struct {
	pool Pool
}

var _ crawler.CredentialStore = (*SessionStore)(nil)

// NewSessionStore wraps pool.
func NewSessionStore(pool Pool) (*SessionStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &SessionStore{pool: pool}, nil
}

// Save replaces the stored bundle.
func (s *SessionStore) Save(ctx context.Context, bundle crawler.SessionBundle) error {
	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("marshal session bundle: %w", err)
	}
	query := `
		INSERT INTO session_bundles (slot, bundle, captured_at)
		VALUES (1, $1, $2)
		ON CONFLICT (slot) DO UPDATE
		SET bundle = EXCLUDED.bundle, captured_at = EXCLUDED.captured_at;
	`
	if _, err := s.pool.Exec(ctx, query, payload, bundle.CapturedAt); err != nil {
		return fmt.Errorf("save session bundle: %w", err)
	}
	return nil
}

// Load returns the stored bundle or crawler.ErrNotFound.
func (s *SessionStore) Load(ctx context.Context) (crawler.SessionBundle, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx, `SELECT bundle FROM session_bundles WHERE slot = 1;`).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.SessionBundle{}, crawler.ErrNotFound
		}
		return crawler.SessionBundle{}, fmt.Errorf("load session bundle: %w", err)
	}
	var bundle crawler.SessionBundle
	if err := json.Unmarshal(payload, &bundle); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("decode session bundle: %w", err)
	}
	return bundle, nil
}

// Invalidate deletes the stored bundle row.
func (s *SessionStore) Invalidate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM session_bundles WHERE slot = 1;`); err != nil {
		return fmt.Errorf("invalidate session bundle: %w", err)
	}
	return nil
}
