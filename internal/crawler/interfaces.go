package crawler

import (
	"context"
	"time"
)

// EntityStore persists the synced workspace hierarchy with upsert-by-id semantics.
type EntityStore interface {
	UpsertWorkspaces(ctx context.Context, workspaces []Workspace) error
	UpsertContainers(ctx context.Context, containers []Container) error
	UpsertRecords(ctx context.Context, records []Record) error
	ListRecordRefs(ctx context.Context) ([]RecordRef, error)
	GetRecord(ctx context.Context, id string) (Record, error)
}

// ChangeLogStore persists one change log per record.
type ChangeLogStore interface {
	ReplaceChangeLog(ctx context.Context, log ChangeLog) error
	GetChangeLog(ctx context.Context, recordID string) (ChangeLog, error)
}

// CredentialStore durably holds the single live session bundle.
// Save replaces the previous bundle atomically; Load returns ErrNotFound when
// nothing was captured yet or the bundle was invalidated. Invalidate discards
// a rejected bundle so Load reports ErrNotFound until the next Save.
type CredentialStore interface {
	Save(ctx context.Context, bundle SessionBundle) error
	Load(ctx context.Context) (SessionBundle, error)
	Invalidate(ctx context.Context) error
}

// ResourceFetcher pages through the primary API with a bearer credential.
type ResourceFetcher interface {
	FetchPage(ctx context.Context, cred Credential, req ResourceRequest) (ResourcePage, error)
}

// Browser hands out pages backed by one automation context.
type Browser interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Page is a single browser tab. WaitVisible reports false when the selector
// did not appear within timeout.
type Page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	WaitVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	Type(ctx context.Context, selector, text string) error
	Click(ctx context.Context, selector string) error
	PressEnter(ctx context.Context) error
	Cookies(ctx context.Context) ([]Cookie, error)
	SetCookies(ctx context.Context, cookies []Cookie) error
	LocalStorage(ctx context.Context) (map[string]string, error)
	SetLocalStorage(ctx context.Context, items map[string]string) error
	Fetch(ctx context.Context, req PageRequest) (PageResponse, error)
	Close() error
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
