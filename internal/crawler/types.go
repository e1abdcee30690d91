// Package crawler defines core types shared across subsystems.
package crawler

import (
	"encoding/json"
	"time"
)

// Workspace is the top level of the upstream hierarchy.
type Workspace struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PermissionLevel string `json:"permissionLevel"`
}

// Field describes one column of a container.
type Field struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Container belongs to exactly one workspace and holds records.
type Container struct {
	ID             string  `json:"id"`
	WorkspaceID    string  `json:"workspaceId"`
	Name           string  `json:"name"`
	PrimaryFieldID string  `json:"primaryFieldId"`
	Fields         []Field `json:"fields"`
}

// Record is a row of a container. Fields are kept opaque.
type Record struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspaceId"`
	ContainerID string         `json:"containerId"`
	Fields      map[string]any `json:"fields"`
	CreatedTime time.Time      `json:"createdTime"`
}

// RecordRef is the minimum needed to crawl a record's history.
type RecordRef struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspaceId"`
	ContainerID string `json:"containerId"`
}

// Ref returns the crawl reference for the record.
func (r Record) Ref() RecordRef {
	return RecordRef{ID: r.ID, WorkspaceID: r.WorkspaceID, ContainerID: r.ContainerID}
}

// Credential is the bearer credential for the primary API. It is obtained
// through an external authorization exchange.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Scope        string    `json:"scope,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Valid reports whether the credential carries a usable access token.
func (c *Credential) Valid() bool {
	return c != nil && c.AccessToken != ""
}

// Cookie mirrors the browser cookie attributes needed to replay a session.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	SameSite string  `json:"sameSite,omitempty"`
}

// SessionBundle is a portable, replayable browser session. Only one exists
// at a time and it is always replaced as a whole.
type SessionBundle struct {
	Cookies    []Cookie          `json:"cookies"`
	Storage    map[string]string `json:"storage"`
	CapturedAt time.Time         `json:"captured_at"`
}

// ChangeEntry is one field-level edit recovered from a record's history.
type ChangeEntry struct {
	UUID       string    `json:"uuid"`
	RecordID   string    `json:"recordId"`
	ColumnType string    `json:"columnType"`
	OldValue   *string   `json:"oldValue,omitempty"`
	NewValue   *string   `json:"newValue,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
	Author     string    `json:"author"`
}

// ChangeLog is the ordered history of one record.
type ChangeLog struct {
	RecordID    string        `json:"recordId"`
	WorkspaceID string        `json:"workspaceId"`
	Entries     []ChangeEntry `json:"entries"`
	CrawledAt   time.Time     `json:"crawledAt"`
}

// ResourceRequest addresses one page of a paginated collection.
type ResourceRequest struct {
	Path     string
	ItemsKey string
	Cursor   string
	// PageSize is sent as pageSize when positive.
	PageSize int
}

// ResourcePage is one decoded page of a paginated collection.
type ResourcePage struct {
	Items  []json.RawMessage
	Cursor string
}

// PageRequest is an HTTP request issued from inside an authenticated browser page.
type PageRequest struct {
	URL     string
	Headers map[string]string
}

// PageResponse is the result of a PageRequest. URL is the final URL after
// redirects.
type PageResponse struct {
	Status     int
	Body       []byte
	URL        string
	Redirected bool
}

// FailureKind classifies why a record could not be crawled.
type FailureKind string

// Failure kinds reported in run summaries.
const (
	FailureAuthExpired      FailureKind = "auth_expired"
	FailureNotAuthenticated FailureKind = "not_authenticated"
	FailureFetch            FailureKind = "fetch_failed"
	FailurePersist          FailureKind = "persist_failed"
	FailureTimeout          FailureKind = "timeout"
	FailureOther            FailureKind = "error"
)

// RecordFailure explains one failed record of a run.
type RecordFailure struct {
	RecordID string      `json:"record_id"`
	Kind     FailureKind `json:"kind"`
	Reason   string      `json:"reason"`
}

// RunSummary reports the outcome of a crawl run.
type RunSummary struct {
	RunID        string          `json:"run_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Total        int             `json:"total_records"`
	TotalChanges int             `json:"total_changes"`
	Succeeded    int             `json:"succeeded"`
	Failed       int             `json:"failed"`
	PerRecord    map[string]int  `json:"per_record"`
	Failures     []RecordFailure `json:"failures"`
	Error        string          `json:"error,omitempty"`
}

// Clone returns a deep copy safe to hand to readers while a run mutates the original.
func (s RunSummary) Clone() RunSummary {
	out := s
	if s.FinishedAt != nil {
		finished := *s.FinishedAt
		out.FinishedAt = &finished
	}
	out.PerRecord = make(map[string]int, len(s.PerRecord))
	for k, v := range s.PerRecord {
		out.PerRecord[k] = v
	}
	out.Failures = append([]RecordFailure(nil), s.Failures...)
	return out
}

// SyncResult counts the entities upserted by a sync.
type SyncResult struct {
	Workspaces int `json:"workspaces"`
	Containers int `json:"containers"`
	Records    int `json:"records"`
	Pages      int `json:"pages"`
}
