// Package memory provides in-memory stores for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// EntityStore keeps the synced hierarchy and change logs in maps keyed by id.
type EntityStore struct {
	mu         sync.RWMutex
	workspaces map[string]crawler.Workspace
	containers map[string]crawler.Container
	records    map[string]crawler.Record
	changeLogs map[string]crawler.ChangeLog
}

// NewEntityStore constructs an EntityStore.
func NewEntityStore() *EntityStore {
	return &EntityStore{
		workspaces: make(map[string]crawler.Workspace),
		containers: make(map[string]crawler.Container),
		records:    make(map[string]crawler.Record),
		changeLogs: make(map[string]crawler.ChangeLog),
	}
}

// UpsertWorkspaces overwrites workspaces by id.
func (s *EntityStore) UpsertWorkspaces(_ context.Context, workspaces []crawler.Workspace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ws := range workspaces {
		if ws.ID == "" {
			return fmt.Errorf("upsert workspace: empty id")
		}
		s.workspaces[ws.ID] = ws
	}
	return nil
}

// UpsertContainers overwrites containers by id.
func (s *EntityStore) UpsertContainers(_ context.Context, containers []crawler.Container) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range containers {
		if c.ID == "" {
			return fmt.Errorf("upsert container: empty id")
		}
		c.Fields = append([]crawler.Field(nil), c.Fields...)
		s.containers[c.ID] = c
	}
	return nil
}

// UpsertRecords overwrites records by id.
func (s *EntityStore) UpsertRecords(_ context.Context, records []crawler.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("upsert record: empty id")
		}
		r.Fields = maps.Clone(r.Fields)
		s.records[r.ID] = r
	}
	return nil
}

// ListRecordRefs returns every record ordered by workspace, container and id.
func (s *EntityStore) ListRecordRefs(_ context.Context) ([]crawler.RecordRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	refs := make([]crawler.RecordRef, 0, len(s.records))
	for _, r := range s.records {
		refs = append(refs, r.Ref())
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].WorkspaceID != refs[j].WorkspaceID {
			return refs[i].WorkspaceID < refs[j].WorkspaceID
		}
		if refs[i].ContainerID != refs[j].ContainerID {
			return refs[i].ContainerID < refs[j].ContainerID
		}
		return refs[i].ID < refs[j].ID
	})
	return refs, nil
}

// GetRecord loads one record.
func (s *EntityStore) GetRecord(_ context.Context, id string) (crawler.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return crawler.Record{}, fmt.Errorf("record %s: %w", id, crawler.ErrNotFound)
	}
	r.Fields = maps.Clone(r.Fields)
	return r, nil
}

// Counts reports how many workspaces, containers and records are stored.
func (s *EntityStore) Counts() (workspaces, containers, records int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workspaces), len(s.containers), len(s.records)
}

// ReplaceChangeLog stores log as the record's complete history.
func (s *EntityStore) ReplaceChangeLog(_ context.Context, log crawler.ChangeLog) error {
	if log.RecordID == "" {
		return fmt.Errorf("replace change log: empty record id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Entries = append([]crawler.ChangeEntry(nil), log.Entries...)
	s.changeLogs[log.RecordID] = log
	return nil
}

// GetChangeLog loads a record's change log.
func (s *EntityStore) GetChangeLog(_ context.Context, recordID string) (crawler.ChangeLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	log, ok := s.changeLogs[recordID]
	if !ok {
		return crawler.ChangeLog{}, fmt.Errorf("change log %s: %w", recordID, crawler.ErrNotFound)
	}
	log.Entries = append([]crawler.ChangeEntry(nil), log.Entries...)
	return log, nil
}
