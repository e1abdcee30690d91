package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

const (
	upsertWorkspaceSQL = `
		INSERT INTO workspaces (id, name, permission_level, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			permission_level = EXCLUDED.permission_level,
			updated_at = now();`

	upsertContainerSQL = `
		INSERT INTO containers (id, workspace_id, name, primary_field_id, fields, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET workspace_id = EXCLUDED.workspace_id,
			name = EXCLUDED.name,
			primary_field_id = EXCLUDED.primary_field_id,
			fields = EXCLUDED.fields,
			updated_at = now();`

	upsertRecordSQL = `
		INSERT INTO records (id, workspace_id, container_id, fields, created_time, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (id) DO UPDATE
		SET workspace_id = EXCLUDED.workspace_id,
			container_id = EXCLUDED.container_id,
			fields = EXCLUDED.fields,
			created_time = EXCLUDED.created_time,
			updated_at = now();`

	listRecordRefsSQL = `
		SELECT id, workspace_id, container_id
		FROM records
		ORDER BY workspace_id, container_id, id;`

	getRecordSQL = `
		SELECT id, workspace_id, container_id, fields, created_time
		FROM records
		WHERE id = $1;`

	replaceChangeLogSQL = `
		INSERT INTO change_logs (record_id, workspace_id, entries, crawled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id) DO UPDATE
		SET workspace_id = EXCLUDED.workspace_id,
			entries = EXCLUDED.entries,
			crawled_at = EXCLUDED.crawled_at;`

	getChangeLogSQL = `
		SELECT record_id, workspace_id, entries, crawled_at
		FROM change_logs
		WHERE record_id = $1;`
)

// Store implements crawler.EntityStore and crawler.ChangeLogStore.
type Store struct {
	pool Pool
}

var (
	_ crawler.EntityStore    = (*Store)(nil)
	_ crawler.ChangeLogStore = (*Store)(nil)
)

// NewStore wraps pool.
func NewStore(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// UpsertWorkspaces writes one page of workspaces atomically.
func (s *Store) UpsertWorkspaces(ctx context.Context, workspaces []crawler.Workspace) error {
	if len(workspaces) == 0 {
		return nil
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, ws := range workspaces {
			if ws.ID == "" {
				return errors.New("upsert workspace: empty id")
			}
			if _, err := tx.Exec(ctx, upsertWorkspaceSQL, ws.ID, ws.Name, ws.PermissionLevel); err != nil {
				return fmt.Errorf("upsert workspace %s: %w", ws.ID, err)
			}
		}
		return nil
	})
}

// UpsertContainers writes one page of containers atomically.
func (s *Store) UpsertContainers(ctx context.Context, containers []crawler.Container) error {
	if len(containers) == 0 {
		return nil
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, c := range containers {
			if c.ID == "" {
				return errors.New("upsert container: empty id")
			}
			fields := c.Fields
			if fields == nil {
				fields = []crawler.Field{}
			}
			payload, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("marshal fields of container %s: %w", c.ID, err)
			}
			if _, err := tx.Exec(ctx, upsertContainerSQL, c.ID, c.WorkspaceID, c.Name, c.PrimaryFieldID, payload); err != nil {
				return fmt.Errorf("upsert container %s: %w", c.ID, err)
			}
		}
		return nil
	})
}

// UpsertRecords writes one page of records atomically.
func (s *Store) UpsertRecords(ctx context.Context, records []crawler.Record) error {
	if len(records) == 0 {
		return nil
	}
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, r := range records {
			if r.ID == "" {
				return errors.New("upsert record: empty id")
			}
			fields := r.Fields
			if fields == nil {
				fields = map[string]any{}
			}
			payload, err := json.Marshal(fields)
			if err != nil {
				return fmt.Errorf("marshal fields of record %s: %w", r.ID, err)
			}
			if _, err := tx.Exec(ctx, upsertRecordSQL, r.ID, r.WorkspaceID, r.ContainerID, payload, r.CreatedTime); err != nil {
				return fmt.Errorf("upsert record %s: %w", r.ID, err)
			}
		}
		return nil
	})
}

// ListRecordRefs returns every record ordered by workspace, container and id.
func (s *Store) ListRecordRefs(ctx context.Context) ([]crawler.RecordRef, error) {
	rows, err := s.pool.Query(ctx, listRecordRefsSQL)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var refs []crawler.RecordRef
	for rows.Next() {
		var ref crawler.RecordRef
		if err := rows.Scan(&ref.ID, &ref.WorkspaceID, &ref.ContainerID); err != nil {
			return nil, fmt.Errorf("scan record ref: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return refs, nil
}

// GetRecord loads one record or returns crawler.ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (crawler.Record, error) {
	var (
		rec    crawler.Record
		fields []byte
	)
	err := s.pool.QueryRow(ctx, getRecordSQL, id).Scan(&rec.ID, &rec.WorkspaceID, &rec.ContainerID, &fields, &rec.CreatedTime)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.Record{}, fmt.Errorf("record %s: %w", id, crawler.ErrNotFound)
		}
		return crawler.Record{}, fmt.Errorf("get record: %w", err)
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &rec.Fields); err != nil {
			return crawler.Record{}, fmt.Errorf("decode fields of record %s: %w", id, err)
		}
	}
	return rec, nil
}

// ReplaceChangeLog stores log as the record's complete history.
func (s *Store) ReplaceChangeLog(ctx context.Context, log crawler.ChangeLog) error {
	if log.RecordID == "" {
		return errors.New("replace change log: empty record id")
	}
	entries := log.Entries
	if entries == nil {
		entries = []crawler.ChangeEntry{}
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal change entries: %w", err)
	}
	if _, err := s.pool.Exec(ctx, replaceChangeLogSQL, log.RecordID, log.WorkspaceID, payload, log.CrawledAt); err != nil {
		return fmt.Errorf("replace change log %s: %w", log.RecordID, err)
	}
	return nil
}

// GetChangeLog loads a record's change log or returns crawler.ErrNotFound.
func (s *Store) GetChangeLog(ctx context.Context, recordID string) (crawler.ChangeLog, error) {
	var (
		log     crawler.ChangeLog
		entries []byte
	)
	err := s.pool.QueryRow(ctx, getChangeLogSQL, recordID).Scan(&log.RecordID, &log.WorkspaceID, &entries, &log.CrawledAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return crawler.ChangeLog{}, fmt.Errorf("change log %s: %w", recordID, crawler.ErrNotFound)
		}
		return crawler.ChangeLog{}, fmt.Errorf("get change log: %w", err)
	}
	if err := json.Unmarshal(entries, &log.Entries); err != nil {
		return crawler.ChangeLog{}, fmt.Errorf("decode change entries of %s: %w", recordID, err)
	}
	return log, nil
}
