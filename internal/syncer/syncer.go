// Package syncer walks the workspace → container → record hierarchy of the
// primary API and upserts every page as it arrives.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/id/uuid"
	"github.com/JakeFAU/revision-crawler/internal/progress"
)

// Levels of the hierarchy, used in logs and progress events.
const (
	LevelWorkspaces = "workspaces"
	LevelContainers = "containers"
	LevelRecords    = "records"
)

// Routes are path templates for each level. {workspace} and {container} are
// substituted with escaped ids.
type Routes struct {
	Workspaces    string
	WorkspacesKey string
	Containers    string
	ContainersKey string
	Records       string
	RecordsKey    string
}

// DefaultRoutes match the upstream v0 API.
func DefaultRoutes() Routes {
	return Routes{
		Workspaces:    "/v0/meta/bases",
		WorkspacesKey: "bases",
		Containers:    "/v0/meta/bases/{workspace}/tables",
		ContainersKey: "tables",
		Records:       "/v0/{workspace}/{container}",
		RecordsKey:    "records",
	}
}

// Engine implements the hierarchical sync.
type Engine struct {
	fetcher  crawler.ResourceFetcher
	store    crawler.EntityStore
	routes   Routes
	emitter  progress.Emitter
	clock    crawler.Clock
	ids      crawler.IDGenerator
	logger   *zap.Logger
	maxPages int
	pageSize int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRoutes overrides the default routes.
func WithRoutes(r Routes) Option {
	return func(e *Engine) { e.routes = r }
}

// WithProgress emits a SYNC_PAGE event per upserted page.
func WithProgress(emitter progress.Emitter, ids crawler.IDGenerator) Option {
	return func(e *Engine) {
		e.emitter = emitter
		e.ids = ids
	}
}

// WithMaxPages bounds the pages requested per collection; zero means unbounded.
func WithMaxPages(n int) Option {
	return func(e *Engine) { e.maxPages = n }
}

// WithRecordPageSize sets pageSize on record requests. The meta levels are
// requested without it.
func WithRecordPageSize(n int) Option {
	return func(e *Engine) { e.pageSize = n }
}

// New builds an Engine.
func New(fetcher crawler.ResourceFetcher, store crawler.EntityStore, clock crawler.Clock, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		fetcher: fetcher,
		store:   store,
		routes:  DefaultRoutes(),
		emitter: progress.Discard,
		clock:   clock,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SyncAll pages through every level and upserts each page before requesting
// the next. A failed page aborts the sync; pages already upserted stay.
func (e *Engine) SyncAll(ctx context.Context, cred *crawler.Credential) (crawler.SyncResult, error) {
	var result crawler.SyncResult
	if !cred.Valid() {
		return result, crawler.ErrNotAuthenticated
	}
	ctx, span := otel.Tracer("revision-crawler/syncer").Start(ctx, "SyncAll")
	defer span.End()

	run := e.newRun()
	start := time.Now()
	err := e.syncWorkspaces(ctx, *cred, run, &result)
	span.SetAttributes(
		attribute.Int("sync.workspaces", result.Workspaces),
		attribute.Int("sync.containers", result.Containers),
		attribute.Int("sync.records", result.Records),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sync failed")
		e.logger.Error("sync aborted",
			zap.Error(err),
			zap.Int("workspaces", result.Workspaces),
			zap.Int("containers", result.Containers),
			zap.Int("records", result.Records),
		)
		return result, err
	}
	e.logger.Info("sync complete",
		zap.Int("workspaces", result.Workspaces),
		zap.Int("containers", result.Containers),
		zap.Int("records", result.Records),
		zap.Int("pages", result.Pages),
		zap.Duration("dur", time.Since(start)),
	)
	return result, nil
}

func (e *Engine) syncWorkspaces(ctx context.Context, cred crawler.Credential, run [16]byte, result *crawler.SyncResult) error {
	var workspaces []crawler.Workspace
	err := e.paginate(ctx, cred, run, LevelWorkspaces, e.routes.Workspaces, e.routes.WorkspacesKey, 0, result,
		func(items []json.RawMessage) (int, error) {
			page := make([]crawler.Workspace, 0, len(items))
			for _, raw := range items {
				var ws crawler.Workspace
				if err := json.Unmarshal(raw, &ws); err != nil {
					return 0, fmt.Errorf("decode workspace: %w", err)
				}
				page = append(page, ws)
			}
			if err := e.store.UpsertWorkspaces(ctx, page); err != nil {
				return 0, fmt.Errorf("upsert workspaces: %w", err)
			}
			workspaces = append(workspaces, page...)
			result.Workspaces += len(page)
			return len(page), nil
		})
	if err != nil {
		return err
	}
	for _, ws := range workspaces {
		if err := e.syncContainers(ctx, cred, run, ws, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncContainers(
	ctx context.Context,
	cred crawler.Credential,
	run [16]byte,
	ws crawler.Workspace,
	result *crawler.SyncResult,
) error {
	var containers []crawler.Container
	path := expand(e.routes.Containers, ws.ID, "")
	err := e.paginate(ctx, cred, run, LevelContainers, path, e.routes.ContainersKey, 0, result,
		func(items []json.RawMessage) (int, error) {
			page := make([]crawler.Container, 0, len(items))
			for _, raw := range items {
				var c crawler.Container
				if err := json.Unmarshal(raw, &c); err != nil {
					return 0, fmt.Errorf("decode container: %w", err)
				}
				c.WorkspaceID = ws.ID
				page = append(page, c)
			}
			if err := e.store.UpsertContainers(ctx, page); err != nil {
				return 0, fmt.Errorf("upsert containers: %w", err)
			}
			containers = append(containers, page...)
			result.Containers += len(page)
			return len(page), nil
		})
	if err != nil {
		return err
	}
	for _, c := range containers {
		if err := e.syncRecords(ctx, cred, run, c, result); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) syncRecords(
	ctx context.Context,
	cred crawler.Credential,
	run [16]byte,
	c crawler.Container,
	result *crawler.SyncResult,
) error {
	path := expand(e.routes.Records, c.WorkspaceID, c.ID)
	return e.paginate(ctx, cred, run, LevelRecords, path, e.routes.RecordsKey, e.pageSize, result,
		func(items []json.RawMessage) (int, error) {
			page := make([]crawler.Record, 0, len(items))
			for _, raw := range items {
				var rec crawler.Record
				if err := json.Unmarshal(raw, &rec); err != nil {
					return 0, fmt.Errorf("decode record: %w", err)
				}
				rec.WorkspaceID = c.WorkspaceID
				rec.ContainerID = c.ID
				page = append(page, rec)
			}
			if err := e.store.UpsertRecords(ctx, page); err != nil {
				return 0, fmt.Errorf("upsert records: %w", err)
			}
			result.Records += len(page)
			return len(page), nil
		})
}

// paginate requests pages until the server omits the cursor. Empty pages
// are not handed to upsert.
func (e *Engine) paginate(
	ctx context.Context,
	cred crawler.Credential,
	run [16]byte,
	level, path, itemsKey string,
	pageSize int,
	result *crawler.SyncResult,
	upsert func([]json.RawMessage) (int, error),
) error {
	cursor := ""
	for pages := 0; ; pages++ {
		if e.maxPages > 0 && pages >= e.maxPages {
			e.logger.Warn("page limit reached", zap.String("level", level), zap.String("path", path))
			return nil
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("sync %s: %w", level, err)
		}
		start := time.Now()
		page, err := e.fetcher.FetchPage(ctx, cred, crawler.ResourceRequest{
			Path:     path,
			ItemsKey: itemsKey,
			Cursor:   cursor,
			PageSize: pageSize,
		})
		if err != nil {
			return fmt.Errorf("fetch %s page %d: %w", level, pages+1, err)
		}
		result.Pages++
		if len(page.Items) > 0 {
			n, err := upsert(page.Items)
			if err != nil {
				return err
			}
			e.emit(run, level, int64(n), time.Since(start))
		}
		if page.Cursor == "" {
			return nil
		}
		if page.Cursor == cursor {
			return fmt.Errorf("fetch %s: %w", level, &crawler.FetchError{URL: path, Err: fmt.Errorf("cursor %q repeated", cursor)})
		}
		cursor = page.Cursor
	}
}

func (e *Engine) newRun() [16]byte {
	if e.ids == nil {
		return [16]byte{}
	}
	id, err := e.ids.NewID()
	if err != nil {
		return [16]byte{}
	}
	raw, err := uuid.Parse(id)
	if err != nil {
		return [16]byte{}
	}
	return raw
}

func (e *Engine) emit(run [16]byte, level string, items int64, dur time.Duration) {
	if run == [16]byte{} {
		return
	}
	e.emitter.Emit(progress.Event{
		RunID: run,
		TS:    e.clock.Now(),
		Stage: progress.StageSyncPage,
		Level: level,
		Items: items,
		Dur:   dur,
	})
}

func expand(template, workspaceID, containerID string) string {
	return strings.NewReplacer("{workspace}", workspaceID, "{container}", containerID).Replace(template)
}
