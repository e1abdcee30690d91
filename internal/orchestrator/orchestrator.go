// Package orchestrator runs record crawls one at a time over a single browser
// page, refreshing the session at most once per record. A bundle the server
// rejected is invalidated in the credential store before anything else runs,
// so it is never replayed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/id/uuid"
	"github.com/JakeFAU/revision-crawler/internal/progress"
)

// Mode selects how a crawled change log is written.
type Mode string

const (
	// ModeReplace overwrites the stored log with the latest crawl.
	ModeReplace Mode = "replace"
	// ModeAppend keeps stored entries and appends entries with unseen UUIDs.
	ModeAppend Mode = "append"
)

// ParseMode validates a configured mode. Empty means ModeReplace.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeReplace:
		return ModeReplace, nil
	case ModeAppend:
		return ModeAppend, nil
	default:
		return "", fmt.Errorf("unknown changelog mode %q", s)
	}
}

// RecordCrawler fetches one record's change entries using page.
type RecordCrawler interface {
	CrawlRecord(ctx context.Context, page crawler.Page, ref crawler.RecordRef) ([]crawler.ChangeEntry, error)
}

// Authenticator refreshes the stored session using page.
type Authenticator interface {
	LoginOnPage(ctx context.Context, page crawler.Page, code string) (crawler.SessionBundle, error)
}

// Sleeper waits between records.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Config tunes a run.
type Config struct {
	PacingDelay   time.Duration
	RecordTimeout time.Duration
	Mode          Mode
	// Topic receives a change notification per persisted record. Empty disables publishing.
	Topic string
}

// Deps are the collaborators of an Orchestrator. Publisher and Emitter are optional.
type Deps struct {
	Entities  crawler.EntityStore
	Logs      crawler.ChangeLogStore
	Sessions  crawler.CredentialStore
	Crawler   RecordCrawler
	Auth      Authenticator
	Browser   crawler.Browser
	Publisher crawler.Publisher
	Emitter   progress.Emitter
	Clock     crawler.Clock
	Sleeper   Sleeper
	IDs       crawler.IDGenerator
}

// Progress is a point-in-time view of the orchestrator.
type Progress struct {
	Running bool `json:"running"`
	// Current is the record being crawled, if any.
	Current string `json:"current,omitempty"`
	// Live is the summary of the run in flight.
	Live *crawler.RunSummary `json:"live,omitempty"`
	// Last is the summary of the most recently finished run.
	Last *crawler.RunSummary `json:"last,omitempty"`
}

// ChangeNotification is published after a change log is persisted.
type ChangeNotification struct {
	RecordID    string    `json:"record_id"`
	WorkspaceID string    `json:"workspace_id"`
	Changes     int       `json:"changes"`
	CrawledAt   time.Time `json:"crawled_at"`
}

// Orchestrator owns the run guard and run state.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger

	running atomic.Bool

	mu      sync.RWMutex
	current string
	live    *crawler.RunSummary
	last    *crawler.RunSummary
}

// New builds an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Emitter == nil {
		deps.Emitter = progress.Discard
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeReplace
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: logger.Named("orchestrator")}
}

// RunAll crawls every known record.
func (o *Orchestrator) RunAll(ctx context.Context) (crawler.RunSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return crawler.RunSummary{}, crawler.ErrRunInProgress
	}
	defer o.running.Store(false)
	return o.runAll(ctx)
}

// Start launches RunAll in the background. The guard is taken before Start
// returns, so a concurrent caller sees ErrRunInProgress immediately.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return crawler.ErrRunInProgress
	}
	go func() {
		defer o.running.Store(false)
		if _, err := o.runAll(ctx); err != nil {
			o.logger.Error("background run failed", zap.Error(err))
		}
	}()
	return nil
}

// RunOne crawls a single record looked up by id.
func (o *Orchestrator) RunOne(ctx context.Context, recordID string) (crawler.RunSummary, error) {
	if !o.running.CompareAndSwap(false, true) {
		return crawler.RunSummary{}, crawler.ErrRunInProgress
	}
	defer o.running.Store(false)

	rec, err := o.deps.Entities.GetRecord(ctx, recordID)
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("look up record %s: %w", recordID, err)
	}
	return o.run(ctx, []crawler.RecordRef{rec.Ref()})
}

// Progress returns copies of the run state.
func (o *Orchestrator) Progress() Progress {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p := Progress{Running: o.running.Load(), Current: o.current}
	if o.live != nil {
		live := o.live.Clone()
		p.Live = &live
	}
	if o.last != nil {
		last := o.last.Clone()
		p.Last = &last
	}
	return p
}

// Status reports whether a session bundle is available for crawling. An
// invalidated bundle does not count.
func (o *Orchestrator) Status(ctx context.Context) bool {
	_, err := o.deps.Sessions.Load(ctx)
	return err == nil
}

func (o *Orchestrator) runAll(ctx context.Context) (crawler.RunSummary, error) {
	refs, err := o.deps.Entities.ListRecordRefs(ctx)
	if err != nil {
		return crawler.RunSummary{}, fmt.Errorf("list records: %w", err)
	}
	return o.run(ctx, refs)
}

// runState is shared by the records of one run. stale is set once the
// stored bundle was rejected and cleared by a successful refresh; loginErr
// holds the first failed refresh, after which records fail without a request.
type runState struct {
	id       string
	raw      [16]byte
	page     crawler.Page
	stale    bool
	loginErr error
}

func (o *Orchestrator) run(ctx context.Context, refs []crawler.RecordRef) (crawler.RunSummary, error) {
	ctx, span := otel.Tracer("revision-crawler/orchestrator").Start(ctx, "Run")
	defer span.End()

	st := &runState{}
	st.id, st.raw = o.newRun()
	summary := &crawler.RunSummary{
		RunID:     st.id,
		StartedAt: o.deps.Clock.Now(),
		Total:     len(refs),
		PerRecord: make(map[string]int, len(refs)),
		Failures:  []crawler.RecordFailure{},
	}
	o.setLive(summary)
	o.emit(st, progress.Event{Stage: progress.StageRunStart})
	span.SetAttributes(attribute.String("run.id", st.id), attribute.Int("run.records", len(refs)))

	if _, err := o.deps.Sessions.Load(ctx); err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			err = crawler.ErrNotAuthenticated
		}
		return o.abort(st, summary, span, fmt.Errorf("load session bundle: %w", err))
	}

	page, err := o.deps.Browser.NewPage(ctx)
	if err != nil {
		return o.abort(st, summary, span, fmt.Errorf("open browser page: %w", err))
	}
	st.page = page
	defer func() {
		if cerr := page.Close(); cerr != nil {
			o.logger.Warn("close browser page", zap.Error(cerr))
		}
	}()

	o.logger.Info("run started", zap.String("run_id", st.id), zap.Int("records", len(refs)))
	for i, ref := range refs {
		if err := ctx.Err(); err != nil {
			return o.abort(st, summary, span, fmt.Errorf("run interrupted: %w", err))
		}
		if i > 0 && o.cfg.PacingDelay > 0 && o.deps.Sleeper != nil {
			if err := o.deps.Sleeper.Sleep(ctx, o.cfg.PacingDelay); err != nil {
				return o.abort(st, summary, span, fmt.Errorf("run interrupted: %w", err))
			}
		}
		o.setCurrent(ref.ID)
		start := time.Now()
		changes, err := o.crawlOne(ctx, st, ref)
		o.record(st, summary, ref, changes, time.Since(start), err)
	}

	o.finish(summary)
	o.emit(st, progress.Event{Stage: progress.StageRunDone, Changes: int64(summary.TotalChanges)})
	span.SetAttributes(
		attribute.Int("run.succeeded", summary.Succeeded),
		attribute.Int("run.failed", summary.Failed),
	)
	o.logger.Info("run complete",
		zap.String("run_id", st.id),
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("failed", summary.Failed),
		zap.Int("changes", summary.TotalChanges),
	)
	return summary.Clone(), nil
}

// crawlOne drives one record: Crawling, then at most one AuthRetry.
func (o *Orchestrator) crawlOne(ctx context.Context, st *runState, ref crawler.RecordRef) (int, error) {
	if st.loginErr != nil {
		return 0, errors.Join(crawler.ErrAuthExpired, fmt.Errorf("session refresh unavailable: %w", st.loginErr))
	}
	refreshed := false
	for {
		if st.stale {
			if err := o.refresh(ctx, st, ref); err != nil {
				return 0, err
			}
			refreshed = true
		}
		entries, err := o.attempt(ctx, st.page, ref)
		if err == nil {
			return o.persist(ctx, ref, entries)
		}
		if !errors.Is(err, crawler.ErrAuthExpired) {
			return 0, err
		}
		o.invalidate(ctx, st, ref)
		if refreshed {
			return 0, err
		}
	}
}

// invalidate marks the stored bundle rejected.
func (o *Orchestrator) invalidate(ctx context.Context, st *runState, ref crawler.RecordRef) {
	st.stale = true
	if err := o.deps.Sessions.Invalidate(ctx); err != nil {
		o.logger.Warn("invalidate session bundle", zap.String("record_id", ref.ID), zap.Error(err))
	}
}

func (o *Orchestrator) refresh(ctx context.Context, st *runState, ref crawler.RecordRef) error {
	o.logger.Info("session expired; refreshing", zap.String("record_id", ref.ID))
	if _, err := o.deps.Auth.LoginOnPage(ctx, st.page, ""); err != nil {
		st.loginErr = err
		o.emit(st, progress.Event{Stage: progress.StageAuthRefresh, RecordID: ref.ID, Kind: "failed", Note: err.Error()})
		return errors.Join(crawler.ErrAuthExpired, fmt.Errorf("refresh session: %w", err))
	}
	st.stale = false
	o.emit(st, progress.Event{Stage: progress.StageAuthRefresh, RecordID: ref.ID, Kind: "ok"})
	return nil
}

func (o *Orchestrator) attempt(ctx context.Context, page crawler.Page, ref crawler.RecordRef) ([]crawler.ChangeEntry, error) {
	if o.cfg.RecordTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.RecordTimeout)
		defer cancel()
	}
	return o.deps.Crawler.CrawlRecord(ctx, page, ref)
}

func (o *Orchestrator) persist(ctx context.Context, ref crawler.RecordRef, entries []crawler.ChangeEntry) (int, error) {
	log := crawler.ChangeLog{
		RecordID:    ref.ID,
		WorkspaceID: ref.WorkspaceID,
		Entries:     entries,
		CrawledAt:   o.deps.Clock.Now(),
	}
	if o.cfg.Mode == ModeAppend {
		prev, err := o.deps.Logs.GetChangeLog(ctx, ref.ID)
		switch {
		case err == nil:
			log.Entries = mergeEntries(prev.Entries, entries)
		case errors.Is(err, crawler.ErrNotFound):
		default:
			return 0, fmt.Errorf("%w: read change log: %w", crawler.ErrPersistFailed, err)
		}
	}
	if err := o.deps.Logs.ReplaceChangeLog(ctx, log); err != nil {
		return 0, fmt.Errorf("%w: write change log: %w", crawler.ErrPersistFailed, err)
	}
	o.notify(ctx, log, len(entries))
	return len(entries), nil
}

// mergeEntries keeps prev in order and appends entries with unseen UUIDs.
func mergeEntries(prev, next []crawler.ChangeEntry) []crawler.ChangeEntry {
	out := make([]crawler.ChangeEntry, 0, len(prev)+len(next))
	seen := make(map[string]struct{}, len(prev)+len(next))
	for _, group := range [][]crawler.ChangeEntry{prev, next} {
		for _, e := range group {
			if _, ok := seen[e.UUID]; ok {
				continue
			}
			seen[e.UUID] = struct{}{}
			out = append(out, e)
		}
	}
	return out
}

func (o *Orchestrator) notify(ctx context.Context, log crawler.ChangeLog, changes int) {
	if o.deps.Publisher == nil || o.cfg.Topic == "" {
		return
	}
	msg := ChangeNotification{
		RecordID:    log.RecordID,
		WorkspaceID: log.WorkspaceID,
		Changes:     changes,
		CrawledAt:   log.CrawledAt,
	}
	if _, err := o.deps.Publisher.Publish(ctx, o.cfg.Topic, msg); err != nil {
		o.logger.Warn("publish change notification",
			zap.String("record_id", log.RecordID),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) record(st *runState, summary *crawler.RunSummary, ref crawler.RecordRef, changes int, dur time.Duration, err error) {
	o.mu.Lock()
	if err == nil {
		summary.Succeeded++
		summary.TotalChanges += changes
		summary.PerRecord[ref.ID] = changes
	} else {
		summary.Failed++
		summary.Failures = append(summary.Failures, crawler.RecordFailure{
			RecordID: ref.ID,
			Kind:     crawler.Classify(err),
			Reason:   err.Error(),
		})
	}
	o.mu.Unlock()

	if err != nil {
		kind := crawler.Classify(err)
		o.logger.Warn("record failed",
			zap.String("record_id", ref.ID),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		o.emit(st, progress.Event{
			Stage:       progress.StageRecordFailed,
			RecordID:    ref.ID,
			WorkspaceID: ref.WorkspaceID,
			Kind:        string(kind),
			Dur:         dur,
			Note:        err.Error(),
		})
		return
	}
	o.logger.Debug("record crawled", zap.String("record_id", ref.ID), zap.Int("changes", changes))
	o.emit(st, progress.Event{
		Stage:       progress.StageRecordDone,
		RecordID:    ref.ID,
		WorkspaceID: ref.WorkspaceID,
		Changes:     int64(changes),
		Dur:         dur,
	})
}

func (o *Orchestrator) abort(st *runState, summary *crawler.RunSummary, span trace.Span, err error) (crawler.RunSummary, error) {
	o.mu.Lock()
	summary.Error = err.Error()
	o.mu.Unlock()
	o.finish(summary)
	span.RecordError(err)
	span.SetStatus(codes.Error, "run aborted")
	o.emit(st, progress.Event{Stage: progress.StageRunError, Note: err.Error()})
	o.logger.Error("run aborted", zap.String("run_id", st.id), zap.Error(err))
	return summary.Clone(), err
}

func (o *Orchestrator) finish(summary *crawler.RunSummary) {
	finished := o.deps.Clock.Now()
	o.mu.Lock()
	defer o.mu.Unlock()
	summary.FinishedAt = &finished
	done := summary.Clone()
	o.last = &done
	o.live = nil
	o.current = ""
}

func (o *Orchestrator) setLive(summary *crawler.RunSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.live = summary
	o.current = ""
}

func (o *Orchestrator) setCurrent(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.current = id
}

func (o *Orchestrator) newRun() (string, [16]byte) {
	if o.deps.IDs == nil {
		return "", [16]byte{}
	}
	id, err := o.deps.IDs.NewID()
	if err != nil {
		o.logger.Warn("generate run id", zap.Error(err))
		return "", [16]byte{}
	}
	raw, err := uuid.Parse(id)
	if err != nil {
		return id, [16]byte{}
	}
	return id, raw
}

func (o *Orchestrator) emit(st *runState, evt progress.Event) {
	if st.raw == [16]byte{} {
		return
	}
	evt.RunID = st.raw
	evt.TS = o.deps.Clock.Now()
	o.deps.Emitter.Emit(evt)
}
