package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/fetcher/headless/headlesstest"
	"github.com/JakeFAU/revision-crawler/internal/id/uuid"
	"github.com/JakeFAU/revision-crawler/internal/progress"
	pubmemory "github.com/JakeFAU/revision-crawler/internal/publisher/memory"
	"github.com/JakeFAU/revision-crawler/internal/storage/memory"
)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) }

type sleeper struct {
	mu    sync.Mutex
	slept []time.Duration
}

func (s *sleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slept = append(s.slept, d)
	return nil
}

type outcome struct {
	entries []crawler.ChangeEntry
	err     error
}

// scriptedCrawler replays outcomes per record; the last outcome repeats.
type scriptedCrawler struct {
	mu      sync.Mutex
	scripts map[string][]outcome
	calls   map[string]int
	block   chan struct{}
	entered chan struct{}
}

func newScriptedCrawler() *scriptedCrawler {
	return &scriptedCrawler{scripts: map[string][]outcome{}, calls: map[string]int{}}
}

func (c *scriptedCrawler) CrawlRecord(ctx context.Context, _ crawler.Page, ref crawler.RecordRef) ([]crawler.ChangeEntry, error) {
	if c.block != nil {
		c.entered <- struct{}{}
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.calls[ref.ID]
	c.calls[ref.ID]++
	script := c.scripts[ref.ID]
	if len(script) == 0 {
		return entries(ref.ID, 1), nil
	}
	if n >= len(script) {
		n = len(script) - 1
	}
	return script[n].entries, script[n].err
}

func (c *scriptedCrawler) Calls(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[id]
}

// fakeAuth saves a fresh bundle on success, like the real login.
type fakeAuth struct {
	mu     sync.Mutex
	logins int
	err    error
	store  crawler.CredentialStore
}

func (a *fakeAuth) LoginOnPage(ctx context.Context, _ crawler.Page, _ string) (crawler.SessionBundle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logins++
	if a.err != nil {
		return crawler.SessionBundle{}, a.err
	}
	bundle := crawler.SessionBundle{Cookies: []crawler.Cookie{{Name: "session", Value: fmt.Sprintf("fresh-%d", a.logins)}}}
	if a.store != nil {
		if err := a.store.Save(ctx, bundle); err != nil {
			return crawler.SessionBundle{}, err
		}
	}
	return bundle, nil
}

func (a *fakeAuth) Logins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logins
}

type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Stages() []progress.Stage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]progress.Stage, 0, len(r.events))
	for _, evt := range r.events {
		out = append(out, evt.Stage)
	}
	return out
}

type failingLogs struct {
	*memory.EntityStore
}

func (failingLogs) ReplaceChangeLog(context.Context, crawler.ChangeLog) error {
	return errors.New("disk full")
}

func entries(recordID string, n int) []crawler.ChangeEntry {
	out := make([]crawler.ChangeEntry, 0, n)
	for i := 0; i < n; i++ {
		v := fmt.Sprintf("v%d", i)
		out = append(out, crawler.ChangeEntry{
			UUID:       fmt.Sprintf("%s-act%d", recordID, i),
			RecordID:   recordID,
			ColumnType: "select",
			NewValue:   &v,
		})
	}
	return out
}

type harness struct {
	orch      *Orchestrator
	store     *memory.EntityStore
	sessions  *memory.CredentialStore
	crawler   *scriptedCrawler
	auth      *fakeAuth
	browser   *headlesstest.Browser
	page      *headlesstest.Page
	publisher *pubmemory.Publisher
	events    *recorder
	sleeper   *sleeper
}

func newHarness(t *testing.T, cfg Config, recordIDs ...string) *harness {
	t.Helper()
	h := &harness{
		store:     memory.NewEntityStore(),
		sessions:  memory.NewCredentialStore(),
		crawler:   newScriptedCrawler(),
		auth:      &fakeAuth{},
		page:      headlesstest.NewPage(),
		publisher: pubmemory.New(),
		events:    &recorder{},
		sleeper:   &sleeper{},
	}
	h.browser = headlesstest.NewBrowser(h.page)
	h.auth.store = h.sessions
	records := make([]crawler.Record, 0, len(recordIDs))
	for _, id := range recordIDs {
		records = append(records, crawler.Record{ID: id, WorkspaceID: "app1", ContainerID: "tbl1"})
	}
	require.NoError(t, h.store.UpsertRecords(context.Background(), records))
	require.NoError(t, h.sessions.Save(context.Background(), crawler.SessionBundle{
		Cookies: []crawler.Cookie{{Name: "session", Value: "s"}},
	}))
	if cfg.Topic == "" {
		cfg.Topic = "record-changes"
	}
	h.orch = New(h.deps(), cfg, nil)
	return h
}

func (h *harness) deps() Deps {
	return Deps{
		Entities:  h.store,
		Logs:      h.store,
		Sessions:  h.sessions,
		Crawler:   h.crawler,
		Auth:      h.auth,
		Browser:   h.browser,
		Publisher: h.publisher,
		Emitter:   h.events,
		Clock:     fixedClock{},
		Sleeper:   h.sleeper,
		IDs:       uuid.New(),
	}
}

func TestRunAllCrawlsEveryRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{PacingDelay: 800 * time.Millisecond}, "rec1", "rec2", "rec3")
	h.crawler.scripts["rec2"] = []outcome{{entries: entries("rec2", 3)}}

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Equal(t, 3, summary.Total)
	require.Equal(t, 3, summary.Succeeded)
	require.Zero(t, summary.Failed)
	require.Equal(t, 5, summary.TotalChanges)
	require.Equal(t, map[string]int{"rec1": 1, "rec2": 3, "rec3": 1}, summary.PerRecord)
	require.NotNil(t, summary.FinishedAt)

	log, err := h.store.GetChangeLog(context.Background(), "rec2")
	require.NoError(t, err)
	require.Len(t, log.Entries, 3)
	require.Equal(t, "app1", log.WorkspaceID)

	require.Equal(t, []time.Duration{800 * time.Millisecond, 800 * time.Millisecond}, h.sleeper.slept)
	require.Equal(t, 1, h.browser.Opened())
	require.Equal(t, 1, h.page.Closes())
	require.Zero(t, h.auth.Logins())

	msgs := h.publisher.Messages()
	require.Len(t, msgs, 3)
	var note ChangeNotification
	require.NoError(t, json.Unmarshal(msgs[1].Data, &note))
	require.Equal(t, ChangeNotification{RecordID: "rec2", WorkspaceID: "app1", Changes: 3, CrawledAt: fixedClock{}.Now()}, note)

	require.Equal(t, []progress.Stage{
		progress.StageRunStart,
		progress.StageRecordDone,
		progress.StageRecordDone,
		progress.StageRecordDone,
		progress.StageRunDone,
	}, h.events.Stages())

	p := h.orch.Progress()
	require.False(t, p.Running)
	require.Nil(t, p.Live)
	require.NotNil(t, p.Last)
	require.Equal(t, summary.RunID, p.Last.RunID)
}

func TestAuthExpiredTriggersOneReloginAndRetry(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	h.crawler.scripts["rec1"] = []outcome{
		{err: crawler.ErrAuthExpired},
		{entries: entries("rec1", 2)},
	}

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, 2, summary.TotalChanges)
	require.Equal(t, 1, h.auth.Logins())
	require.Equal(t, 2, h.crawler.Calls("rec1"))
	require.Contains(t, h.events.Stages(), progress.StageAuthRefresh)

	bundle, err := h.sessions.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, "fresh-1", bundle.Cookies[0].Value)
	require.True(t, h.orch.Status(context.Background()))
}

func TestSecondAuthExpiredIsPermanentFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1", "rec2")
	h.crawler.scripts["rec1"] = []outcome{{err: crawler.ErrAuthExpired}}

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, h.crawler.Calls("rec1"))
	require.Equal(t, 1, h.crawler.Calls("rec2"))
	// The refreshed bundle was rejected too, so rec2 starts with its own refresh.
	require.Equal(t, 2, h.auth.Logins())
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, 1, summary.Succeeded)
	require.Equal(t, "rec1", summary.Failures[0].RecordID)
	require.Equal(t, crawler.FailureAuthExpired, summary.Failures[0].Kind)
	_, err = h.store.GetChangeLog(context.Background(), "rec1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestFailedReloginIsNotRepeatedWithinRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1", "rec2", "rec3")
	h.auth.err = crawler.ErrSecondFactorRequired
	h.crawler.scripts["rec1"] = []outcome{{err: crawler.ErrAuthExpired}}

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.auth.Logins())
	require.Equal(t, 1, h.crawler.Calls("rec1"))
	require.Zero(t, h.crawler.Calls("rec2"))
	require.Zero(t, h.crawler.Calls("rec3"))
	require.Equal(t, 3, summary.Failed)
	require.Zero(t, summary.Succeeded)
	for _, f := range summary.Failures {
		require.Equal(t, crawler.FailureAuthExpired, f.Kind)
	}
}

func TestRejectedBundleIsInvalidated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1", "rec2")
	h.auth.err = errors.New("login page changed")
	h.crawler.scripts["rec1"] = []outcome{{err: crawler.ErrAuthExpired}}
	require.True(t, h.orch.Status(context.Background()))

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Zero(t, h.crawler.Calls("rec2"))
	require.Equal(t, 2, summary.Failed)

	_, err = h.sessions.Load(context.Background())
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.False(t, h.orch.Status(context.Background()))

	// The next run refuses to start until a new bundle is captured.
	_, err = h.orch.RunAll(context.Background())
	require.ErrorIs(t, err, crawler.ErrNotAuthenticated)
	require.Equal(t, 1, h.browser.Opened())
}

func TestFetchFailureIsIsolated(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1", "rec2")
	h.crawler.scripts["rec1"] = []outcome{{err: &crawler.FetchError{URL: "https://airtable.com/v0.3/row/rec1", Status: 500}}}

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, h.crawler.Calls("rec1"))
	require.Equal(t, 1, h.crawler.Calls("rec2"))
	require.Zero(t, h.auth.Logins())
	require.Equal(t, []crawler.RecordFailure{{
		RecordID: "rec1",
		Kind:     crawler.FailureFetch,
		Reason:   "fetch https://airtable.com/v0.3/row/rec1: HTTP 500",
	}}, summary.Failures)
	require.Equal(t, map[string]int{"rec2": 1}, summary.PerRecord)
}

func TestConcurrentRunIsRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	h.crawler.block = make(chan struct{})
	h.crawler.entered = make(chan struct{}, 1)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.RunAll(context.Background())
		done <- err
	}()
	<-h.crawler.entered

	p := h.orch.Progress()
	require.True(t, p.Running)
	require.Equal(t, "rec1", p.Current)
	require.NotNil(t, p.Live)

	_, err := h.orch.RunAll(context.Background())
	require.ErrorIs(t, err, crawler.ErrRunInProgress)
	_, err = h.orch.RunOne(context.Background(), "rec1")
	require.ErrorIs(t, err, crawler.ErrRunInProgress)
	require.ErrorIs(t, h.orch.Start(context.Background()), crawler.ErrRunInProgress)
	require.Equal(t, 1, h.browser.Opened())

	close(h.crawler.block)
	require.NoError(t, <-done)
	require.False(t, h.orch.Progress().Running)
}

func TestStartRunsInBackground(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1", "rec2")
	require.NoError(t, h.orch.Start(context.Background()))
	require.Eventually(t, func() bool {
		p := h.orch.Progress()
		return !p.Running && p.Last != nil
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 2, h.orch.Progress().Last.Succeeded)
}

func TestRunWithoutSessionDoesNotOpenBrowser(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	h.sessions = memory.NewCredentialStore()
	h.orch = New(h.deps(), Config{}, nil)

	summary, err := h.orch.RunAll(context.Background())
	require.ErrorIs(t, err, crawler.ErrNotAuthenticated)
	require.NotEmpty(t, summary.Error)
	require.Zero(t, h.browser.Opened())
	require.False(t, h.orch.Status(context.Background()))
	require.Equal(t, progress.StageRunError, h.events.Stages()[len(h.events.Stages())-1])
	require.NotNil(t, h.orch.Progress().Last)
}

func TestBrowserFailureAbortsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	h.browser.Err = errors.New("chrome not found")

	_, err := h.orch.RunAll(context.Background())
	require.ErrorContains(t, err, "chrome not found")
	require.Zero(t, h.crawler.Calls("rec1"))
	require.False(t, h.orch.Progress().Running)
}

func TestRunOne(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1", "rec2")

	_, err := h.orch.RunOne(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Zero(t, h.browser.Opened())

	summary, err := h.orch.RunOne(context.Background(), "rec2")
	require.NoError(t, err)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, map[string]int{"rec2": 1}, summary.PerRecord)
	require.Zero(t, h.crawler.Calls("rec1"))
	require.True(t, h.orch.Status(context.Background()))
}

func TestAppendModeMergesByUUID(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Mode: ModeAppend}, "rec1")
	first := entries("rec1", 2)
	second := append(entries("rec1", 1), entries("rec1-new", 1)...)
	h.crawler.scripts["rec1"] = []outcome{{entries: first}}

	_, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	h.crawler.mu.Lock()
	h.crawler.scripts["rec1"] = []outcome{{entries: second}}
	h.crawler.calls = map[string]int{}
	h.crawler.mu.Unlock()
	_, err = h.orch.RunAll(context.Background())
	require.NoError(t, err)

	log, err := h.store.GetChangeLog(context.Background(), "rec1")
	require.NoError(t, err)
	ids := make([]string, 0, len(log.Entries))
	for _, e := range log.Entries {
		ids = append(ids, e.UUID)
	}
	require.Equal(t, []string{"rec1-act0", "rec1-act1", "rec1-new-act0"}, ids)
}

func TestReplaceModeOverwrites(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	h.crawler.scripts["rec1"] = []outcome{{entries: entries("rec1", 3)}}
	_, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)

	h.crawler.mu.Lock()
	h.crawler.scripts["rec1"] = []outcome{{entries: entries("rec1", 1)}}
	h.crawler.mu.Unlock()
	_, err = h.orch.RunAll(context.Background())
	require.NoError(t, err)

	log, err := h.store.GetChangeLog(context.Background(), "rec1")
	require.NoError(t, err)
	require.Len(t, log.Entries, 1)
}

func TestPublishFailureDoesNotFailRecord(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	h.publisher.FailWith(errors.New("pubsub down"))

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Succeeded)
	require.Empty(t, h.publisher.Messages())
}

func TestPersistFailureIsClassified(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, "rec1")
	deps := h.deps()
	deps.Logs = failingLogs{h.store}
	h.orch = New(deps, Config{}, nil)

	summary, err := h.orch.RunAll(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Failed)
	require.Equal(t, crawler.FailurePersist, summary.Failures[0].Kind)
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	m, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeReplace, m)
	m, err = ParseMode("append")
	require.NoError(t, err)
	require.Equal(t, ModeAppend, m)
	_, err = ParseMode("merge")
	require.Error(t, err)
}
