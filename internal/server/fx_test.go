package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/config"
	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/fetcher/headless"
)

func upstream(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v0/meta/bases":
			_, _ = w.Write([]byte(`{"bases":[{"id":"app1","name":"Ops","permissionLevel":"create"}]}`))
		case "/v0/meta/bases/app1/tables":
			_, _ = w.Write([]byte(`{"tables":[{"id":"tbl1","name":"Tasks","primaryFieldId":"fld1","fields":[]}]}`))
		case "/v0/app1/tbl1":
			_, _ = w.Write([]byte(`{"records":[{"id":"rec1","fields":{"Name":"first"}},{"id":"rec2","fields":{}}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, apiURL string) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.API.BaseURL = apiURL
	cfg.API.AccessToken = "tok"
	cfg.API.RPS = 0
	cfg.Auth.Email = "ops@example.test"
	cfg.Auth.Password = "hunter2"
	cfg.Headless.Enabled = false
	cfg.Progress.Enabled = false
	cfg.Credentials.Backend = config.BackendLocal
	cfg.Credentials.Path = filepath.Join(t.TempDir(), "session.json")
	return &cfg
}

func TestBuildWiresInMemoryApp(t *testing.T) {
	srv := upstream(t)
	ctx := context.Background()

	app, err := Build(ctx, testConfig(t, srv.URL))
	require.NoError(t, err)
	t.Cleanup(func() { app.Close(ctx) })

	result, err := app.Sync(ctx)
	require.NoError(t, err)
	require.Equal(t, crawler.SyncResult{Workspaces: 1, Containers: 1, Records: 2, Pages: 3}, result)

	refs, err := app.entities.ListRecordRefs(ctx)
	require.NoError(t, err)
	require.Len(t, refs, 2)
	require.Equal(t, crawler.RecordRef{ID: "rec1", WorkspaceID: "app1", ContainerID: "tbl1"}, refs[0])

	require.False(t, app.Ready(ctx))

	_, err = app.CrawlOne(ctx, "rec1")
	require.ErrorIs(t, err, crawler.ErrNotAuthenticated)

	_, err = app.CrawlOne(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	_, err = app.Login(ctx, "")
	require.ErrorIs(t, err, headless.ErrUnavailable)

	runs, err := app.Runs(ctx, 10)
	require.NoError(t, err)
	require.Nil(t, runs)

	_, err = app.Migrate()
	require.Error(t, err)

	// A stored session moves the crawl past authentication to the browser.
	require.NoError(t, app.sessions.Save(ctx, crawler.SessionBundle{
		Cookies:    []crawler.Cookie{{Name: "s", Value: "v"}},
		CapturedAt: time.Now(),
	}))
	require.True(t, app.Ready(ctx))
	_, err = app.CrawlAll(ctx)
	require.ErrorIs(t, err, headless.ErrUnavailable)

	rec := httptest.NewRecorder()
	app.apiServer.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/auth/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"authenticated":true}`, rec.Body.String())
}

func TestBuildRejectsBadBackends(t *testing.T) {
	cfg := testConfig(t, "https://api.example.test")
	cfg.Credentials.Backend = config.BackendPostgres

	_, err := Build(context.Background(), cfg)
	require.Error(t, err)
}
