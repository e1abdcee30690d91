package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

var cred = crawler.Credential{AccessToken: "tok-123"}

func newFetcher(t *testing.T, baseURL string) *Fetcher {
	t.Helper()
	f, err := New(Config{BaseURL: baseURL, UserAgent: "revision-test", Timeout: 2 * time.Second}, nil, nil)
	require.NoError(t, err)
	return f
}

func TestFetchPageDecodesItemsAndCursor(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/meta/bases", r.URL.Path)
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		assert.Equal(t, "revision-test", r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("offset") == "" {
			_, _ = w.Write([]byte(`{"bases":[{"id":"app1"},{"id":"app2"}],"offset":"itr2"}`))
			return
		}
		assert.Equal(t, "itr2", r.URL.Query().Get("offset"))
		_, _ = w.Write([]byte(`{"bases":[{"id":"app3"}]}`))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	page, err := f.FetchPage(context.Background(), cred, crawler.ResourceRequest{Path: "/v0/meta/bases", ItemsKey: "bases"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.Equal(t, "itr2", page.Cursor)

	var first struct{ ID string }
	require.NoError(t, json.Unmarshal(page.Items[0], &first))
	require.Equal(t, "app1", first.ID)

	page, err = f.FetchPage(context.Background(), cred, crawler.ResourceRequest{
		Path: "/v0/meta/bases", ItemsKey: "bases", Cursor: "itr2",
	})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.Empty(t, page.Cursor)
}

func TestFetchPageRevisitsSameURL(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"tables":[]}`))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	req := crawler.ResourceRequest{Path: "/v0/meta/bases/app1/tables", ItemsKey: "tables"}
	for i := 0; i < 2; i++ {
		page, err := f.FetchPage(context.Background(), cred, req)
		require.NoError(t, err)
		require.Empty(t, page.Items)
	}
	require.Equal(t, int32(2), hits.Load())
}

func TestFetchPageHTTPErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/denied" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"type":"AUTHENTICATION_REQUIRED"}}`))
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)

	_, err := f.FetchPage(context.Background(), cred, crawler.ResourceRequest{Path: "/denied", ItemsKey: "bases"})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
	require.ErrorIs(t, err, crawler.ErrNotAuthenticated)
	var fetchErr *crawler.FetchError
	require.True(t, errors.As(err, &fetchErr))
	require.Equal(t, http.StatusUnauthorized, fetchErr.Status)

	_, err = f.FetchPage(context.Background(), cred, crawler.ResourceRequest{Path: "/broken", ItemsKey: "bases"})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
	require.NotErrorIs(t, err, crawler.ErrNotAuthenticated)
}

func TestFetchPageMissingItemsKeyIsEmptyPage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"something":"else"}`))
	}))
	defer srv.Close()

	page, err := newFetcher(t, srv.URL).FetchPage(context.Background(), cred,
		crawler.ResourceRequest{Path: "/v0/meta/bases", ItemsKey: "bases"})
	require.NoError(t, err)
	require.Empty(t, page.Items)
	require.Empty(t, page.Cursor)
}

func TestFetchPageRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/not-json" {
			_, _ = w.Write([]byte(`<html>maintenance</html>`))
			return
		}
		_, _ = w.Write([]byte(`{"records":{"id":"rec1"}}`))
	}))
	defer srv.Close()

	f := newFetcher(t, srv.URL)
	_, err := f.FetchPage(context.Background(), cred,
		crawler.ResourceRequest{Path: "/v0/app1/tbl1", ItemsKey: "records"})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)

	_, err = f.FetchPage(context.Background(), cred,
		crawler.ResourceRequest{Path: "/not-json", ItemsKey: "records"})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
}

func TestFetchPageRequiresCredential(t *testing.T) {
	t.Parallel()

	f := newFetcher(t, "https://api.invalid")
	_, err := f.FetchPage(context.Background(), crawler.Credential{}, crawler.ResourceRequest{Path: "/x", ItemsKey: "x"})
	require.ErrorIs(t, err, crawler.ErrNotAuthenticated)
}

func TestFetchPageUsesLimiter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"bases":[]}`))
	}))
	defer srv.Close()

	waiter := &countingWaiter{}
	f, err := New(Config{BaseURL: srv.URL}, waiter, nil)
	require.NoError(t, err)
	_, err = f.FetchPage(context.Background(), cred, crawler.ResourceRequest{Path: "/v0/meta/bases", ItemsKey: "bases"})
	require.NoError(t, err)
	require.Equal(t, 1, waiter.calls)

	waiter.err = context.DeadlineExceeded
	_, err = f.FetchPage(context.Background(), cred, crawler.ResourceRequest{Path: "/v0/meta/bases", ItemsKey: "bases"})
	require.ErrorIs(t, err, crawler.ErrFetchFailed)
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	f, err := New(Config{BaseURL: "https://api.example.com/"}, nil, nil)
	require.NoError(t, err)
	got := f.pageURL(crawler.ResourceRequest{Path: "v0/app1/tbl1", Cursor: "itr/9", PageSize: 50})
	require.Equal(t, "https://api.example.com/v0/app1/tbl1?offset=itr%2F9&pageSize=50", got)
	require.Equal(t, "https://api.example.com/v0/meta/bases", f.pageURL(crawler.ResourceRequest{Path: "/v0/meta/bases"}))

	_, err = New(Config{BaseURL: "not a url"}, nil, nil)
	require.Error(t, err)
}

type countingWaiter struct {
	calls int
	err   error
}

func (w *countingWaiter) Wait(context.Context, string) error {
	w.calls++
	return w.err
}
