package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/fetcher/headless/headlesstest"
	"github.com/JakeFAU/revision-crawler/internal/storage/memory"
)

var capturedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return capturedAt }

func loginPage() *headlesstest.Page {
	sel := DefaultSelectors()
	page := headlesstest.NewPage()
	page.Visible[sel.Email] = true
	page.Visible[sel.Password] = true
	page.Visible[sel.AuthenticatedMarker] = true
	page.Jar = []crawler.Cookie{{Name: "__Host-airtable-session", Value: "s1", Domain: "airtable.com", Path: "/"}}
	page.Storage["sessionToken"] = "abc"
	return page
}

func newService(page *headlesstest.Page) (*Service, *memory.CredentialStore, *headlesstest.Browser) {
	store := memory.NewCredentialStore()
	browser := headlesstest.NewBrowser(page)
	svc := New(browser, store, fixedClock{}, Config{Email: "ops@example.com", Password: "hunter2"}, nil)
	return svc, store, browser
}

func TestLoginCapturesAndSavesBundle(t *testing.T) {
	t.Parallel()

	page := loginPage()
	svc, store, browser := newService(page)

	bundle, err := svc.Login(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, capturedAt, bundle.CapturedAt)
	require.Len(t, bundle.Cookies, 1)
	require.Equal(t, "abc", bundle.Storage["sessionToken"])

	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, bundle, saved)

	sel := DefaultSelectors()
	require.Equal(t, "ops@example.com", page.Typed(sel.Email))
	require.Equal(t, "hunter2", page.Typed(sel.Password))
	require.Equal(t, 1, browser.Opened())
	require.Equal(t, 1, page.Closes())
	require.Equal(t, "Navigate https://airtable.com/login", page.Calls()[0])
	require.True(t, svc.Ready(context.Background()))
}

func TestLoginSecondFactorWithoutCode(t *testing.T) {
	t.Parallel()

	page := loginPage()
	page.Visible[DefaultSelectors().SecondFactor] = true
	svc, store, _ := newService(page)

	_, err := svc.Login(context.Background(), "")
	require.ErrorIs(t, err, crawler.ErrSecondFactorRequired)
	require.Zero(t, store.Saves())
	require.False(t, svc.Ready(context.Background()))
}

func TestLoginSecondFactorSubmitsCode(t *testing.T) {
	t.Parallel()

	sel := DefaultSelectors()

	t.Run("click submit control", func(t *testing.T) {
		t.Parallel()
		page := loginPage()
		page.Visible[sel.SecondFactor] = true
		page.Visible[sel.SecondFactorSubmit] = true
		svc, store, _ := newService(page)

		_, err := svc.Login(context.Background(), "123456")
		require.NoError(t, err)
		require.Equal(t, "123456", page.Typed(sel.SecondFactor))
		require.Contains(t, page.Calls(), "Click "+sel.SecondFactorSubmit)
		require.NotContains(t, page.Calls(), "PressEnter ")
		require.Equal(t, 1, store.Saves())
	})

	t.Run("enter when control missing", func(t *testing.T) {
		t.Parallel()
		page := loginPage()
		page.Visible[sel.SecondFactor] = true
		svc, _, _ := newService(page)

		_, err := svc.Login(context.Background(), "123456")
		require.NoError(t, err)
		require.Contains(t, page.Calls(), "PressEnter ")
	})

	t.Run("enter when click fails", func(t *testing.T) {
		t.Parallel()
		page := loginPage()
		page.Visible[sel.SecondFactor] = true
		page.Visible[sel.SecondFactorSubmit] = true
		page.Fail["Click "+sel.SecondFactorSubmit] = errors.New("detached node")
		svc, _, _ := newService(page)

		_, err := svc.Login(context.Background(), "123456")
		require.NoError(t, err)
		require.Contains(t, page.Calls(), "PressEnter ")
	})
}

func TestLoginMissingMarkerIsNotFatal(t *testing.T) {
	t.Parallel()

	page := loginPage()
	page.Visible[DefaultSelectors().AuthenticatedMarker] = false
	svc, store, _ := newService(page)

	_, err := svc.Login(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, 1, store.Saves())
}

func TestLoginCaptureFailureSavesNothing(t *testing.T) {
	t.Parallel()

	cases := map[string]func(p *headlesstest.Page){
		"cookies error":  func(p *headlesstest.Page) { p.Fail["Cookies"] = errors.New("target closed") },
		"no cookies":     func(p *headlesstest.Page) { p.Jar = nil },
		"storage error":  func(p *headlesstest.Page) { p.Fail["LocalStorage"] = errors.New("eval failed") },
		"form not found": func(p *headlesstest.Page) { p.Visible[DefaultSelectors().Password] = false },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			page := loginPage()
			mutate(page)
			svc, store, _ := newService(page)

			_, err := svc.Login(context.Background(), "")
			require.Error(t, err)
			require.Zero(t, store.Saves())
		})
	}
}

func TestLoginRejectsConcurrentAttempt(t *testing.T) {
	t.Parallel()

	svc, _, browser := newService(loginPage())
	svc.mu.Lock()
	_, err := svc.Login(context.Background(), "")
	svc.mu.Unlock()
	require.ErrorIs(t, err, crawler.ErrLoginInProgress)
	require.Zero(t, browser.Opened())
}

func TestLoginRequiresConfiguredCredentials(t *testing.T) {
	t.Parallel()

	page := loginPage()
	svc := New(headlesstest.NewBrowser(page), memory.NewCredentialStore(), fixedClock{}, Config{}, nil)
	_, err := svc.LoginOnPage(context.Background(), page, "")
	require.Error(t, err)
	require.Empty(t, page.Calls())
}
