// Package collyfetcher pages through the bearer-token API using gocolly.
package collyfetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/metrics"
)

// Config controls collector behavior.
type Config struct {
	BaseURL   string
	UserAgent string
	Timeout   time.Duration
	// CursorParam names both the query parameter and the response field carrying the cursor.
	CursorParam string
}

// Waiter paces outgoing requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements crawler.ResourceFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	base          *url.URL
	baseCollector *colly.Collector
	limiter       Waiter
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid api base url %q", cfg.BaseURL)
	}
	if cfg.CursorParam == "" {
		cfg.CursorParam = "offset"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
	)
	c.WithTransport(newHTTPTransport())
	return &Fetcher{
		cfg:           cfg,
		base:          base,
		baseCollector: c,
		limiter:       limiter,
		logger:        logger,
	}, nil
}

// FetchPage requests one page and decodes its items and next cursor.
func (f *Fetcher) FetchPage(
	ctx context.Context,
	cred crawler.Credential,
	req crawler.ResourceRequest,
) (crawler.ResourcePage, error) {
	if !cred.Valid() {
		return crawler.ResourcePage{}, crawler.ErrNotAuthenticated
	}
	target := f.pageURL(req)
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, target); err != nil {
			return crawler.ResourcePage{}, &crawler.FetchError{URL: target, Err: err}
		}
	}

	var (
		resp     response
		fetchErr error
	)
	collector := f.buildCollector(cred, &resp, &fetchErr)
	if err := runCollector(ctx, collector, target, &fetchErr); err != nil {
		return crawler.ResourcePage{}, &crawler.FetchError{URL: target, Status: resp.status, Err: err}
	}
	metrics.ObserveAPIPage(target, resp.status, len(resp.body))

	if resp.status < 200 || resp.status > 299 {
		var cause error
		if resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden {
			cause = crawler.ErrNotAuthenticated
		}
		f.logger.Warn("api page rejected",
			zap.String("path", req.Path),
			zap.Int("status", resp.status),
			zap.String("body", truncate(resp.body, 256)),
		)
		return crawler.ResourcePage{}, &crawler.FetchError{URL: target, Status: resp.status, Err: cause}
	}
	page, err := decodePage(resp.body, req.ItemsKey, f.cfg.CursorParam)
	if err != nil {
		return crawler.ResourcePage{}, &crawler.FetchError{URL: target, Status: resp.status, Err: err}
	}
	return page, nil
}

type response struct {
	status int
	body   []byte
}

func (f *Fetcher) pageURL(req crawler.ResourceRequest) string {
	u := *f.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(req.Path, "/")
	q := u.Query()
	if req.Cursor != "" {
		q.Set(f.cfg.CursorParam, req.Cursor)
	}
	if req.PageSize > 0 {
		q.Set("pageSize", strconv.Itoa(req.PageSize))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (f *Fetcher) buildCollector(cred crawler.Credential, resp *response, fetchErr *error) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	f.configureCollectorHooks(collector, cred, resp, fetchErr)
	return collector
}

func (f *Fetcher) configureCollectorHooks(
	hooks collectorHooks,
	cred crawler.Credential,
	resp *response,
	fetchErr *error,
) {
	tokenType := cred.TokenType
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	hooks.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Authorization", tokenType+" "+cred.AccessToken)
		r.Headers.Set("Accept", "application/json")
	})
	hooks.OnResponse(func(r *colly.Response) {
		resp.status = r.StatusCode
		resp.body = append([]byte(nil), r.Body...)
	})
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			resp.status = r.StatusCode
			resp.body = append([]byte(nil), r.Body...)
		}
		*fetchErr = err
	})
}

func runCollector(ctx context.Context, collector *colly.Collector, target string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func decodePage(body []byte, itemsKey, cursorKey string) (crawler.ResourcePage, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(body, &envelope); err != nil {
		return crawler.ResourcePage{}, fmt.Errorf("decode page: %w", err)
	}
	var page crawler.ResourcePage
	// A missing or null collection is an empty page.
	if rawItems, ok := envelope[itemsKey]; ok && string(rawItems) != "null" {
		if err := json.Unmarshal(rawItems, &page.Items); err != nil {
			return crawler.ResourcePage{}, fmt.Errorf("decode %s: %w", itemsKey, err)
		}
	}
	if rawCursor, ok := envelope[cursorKey]; ok && string(rawCursor) != "null" {
		if err := json.Unmarshal(rawCursor, &page.Cursor); err != nil {
			return crawler.ResourcePage{}, errors.New("decode page: cursor is not a string")
		}
	}
	return page, nil
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
	}
}
