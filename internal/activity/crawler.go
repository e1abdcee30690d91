// Package activity replays a captured session inside a browser page and reads
// a record's revision history from the internal activity endpoint.
package activity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/diff"
	"github.com/JakeFAU/revision-crawler/internal/metrics"
)

// Config describes where the web application lives and how requests are shaped.
type Config struct {
	WebURL   string
	LoginURL string
	// PageSize bounds the activities requested per record.
	PageSize int
	Locale   string
	TimeZone string
}

func (c Config) withDefaults() Config {
	if c.WebURL == "" {
		c.WebURL = "https://airtable.com"
	}
	c.WebURL = strings.TrimRight(c.WebURL, "/")
	if c.LoginURL == "" {
		c.LoginURL = c.WebURL + "/login"
	}
	if c.PageSize <= 0 {
		c.PageSize = 10
	}
	if c.Locale == "" {
		c.Locale = "en"
	}
	if c.TimeZone == "" {
		c.TimeZone = "America/Toronto"
	}
	return c
}

// Crawler implements the per-record history crawl.
type Crawler struct {
	store  crawler.CredentialStore
	parser *diff.Parser
	cfg    Config
	logger *zap.Logger
}

// New wires a Crawler. A nil parser uses the default selectors and tracked types.
func New(store crawler.CredentialStore, parser *diff.Parser, cfg Config, logger *zap.Logger) *Crawler {
	if parser == nil {
		parser = diff.New(diff.Selectors{}, nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		store:  store,
		parser: parser,
		cfg:    cfg.withDefaults(),
		logger: logger.Named("activity"),
	}
}

type activityInfo struct {
	DiffRowHTML       string `json:"diffRowHtml"`
	OriginatingUserID string `json:"originatingUserId"`
	CreatedTime       string `json:"createdTime"`
}

type userInfo struct {
	Name string `json:"name"`
}

type activityParams struct {
	Limit                 int     `json:"limit"`
	OffsetV2              *string `json:"offsetV2"`
	DeserializedItems     bool    `json:"shouldReturnDeserializedActivityItems"`
	IncludeUserObjectByID bool    `json:"shouldIncludeRowActivityOrCommentUserObjById"`
}

type activityResponse struct {
	Data struct {
		OrderedIDs []string                `json:"orderedActivityAndCommentIds"`
		Activities map[string]activityInfo `json:"rowActivityInfoById"`
		Users      map[string]userInfo     `json:"rowActivityOrCommentUserObjById"`
	} `json:"data"`
}

// CrawlRecord returns the record's change entries in server order. Auth
// rejection yields crawler.ErrAuthExpired; other failures a *crawler.FetchError.
func (c *Crawler) CrawlRecord(ctx context.Context, page crawler.Page, ref crawler.RecordRef) ([]crawler.ChangeEntry, error) {
	bundle, err := c.store.Load(ctx)
	if err != nil {
		if errors.Is(err, crawler.ErrNotFound) {
			return nil, crawler.ErrNotAuthenticated
		}
		return nil, fmt.Errorf("load session bundle: %w", err)
	}
	if err := c.replay(ctx, page, bundle, ref.WorkspaceID); err != nil {
		return nil, err
	}

	target := c.endpoint(ref.ID)
	resp, err := page.Fetch(ctx, crawler.PageRequest{URL: target, Headers: c.headers(ref.WorkspaceID)})
	if err != nil {
		return nil, &crawler.FetchError{URL: target, Err: err}
	}
	metrics.ObserveActivityFetch(resp.Status)

	switch {
	case resp.Status == http.StatusUnauthorized || resp.Status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: activity endpoint returned HTTP %d", crawler.ErrAuthExpired, resp.Status)
	case resp.Redirected && c.isLogin(resp.URL):
		return nil, fmt.Errorf("%w: activity request redirected to login", crawler.ErrAuthExpired)
	case resp.Status < 200 || resp.Status > 299:
		return nil, &crawler.FetchError{URL: target, Status: resp.Status}
	}

	var decoded activityResponse
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return nil, &crawler.FetchError{URL: target, Status: resp.Status, Err: fmt.Errorf("decode activity response: %w", err)}
	}
	return c.assemble(ref, decoded), nil
}

// replay installs the bundle into the page and opens the workspace.
func (c *Crawler) replay(ctx context.Context, page crawler.Page, bundle crawler.SessionBundle, workspaceID string) error {
	if err := page.Navigate(ctx, "about:blank"); err != nil {
		return &crawler.FetchError{URL: "about:blank", Err: err}
	}
	if err := page.SetCookies(ctx, bundle.Cookies); err != nil {
		return fmt.Errorf("replay cookies: %w", err)
	}
	workspaceURL := c.cfg.WebURL + "/" + url.PathEscape(workspaceID)
	if err := page.Navigate(ctx, workspaceURL); err != nil {
		return &crawler.FetchError{URL: workspaceURL, Err: err}
	}
	loc, err := page.Location(ctx)
	if err != nil {
		return fmt.Errorf("read location: %w", err)
	}
	if c.isLogin(loc) {
		return fmt.Errorf("%w: workspace redirected to login", crawler.ErrAuthExpired)
	}
	if err := page.SetLocalStorage(ctx, bundle.Storage); err != nil {
		return fmt.Errorf("replay storage: %w", err)
	}
	return nil
}

func (c *Crawler) endpoint(recordID string) string {
	params, _ := json.Marshal(activityParams{
		Limit:                 c.cfg.PageSize,
		DeserializedItems:     true,
		IncludeUserObjectByID: true,
	})
	q := url.Values{"stringifiedObjectParams": {string(params)}}
	return fmt.Sprintf("%s/v0.3/row/%s/readRowActivitiesAndComments?%s",
		c.cfg.WebURL, url.PathEscape(recordID), q.Encode())
}

func (c *Crawler) headers(workspaceID string) map[string]string {
	return map[string]string{
		"accept":                    "application/json, text/javascript, */*; q=0.01",
		"x-airtable-application-id": workspaceID,
		"x-requested-with":          "XMLHttpRequest",
		"x-user-locale":             c.cfg.Locale,
		"x-time-zone":               c.cfg.TimeZone,
		"referer":                   c.cfg.WebURL + "/" + workspaceID,
	}
}

func (c *Crawler) isLogin(loc string) bool {
	return loc != "" && strings.HasPrefix(loc, c.cfg.LoginURL)
}

// assemble parses activities in server order. Ids missing from the activity
// map are skipped in place and repeated ids keep their first occurrence.
func (c *Crawler) assemble(ref crawler.RecordRef, resp activityResponse) []crawler.ChangeEntry {
	users := make(map[string]string, len(resp.Data.Users))
	for id, u := range resp.Data.Users {
		users[id] = u.Name
	}

	entries := make([]crawler.ChangeEntry, 0, len(resp.Data.OrderedIDs))
	seen := make(map[string]struct{}, len(resp.Data.OrderedIDs))
	var missing, skipped, failed int
	for _, id := range resp.Data.OrderedIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		info, ok := resp.Data.Activities[id]
		if !ok {
			missing++
			continue
		}
		res := c.parser.Parse(info.DiffRowHTML, diff.Meta{
			ActivityID:        id,
			RecordID:          ref.ID,
			OriginatingUserID: info.OriginatingUserID,
			Timestamp:         parseTime(info.CreatedTime),
			Users:             users,
		})
		switch res.Outcome {
		case diff.Parsed:
			entries = append(entries, res.Entry)
		case diff.Skipped:
			skipped++
		default:
			failed++
			c.logger.Debug("activity not parseable",
				zap.String("record_id", ref.ID),
				zap.String("activity_id", id),
				zap.String("reason", res.Reason),
			)
		}
	}
	c.logger.Debug("activities assembled",
		zap.String("record_id", ref.ID),
		zap.Int("entries", len(entries)),
		zap.Int("missing", missing),
		zap.Int("skipped", skipped),
		zap.Int("unparsed", failed),
	)
	return entries
}

func parseTime(raw string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}
