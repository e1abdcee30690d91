// Package headless drives a real Chrome instance through chromedp. It hands
// out tabs that implement crawler.Page for the login flow and for replaying a
// captured session against the internal activity endpoint.
package headless

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// Config controls the browser process and per-action timeouts.
type Config struct {
	ExecPath          string
	Headless          bool
	NoSandbox         bool
	UserAgent         string
	ViewportWidth     int
	ViewportHeight    int
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.ViewportWidth <= 0 {
		c.ViewportWidth = 1280
	}
	if c.ViewportHeight <= 0 {
		c.ViewportHeight = 800
	}
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 45 * time.Second
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = 15 * time.Second
	}
	return c
}

// Browser owns one Chrome process. Pages are tabs in that process.
type Browser struct {
	cfg    Config
	logger *zap.Logger

	allocCtx    context.Context
	allocCancel context.CancelFunc

	mu         sync.Mutex
	rootCtx    context.Context
	rootCancel context.CancelFunc
	closed     bool
}

// NewChromedp prepares an allocator. Chrome starts lazily on the first NewPage.
func NewChromedp(cfg Config, logger *zap.Logger) *Browser {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(cfg)...)
	return &Browser{
		cfg:         cfg,
		logger:      logger,
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
	}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(cfg.ViewportWidth, cfg.ViewportHeight),
	)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	if cfg.NoSandbox {
		opts = append(opts, chromedp.NoSandbox)
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	return opts
}

// NewPage opens a tab configured with the browser identity.
func (b *Browser) NewPage(ctx context.Context) (crawler.Page, error) {
	root, err := b.root()
	if err != nil {
		return nil, err
	}
	tabCtx, tabCancel := chromedp.NewContext(root)
	p := &Page{ctx: tabCtx, cancel: tabCancel, cfg: b.cfg}
	if err := p.run(ctx, b.cfg.NavigationTimeout, p.setupAction()); err != nil {
		tabCancel()
		return nil, fmt.Errorf("open tab: %w", err)
	}
	b.logger.Debug("browser tab opened")
	return p, nil
}

// root starts Chrome once; later tabs share the process.
func (b *Browser) root() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("browser closed")
	}
	if b.rootCtx != nil {
		return b.rootCtx, nil
	}
	rootCtx, rootCancel := chromedp.NewContext(b.allocCtx)
	if err := chromedp.Run(rootCtx); err != nil {
		rootCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}
	b.rootCtx = rootCtx
	b.rootCancel = rootCancel
	b.logger.Info("browser started", zap.Bool("headless", b.cfg.Headless))
	return rootCtx, nil
}

// Close stops Chrome. It is safe to call more than once.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.rootCancel != nil {
		b.rootCancel()
	}
	b.allocCancel()
	return nil
}

// Page is one Chrome tab.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    Config
	once   sync.Once
}

var _ crawler.Page = (*Page)(nil)

func (p *Page) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if p.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(p.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		err := emulation.SetDeviceMetricsOverride(int64(p.cfg.ViewportWidth), int64(p.cfg.ViewportHeight), 1, false).Do(ctx)
		if err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
		return nil
	})
}

// run executes actions on the tab bounded by timeout and by the caller's ctx.
func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}

// Navigate loads url and waits for the document to be ready.
func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := p.run(ctx, p.cfg.NavigationTimeout, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigate: %w", err)
	}
	return nil
}

// Location returns the tab's current URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var loc string
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Location(&loc)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return loc, nil
}

// WaitVisible reports whether selector became visible within timeout.
func (p *Page) WaitVisible(ctx context.Context, selector string, timeout time.Duration) (bool, error) {
	err := p.run(ctx, timeout, chromedp.WaitVisible(selector, chromedp.ByQuery))
	switch {
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	case errors.Is(err, context.DeadlineExceeded):
		return false, nil
	default:
		return false, fmt.Errorf("wait for %s: %w", selector, err)
	}
}

// Type focuses selector and sends text as key events.
func (p *Page) Type(ctx context.Context, selector, text string) error {
	err := p.run(ctx, p.cfg.ActionTimeout,
		chromedp.WaitVisible(selector, chromedp.ByQuery),
		chromedp.SendKeys(selector, text, chromedp.ByQuery),
	)
	if err != nil {
		return fmt.Errorf("type into %s: %w", selector, err)
	}
	return nil
}

// Click clicks the first visible match of selector.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// PressEnter sends an Enter key press to the focused element.
func (p *Page) PressEnter(ctx context.Context) error {
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.KeyEvent(enterKey)); err != nil {
		return fmt.Errorf("press enter: %w", err)
	}
	return nil
}

// Cookies returns every cookie in the browser.
func (p *Page) Cookies(ctx context.Context) ([]crawler.Cookie, error) {
	var out []crawler.Cookie
	err := p.run(ctx, p.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		cookies, err := getAllCookies(ctx)
		if err != nil {
			return err
		}
		out = fromNetworkCookies(cookies)
		return nil
	}))
	if err != nil {
		return nil, fmt.Errorf("read cookies: %w", err)
	}
	return out, nil
}

// SetCookies installs cookies into the browser.
func (p *Page) SetCookies(ctx context.Context, cookies []crawler.Cookie) error {
	if len(cookies) == 0 {
		return nil
	}
	err := p.run(ctx, p.cfg.ActionTimeout, chromedp.ActionFunc(func(ctx context.Context) error {
		return network.SetCookies(toCookieParams(cookies)).Do(ctx)
	}))
	if err != nil {
		return fmt.Errorf("set cookies: %w", err)
	}
	return nil
}

// LocalStorage snapshots window.localStorage of the current origin.
func (p *Page) LocalStorage(ctx context.Context) (map[string]string, error) {
	items := map[string]string{}
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Evaluate(readStorageScript, &items)); err != nil {
		return nil, fmt.Errorf("read local storage: %w", err)
	}
	return items, nil
}

// SetLocalStorage writes items into window.localStorage of the current origin.
func (p *Page) SetLocalStorage(ctx context.Context, items map[string]string) error {
	if len(items) == 0 {
		return nil
	}
	script, err := writeStorageScript(items)
	if err != nil {
		return err
	}
	var written int
	if err := p.run(ctx, p.cfg.ActionTimeout, chromedp.Evaluate(script, &written)); err != nil {
		return fmt.Errorf("write local storage: %w", err)
	}
	return nil
}

// Fetch issues a GET from inside the page so the session cookies apply.
func (p *Page) Fetch(ctx context.Context, req crawler.PageRequest) (crawler.PageResponse, error) {
	script, err := fetchScript(req)
	if err != nil {
		return crawler.PageResponse{}, err
	}
	var res fetchResult
	if err := p.run(ctx, p.cfg.NavigationTimeout, chromedp.Evaluate(script, &res, awaitPromise)); err != nil {
		return crawler.PageResponse{}, fmt.Errorf("in-page fetch: %w", err)
	}
	if res.Error != "" {
		return crawler.PageResponse{}, fmt.Errorf("in-page fetch: %s", res.Error)
	}
	return crawler.PageResponse{
		Status:     res.Status,
		Body:       []byte(res.Body),
		URL:        res.URL,
		Redirected: res.Redirected,
	}, nil
}

// Close closes the tab.
func (p *Page) Close() error {
	p.once.Do(p.cancel)
	return nil
}
