// Package headlesstest provides scriptable crawler.Browser and crawler.Page
// fakes for tests that must not start Chrome.
package headlesstest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// Browser hands out the same Page on every call.
type Browser struct {
	mu     sync.Mutex
	Page   *Page
	Err    error
	opened int
	closed bool
}

// NewBrowser wraps page.
func NewBrowser(page *Page) *Browser {
	return &Browser{Page: page}
}

// NewPage implements crawler.Browser.
func (b *Browser) NewPage(context.Context) (crawler.Page, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Err != nil {
		return nil, b.Err
	}
	b.opened++
	return b.Page, nil
}

// Close implements crawler.Browser.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Opened counts successful NewPage calls.
func (b *Browser) Opened() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

// Page records every interaction. Failures are injected through Fail, keyed
// by "<Method>" or "<Method> <arg>".
type Page struct {
	mu sync.Mutex

	Visible   map[string]bool
	Redirects map[string]string
	Jar       []crawler.Cookie
	Storage   map[string]string
	Fail      map[string]error
	FetchFunc func(req crawler.PageRequest) (crawler.PageResponse, error)

	location string
	typed    map[string]string
	calls    []string
	closes   int
}

// NewPage returns an empty Page.
func NewPage() *Page {
	return &Page{
		Visible:   map[string]bool{},
		Redirects: map[string]string{},
		Storage:   map[string]string{},
		Fail:      map[string]error{},
		typed:     map[string]string{},
	}
}

func (p *Page) record(op, arg string) error {
	p.calls = append(p.calls, fmt.Sprintf("%s %s", op, arg))
	if err, ok := p.Fail[op+" "+arg]; ok {
		return err
	}
	return p.Fail[op]
}

// Navigate implements crawler.Page.
func (p *Page) Navigate(_ context.Context, url string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("Navigate", url); err != nil {
		return err
	}
	if to, ok := p.Redirects[url]; ok {
		p.location = to
		return nil
	}
	p.location = url
	return nil
}

// Location implements crawler.Page.
func (p *Page) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.Fail["Location"]; err != nil {
		return "", err
	}
	return p.location, nil
}

// WaitVisible implements crawler.Page.
func (p *Page) WaitVisible(ctx context.Context, selector string, _ time.Duration) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("WaitVisible", selector); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return p.Visible[selector], nil
}

// Type implements crawler.Page.
func (p *Page) Type(_ context.Context, selector, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("Type", selector); err != nil {
		return err
	}
	p.typed[selector] = text
	return nil
}

// Click implements crawler.Page.
func (p *Page) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record("Click", selector)
}

// PressEnter implements crawler.Page.
func (p *Page) PressEnter(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.record("PressEnter", "")
}

// Cookies implements crawler.Page.
func (p *Page) Cookies(context.Context) ([]crawler.Cookie, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("Cookies", ""); err != nil {
		return nil, err
	}
	return append([]crawler.Cookie(nil), p.Jar...), nil
}

// SetCookies implements crawler.Page.
func (p *Page) SetCookies(_ context.Context, cookies []crawler.Cookie) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("SetCookies", ""); err != nil {
		return err
	}
	p.Jar = append([]crawler.Cookie(nil), cookies...)
	return nil
}

// LocalStorage implements crawler.Page.
func (p *Page) LocalStorage(context.Context) (map[string]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("LocalStorage", ""); err != nil {
		return nil, err
	}
	out := make(map[string]string, len(p.Storage))
	for k, v := range p.Storage {
		out[k] = v
	}
	return out, nil
}

// SetLocalStorage implements crawler.Page.
func (p *Page) SetLocalStorage(_ context.Context, items map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.record("SetLocalStorage", ""); err != nil {
		return err
	}
	for k, v := range items {
		p.Storage[k] = v
	}
	return nil
}

// Fetch implements crawler.Page.
func (p *Page) Fetch(_ context.Context, req crawler.PageRequest) (crawler.PageResponse, error) {
	p.mu.Lock()
	if err := p.record("Fetch", ""); err != nil {
		p.mu.Unlock()
		return crawler.PageResponse{}, err
	}
	fn := p.FetchFunc
	p.mu.Unlock()
	if fn == nil {
		return crawler.PageResponse{}, fmt.Errorf("no fetch scripted for %s", req.URL)
	}
	return fn(req)
}

// Close implements crawler.Page.
func (p *Page) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

// Calls returns the interaction log in order.
func (p *Page) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

// Typed returns the text last typed into selector.
func (p *Page) Typed(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.typed[selector]
}

// Closes counts Close calls.
func (p *Page) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closes
}
