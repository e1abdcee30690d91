// Package auth drives the interactive browser login and captures the
// resulting session as a replayable bundle.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

const submitProbe = 2 * time.Second

// Selectors locate the login form controls.
type Selectors struct {
	Email               string
	Password            string
	Submit              string
	SecondFactor        string
	SecondFactorSubmit  string
	AuthenticatedMarker string
}

// DefaultSelectors match the upstream login surface.
func DefaultSelectors() Selectors {
	return Selectors{
		Email:               `input[name="email"]`,
		Password:            `input[name="password"]`,
		Submit:              `button[type="submit"]`,
		SecondFactor:        `input[name="code"]`,
		SecondFactorSubmit:  "div.link-quiet.text-white.pointer",
		AuthenticatedMarker: `[data-testid="baseDashboard"]`,
	}
}

// Config holds the login target, the primary credential and the step timeouts.
type Config struct {
	LoginURL  string
	Email     string
	Password  string
	Selectors Selectors
	// StepTimeout bounds each wait for a form control.
	StepTimeout time.Duration
	// SecondFactorWait bounds the wait for the one-time code prompt.
	SecondFactorWait time.Duration
	// MarkerWait bounds the wait for the authenticated marker.
	MarkerWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.LoginURL == "" {
		c.LoginURL = "https://airtable.com/login"
	}
	if c.Selectors == (Selectors{}) {
		c.Selectors = DefaultSelectors()
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 15 * time.Second
	}
	if c.SecondFactorWait <= 0 {
		c.SecondFactorWait = 10 * time.Second
	}
	if c.MarkerWait <= 0 {
		c.MarkerWait = 10 * time.Second
	}
	return c
}

// Service performs logins. Only one login runs at a time.
type Service struct {
	browser crawler.Browser
	store   crawler.CredentialStore
	clock   crawler.Clock
	cfg     Config
	logger  *zap.Logger
	mu      sync.Mutex
}

// New wires a Service.
func New(browser crawler.Browser, store crawler.CredentialStore, clock crawler.Clock, cfg Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		browser: browser,
		store:   store,
		clock:   clock,
		cfg:     cfg.withDefaults(),
		logger:  logger.Named("auth"),
	}
}

// Login opens its own tab and runs the login flow there.
func (s *Service) Login(ctx context.Context, code string) (crawler.SessionBundle, error) {
	if !s.mu.TryLock() {
		return crawler.SessionBundle{}, crawler.ErrLoginInProgress
	}
	defer s.mu.Unlock()

	page, err := s.browser.NewPage(ctx)
	if err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("open login page: %w", err)
	}
	defer func() {
		if cerr := page.Close(); cerr != nil {
			s.logger.Warn("close login page", zap.Error(cerr))
		}
	}()
	return s.login(ctx, page, code)
}

// LoginOnPage runs the login flow on a page the caller owns, leaving it open.
func (s *Service) LoginOnPage(ctx context.Context, page crawler.Page, code string) (crawler.SessionBundle, error) {
	if !s.mu.TryLock() {
		return crawler.SessionBundle{}, crawler.ErrLoginInProgress
	}
	defer s.mu.Unlock()
	return s.login(ctx, page, code)
}

// Ready reports whether a session bundle is available.
func (s *Service) Ready(ctx context.Context) bool {
	_, err := s.store.Load(ctx)
	if err != nil && !errors.Is(err, crawler.ErrNotFound) {
		s.logger.Warn("load session bundle", zap.Error(err))
	}
	return err == nil
}

func (s *Service) login(ctx context.Context, page crawler.Page, code string) (crawler.SessionBundle, error) {
	if s.cfg.Email == "" || s.cfg.Password == "" {
		return crawler.SessionBundle{}, errors.New("login credentials not configured")
	}
	sel := s.cfg.Selectors
	start := time.Now()
	s.logger.Info("login started", zap.Bool("second_factor_supplied", code != ""))

	if err := page.Navigate(ctx, s.cfg.LoginURL); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("open login surface: %w", err)
	}
	if err := s.fill(ctx, page, sel.Email, s.cfg.Email); err != nil {
		return crawler.SessionBundle{}, err
	}
	if err := page.Click(ctx, sel.Submit); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("submit email: %w", err)
	}
	if err := s.fill(ctx, page, sel.Password, s.cfg.Password); err != nil {
		return crawler.SessionBundle{}, err
	}
	if err := page.Click(ctx, sel.Submit); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("submit password: %w", err)
	}

	if err := s.secondFactor(ctx, page, code); err != nil {
		return crawler.SessionBundle{}, err
	}

	ok, err := page.WaitVisible(ctx, sel.AuthenticatedMarker, s.cfg.MarkerWait)
	if err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("wait for dashboard: %w", err)
	}
	if !ok {
		s.logger.Warn("authenticated marker not seen; capturing session anyway",
			zap.Duration("waited", s.cfg.MarkerWait))
	}

	bundle, err := capture(ctx, page, s.clock.Now())
	if err != nil {
		return crawler.SessionBundle{}, err
	}
	if err := s.store.Save(ctx, bundle); err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("save session bundle: %w", err)
	}
	s.logger.Info("login complete",
		zap.Int("cookies", len(bundle.Cookies)),
		zap.Int("storage_keys", len(bundle.Storage)),
		zap.Duration("dur", time.Since(start)),
	)
	return bundle, nil
}

func (s *Service) fill(ctx context.Context, page crawler.Page, selector, value string) error {
	ok, err := page.WaitVisible(ctx, selector, s.cfg.StepTimeout)
	if err != nil {
		return fmt.Errorf("wait for %s: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("login control %s did not appear within %s", selector, s.cfg.StepTimeout)
	}
	if err := page.Type(ctx, selector, value); err != nil {
		return fmt.Errorf("fill %s: %w", selector, err)
	}
	return nil
}

func (s *Service) secondFactor(ctx context.Context, page crawler.Page, code string) error {
	sel := s.cfg.Selectors
	prompted, err := page.WaitVisible(ctx, sel.SecondFactor, s.cfg.SecondFactorWait)
	if err != nil {
		return fmt.Errorf("wait for second factor prompt: %w", err)
	}
	if !prompted {
		return nil
	}
	if code == "" {
		s.logger.Info("second factor requested but no code supplied")
		return crawler.ErrSecondFactorRequired
	}
	if err := page.Type(ctx, sel.SecondFactor, code); err != nil {
		return fmt.Errorf("fill second factor: %w", err)
	}
	if sel.SecondFactorSubmit != "" {
		visible, err := page.WaitVisible(ctx, sel.SecondFactorSubmit, submitProbe)
		if err != nil {
			return fmt.Errorf("wait for second factor submit: %w", err)
		}
		if visible {
			if err := page.Click(ctx, sel.SecondFactorSubmit); err == nil {
				return nil
			}
			s.logger.Debug("second factor submit click failed; pressing enter")
		}
	}
	if err := page.PressEnter(ctx); err != nil {
		return fmt.Errorf("submit second factor: %w", err)
	}
	return nil
}

// capture snapshots cookies and storage. Any failure aborts without a bundle.
func capture(ctx context.Context, page crawler.Page, now time.Time) (crawler.SessionBundle, error) {
	cookies, err := page.Cookies(ctx)
	if err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("capture cookies: %w", err)
	}
	if len(cookies) == 0 {
		return crawler.SessionBundle{}, errors.New("capture cookies: browser holds no cookies")
	}
	storage, err := page.LocalStorage(ctx)
	if err != nil {
		return crawler.SessionBundle{}, fmt.Errorf("capture storage: %w", err)
	}
	if storage == nil {
		storage = map[string]string{}
	}
	return crawler.SessionBundle{
		Cookies:    cookies,
		Storage:    storage,
		CapturedAt: now.UTC(),
	}, nil
}
