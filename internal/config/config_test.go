package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Crawl.PacingDelay != 800*time.Millisecond {
		t.Fatalf("expected 800ms pacing, got %v", cfg.Crawl.PacingDelay)
	}
	if cfg.Crawl.PageSize != 10 || cfg.Crawl.ChangelogMode != "replace" {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawl)
	}
	if got := strings.Join(cfg.Crawl.TrackedTypes, ","); got != "collaborator,select" {
		t.Fatalf("unexpected tracked types %q", got)
	}
	if cfg.Web.Locale != "en" || cfg.Web.TimeZone != "America/Toronto" {
		t.Fatalf("unexpected web defaults: %+v", cfg.Web)
	}
	if cfg.Web.ViewportWidth != 1280 || cfg.Web.ViewportHeight != 800 {
		t.Fatalf("unexpected viewport %dx%d", cfg.Web.ViewportWidth, cfg.Web.ViewportHeight)
	}
	if cfg.Auth.SecondFactorWait != 10*time.Second || cfg.Auth.MarkerWait != 10*time.Second {
		t.Fatalf("unexpected auth waits: %+v", cfg.Auth)
	}
	if cfg.Credentials.Backend != BackendLocal {
		t.Fatalf("expected local credentials backend, got %q", cfg.Credentials.Backend)
	}
	if cfg.Credential() != nil {
		t.Fatalf("expected no credential without an access token")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  api_key: secret
api:
  base_url: https://api.example.test
  access_token: pat123
  rps: 2.5
  routes:
    records: /v1/{workspace}/{container}/rows
web:
  base_url: https://web.example.test
  selectors:
    email: "#email"
crawl:
  pacing_delay: 2s
  record_timeout: 90s
  tracked_types: [select]
  changelog_mode: append
credentials:
  backend: gcs
  bucket: crawler-state
pubsub:
  project_id: proj
  topic_name: changes
logging:
  development: true
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.API.RPS != 2.5 || cfg.API.Routes.Records != "/v1/{workspace}/{container}/rows" {
		t.Fatalf("expected api overrides, got %+v", cfg.API)
	}
	if cfg.API.Routes.Workspaces != "/v0/meta/bases" {
		t.Fatalf("expected untouched routes to keep defaults, got %q", cfg.API.Routes.Workspaces)
	}
	if cfg.Web.Selectors.Email != "#email" || cfg.Web.Selectors.Password != `input[name="password"]` {
		t.Fatalf("expected selector overrides merged with defaults: %+v", cfg.Web.Selectors)
	}
	if cfg.Crawl.PacingDelay != 2*time.Second || cfg.Crawl.RecordTimeout != 90*time.Second {
		t.Fatalf("expected crawl durations, got %+v", cfg.Crawl)
	}
	if cfg.Crawl.ChangelogMode != "append" || len(cfg.Crawl.TrackedTypes) != 1 {
		t.Fatalf("expected crawl overrides, got %+v", cfg.Crawl)
	}
	cred := cfg.Credential()
	if cred == nil || cred.AccessToken != "pat123" || cred.TokenType != "Bearer" {
		t.Fatalf("unexpected credential %+v", cred)
	}
	if !cfg.Logging.Development {
		t.Fatalf("expected development logging")
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CRAWLER_SERVER_PORT", "7070")
	t.Setenv("CRAWLER_AUTH_EMAIL", "ops@example.test")
	t.Setenv("CRAWLER_CRAWL_PACING_DELAY", "250ms")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port, got %d", cfg.Server.Port)
	}
	if cfg.Auth.Email != "ops@example.test" {
		t.Fatalf("expected env email, got %q", cfg.Auth.Email)
	}
	if cfg.Crawl.PacingDelay != 250*time.Millisecond {
		t.Fatalf("expected env pacing, got %v", cfg.Crawl.PacingDelay)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:      ServerConfig{Port: 8080},
		API:         APIConfig{BaseURL: "https://api.example.test"},
		Credentials: CredentialsConfig{Backend: BackendMemory},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing api url", func(c *Config) { c.API.BaseURL = " " }, "api.base_url"},
		{"negative rps", func(c *Config) { c.API.RPS = -1 }, "api.rps"},
		{"negative pacing", func(c *Config) { c.Crawl.PacingDelay = -time.Second }, "crawl.pacing_delay"},
		{"unknown mode", func(c *Config) { c.Crawl.ChangelogMode = "merge" }, "crawl.changelog_mode"},
		{"local without path", func(c *Config) { c.Credentials = CredentialsConfig{Backend: BackendLocal} }, "credentials.path"},
		{"gcs without bucket", func(c *Config) { c.Credentials = CredentialsConfig{Backend: BackendGCS} }, "credentials.bucket"},
		{"postgres without dsn", func(c *Config) { c.Credentials.Backend = BackendPostgres }, "database.dsn"},
		{"unknown backend", func(c *Config) { c.Credentials.Backend = "s3" }, "credentials.backend"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "changes" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
