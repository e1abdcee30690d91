// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/revision-crawler/internal/crawler"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	API         APIConfig         `mapstructure:"api"`
	Web         WebConfig         `mapstructure:"web"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Headless    HeadlessConfig    `mapstructure:"headless"`
	Crawl       CrawlConfig       `mapstructure:"crawl"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	Progress    ProgressConfig    `mapstructure:"progress"`
	Telemetry   TelemetryConfig   `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	APIKey         string        `mapstructure:"api_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// APIConfig points at the paginated primary API and carries its bearer credential.
type APIConfig struct {
	BaseURL      string        `mapstructure:"base_url"`
	AccessToken  string        `mapstructure:"access_token"`
	RefreshToken string        `mapstructure:"refresh_token"`
	TokenType    string        `mapstructure:"token_type"`
	Scope        string        `mapstructure:"scope"`
	UserAgent    string        `mapstructure:"user_agent"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
	Timeout      time.Duration `mapstructure:"timeout"`
	PageSize     int           `mapstructure:"page_size"`
	MaxPages     int           `mapstructure:"max_pages"`
	Routes       RoutesConfig  `mapstructure:"routes"`
}

// RoutesConfig are the path templates of each hierarchy level.
type RoutesConfig struct {
	Workspaces    string `mapstructure:"workspaces"`
	WorkspacesKey string `mapstructure:"workspaces_key"`
	Containers    string `mapstructure:"containers"`
	ContainersKey string `mapstructure:"containers_key"`
	Records       string `mapstructure:"records"`
	RecordsKey    string `mapstructure:"records_key"`
}

// WebConfig describes the browser-facing web application.
type WebConfig struct {
	BaseURL        string          `mapstructure:"base_url"`
	LoginURL       string          `mapstructure:"login_url"`
	UserAgent      string          `mapstructure:"user_agent"`
	ViewportWidth  int             `mapstructure:"viewport_width"`
	ViewportHeight int             `mapstructure:"viewport_height"`
	Locale         string          `mapstructure:"locale"`
	TimeZone       string          `mapstructure:"time_zone"`
	Selectors      SelectorsConfig `mapstructure:"selectors"`
}

// SelectorsConfig locates the login form controls.
type SelectorsConfig struct {
	Email               string `mapstructure:"email"`
	Password            string `mapstructure:"password"`
	Submit              string `mapstructure:"submit"`
	SecondFactor        string `mapstructure:"second_factor"`
	SecondFactorSubmit  string `mapstructure:"second_factor_submit"`
	AuthenticatedMarker string `mapstructure:"authenticated_marker"`
}

// AuthConfig holds the primary login credential and step timeouts.
type AuthConfig struct {
	Email            string        `mapstructure:"email"`
	Password         string        `mapstructure:"password"`
	StepTimeout      time.Duration `mapstructure:"step_timeout"`
	SecondFactorWait time.Duration `mapstructure:"second_factor_wait"`
	MarkerWait       time.Duration `mapstructure:"marker_wait"`
}

// HeadlessConfig configures the browser automation context.
type HeadlessConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ExecPath          string        `mapstructure:"exec_path"`
	Headless          bool          `mapstructure:"headless"`
	NoSandbox         bool          `mapstructure:"no_sandbox"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout"`
}

// CrawlConfig tunes record history runs.
type CrawlConfig struct {
	PacingDelay   time.Duration `mapstructure:"pacing_delay"`
	RecordTimeout time.Duration `mapstructure:"record_timeout"`
	PageSize      int           `mapstructure:"page_size"`
	TrackedTypes  []string      `mapstructure:"tracked_types"`
	ChangelogMode string        `mapstructure:"changelog_mode"`
}

// CredentialsConfig selects where the session bundle lives.
type CredentialsConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	Bucket  string `mapstructure:"bucket"`
	Object  string `mapstructure:"object"`
}

// DatabaseConfig controls access to the relational database. An empty DSN
// keeps every store in memory.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// PubSubConfig holds metadata for change notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig configures the progress hub and its sinks.
type ProgressConfig struct {
	Enabled       bool        `mapstructure:"enabled"`
	BufferSize    int         `mapstructure:"buffer_size"`
	Batch         BatchConfig `mapstructure:"batch"`
	SinkTimeoutMs int         `mapstructure:"sink_timeout_ms"`
	LogEnabled    bool        `mapstructure:"log_enabled"`
}

// BatchConfig bounds one progress batch.
type BatchConfig struct {
	MaxEvents int `mapstructure:"max_events"`
	MaxWaitMs int `mapstructure:"max_wait_ms"`
}

// TelemetryConfig names the service in traces.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
}

// Credential backends.
const (
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPostgres = "postgres"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.request_timeout", "5m")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")

	v.SetDefault("api.base_url", "https://api.airtable.com")
	v.SetDefault("api.access_token", "")
	v.SetDefault("api.refresh_token", "")
	v.SetDefault("api.token_type", "Bearer")
	v.SetDefault("api.scope", "")
	v.SetDefault("api.user_agent", "revision-crawler/1.0")
	v.SetDefault("api.rps", 5)
	v.SetDefault("api.burst", 1)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.page_size", 100)
	v.SetDefault("api.max_pages", 0)
	v.SetDefault("api.routes.workspaces", "/v0/meta/bases")
	v.SetDefault("api.routes.workspaces_key", "bases")
	v.SetDefault("api.routes.containers", "/v0/meta/bases/{workspace}/tables")
	v.SetDefault("api.routes.containers_key", "tables")
	v.SetDefault("api.routes.records", "/v0/{workspace}/{container}")
	v.SetDefault("api.routes.records_key", "records")

	v.SetDefault("web.base_url", "https://airtable.com")
	v.SetDefault("web.login_url", "https://airtable.com/login")
	v.SetDefault("web.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 "+
		"(KHTML, like Gecko) Chrome/115.0.0.0 Safari/537.36")
	v.SetDefault("web.viewport_width", 1280)
	v.SetDefault("web.viewport_height", 800)
	v.SetDefault("web.locale", "en")
	v.SetDefault("web.time_zone", "America/Toronto")
	v.SetDefault("web.selectors.email", `input[name="email"]`)
	v.SetDefault("web.selectors.password", `input[name="password"]`)
	v.SetDefault("web.selectors.submit", `button[type="submit"]`)
	v.SetDefault("web.selectors.second_factor", `input[name="code"]`)
	v.SetDefault("web.selectors.second_factor_submit", "div.link-quiet.text-white.pointer")
	v.SetDefault("web.selectors.authenticated_marker", `[data-testid="baseDashboard"]`)

	v.SetDefault("auth.email", "")
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.step_timeout", "15s")
	v.SetDefault("auth.second_factor_wait", "10s")
	v.SetDefault("auth.marker_wait", "10s")

	v.SetDefault("headless.enabled", true)
	v.SetDefault("headless.exec_path", "")
	v.SetDefault("headless.headless", true)
	v.SetDefault("headless.no_sandbox", false)
	v.SetDefault("headless.navigation_timeout", "45s")
	v.SetDefault("headless.action_timeout", "15s")

	v.SetDefault("crawl.pacing_delay", "800ms")
	v.SetDefault("crawl.record_timeout", "60s")
	v.SetDefault("crawl.page_size", 10)
	v.SetDefault("crawl.tracked_types", []string{"collaborator", "select"})
	v.SetDefault("crawl.changelog_mode", "replace")

	v.SetDefault("credentials.backend", BackendLocal)
	v.SetDefault("credentials.path", "data/session.json")
	v.SetDefault("credentials.bucket", "")
	v.SetDefault("credentials.object", "session/bundle.json")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 8)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", "30m")
	v.SetDefault("database.migrate_on_start", true)

	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")

	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.batch.max_events", 100)
	v.SetDefault("progress.batch.max_wait_ms", 500)
	v.SetDefault("progress.sink_timeout_ms", 2000)
	v.SetDefault("progress.log_enabled", true)

	v.SetDefault("telemetry.service_name", "revision-crawler")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.RPS < 0 {
		errs = append(errs, errors.New("api.rps must be >= 0"))
	}
	if c.Crawl.PacingDelay < 0 {
		errs = append(errs, errors.New("crawl.pacing_delay must be >= 0"))
	}
	if c.Crawl.RecordTimeout < 0 {
		errs = append(errs, errors.New("crawl.record_timeout must be >= 0"))
	}
	switch c.Crawl.ChangelogMode {
	case "", "replace", "append":
	default:
		errs = append(errs, fmt.Errorf("crawl.changelog_mode %q must be replace or append", c.Crawl.ChangelogMode))
	}
	switch c.Credentials.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Credentials.Path == "" {
			errs = append(errs, errors.New("credentials.path is required for the local backend"))
		}
	case BackendGCS:
		if c.Credentials.Bucket == "" {
			errs = append(errs, errors.New("credentials.bucket is required for the gcs backend"))
		}
	case BackendPostgres:
		if c.Database.DSN == "" {
			errs = append(errs, errors.New("database.dsn is required for the postgres credentials backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("credentials.backend %q is not supported", c.Credentials.Backend))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub.topic_name is set"))
	}
	return errors.Join(errs...)
}

// Credential returns the bearer credential for the primary API, or nil when
// no access token is configured.
func (c Config) Credential() *crawler.Credential {
	if c.API.AccessToken == "" {
		return nil
	}
	return &crawler.Credential{
		AccessToken:  c.API.AccessToken,
		RefreshToken: c.API.RefreshToken,
		TokenType:    c.API.TokenType,
		Scope:        c.API.Scope,
	}
}
