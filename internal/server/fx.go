// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/activity"
	"github.com/JakeFAU/revision-crawler/internal/api"
	"github.com/JakeFAU/revision-crawler/internal/auth"
	"github.com/JakeFAU/revision-crawler/internal/clock/system"
	"github.com/JakeFAU/revision-crawler/internal/config"
	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/diff"
	collyfetcher "github.com/JakeFAU/revision-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/revision-crawler/internal/fetcher/headless"
	"github.com/JakeFAU/revision-crawler/internal/id/uuid"
	"github.com/JakeFAU/revision-crawler/internal/logging"
	"github.com/JakeFAU/revision-crawler/internal/metrics"
	"github.com/JakeFAU/revision-crawler/internal/orchestrator"
	"github.com/JakeFAU/revision-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/revision-crawler/internal/progress"
	progresssinks "github.com/JakeFAU/revision-crawler/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/revision-crawler/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/revision-crawler/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/revision-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/revision-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/revision-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/revision-crawler/internal/storage/postgres"
	"github.com/JakeFAU/revision-crawler/internal/store"
	"github.com/JakeFAU/revision-crawler/internal/syncer"
	"github.com/JakeFAU/revision-crawler/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	pool           *pgxpool.Pool
	gcs            *storage.Client
	pubsub         *gcppublisher.Publisher
	browser        crawler.Browser
	progressHub    *progress.Hub
	tracerShutdown func(context.Context) error

	entities crawler.EntityStore
	logs     crawler.ChangeLogStore
	sessions crawler.CredentialStore
	runs     store.RunRepository

	syncer       *syncer.Engine
	auth         *auth.Service
	orchestrator *orchestrator.Orchestrator
	apiServer    *api.Server
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Sync mirrors the workspace hierarchy with the configured credential.
func (a *App) Sync(ctx context.Context) (crawler.SyncResult, error) {
	return a.syncer.SyncAll(ctx, a.cfg.Credential())
}

// Login runs the interactive login and stores the captured session.
func (a *App) Login(ctx context.Context, code string) (crawler.SessionBundle, error) {
	return a.auth.Login(ctx, code)
}

// Ready reports whether a session bundle is stored.
func (a *App) Ready(ctx context.Context) bool {
	return a.auth.Ready(ctx)
}

// CrawlAll runs a blocking crawl over every stored record.
func (a *App) CrawlAll(ctx context.Context) (crawler.RunSummary, error) {
	return a.orchestrator.RunAll(ctx)
}

// CrawlOne runs a blocking crawl of one record.
func (a *App) CrawlOne(ctx context.Context, recordID string) (crawler.RunSummary, error) {
	return a.orchestrator.RunOne(ctx, recordID)
}

// Runs lists recent crawl runs. It returns nil without a database.
func (a *App) Runs(ctx context.Context, limit int) ([]store.Run, error) {
	if a.runs == nil {
		return nil, nil
	}
	runs, err := a.runs.ListRuns(ctx, nil, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// Migrate applies pending schema migrations and reports the resulting version.
func (a *App) Migrate() (uint, error) {
	if a.pool == nil {
		return 0, errors.New("database.dsn is required to migrate")
	}
	if err := pgstore.Migrate(a.pool); err != nil {
		return 0, err
	}
	version, _, err := pgstore.Version(a.pool)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// Run starts the HTTP server and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	return nil
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			a.logger.Warn("browser close failed", zap.Error(err))
		}
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("credentials_backend", cfg.Credentials.Backend),
		zap.Bool("database", cfg.Database.DSN != ""),
		zap.Bool("headless", cfg.Headless.Enabled),
	)

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry.ServiceName, "")
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	metrics.Init()

	if err := setupDatabase(ctx, app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := setupCredentials(ctx, app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	emitter, err := setupProgress(ctx, app)
	if err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := setupSyncer(app, emitter); err != nil {
		app.Close(ctx)
		return nil, err
	}
	setupCrawl(app, publisher, emitter)

	app.apiServer = api.NewServer(api.Deps{
		Syncer:     app.syncer,
		Auth:       app.auth,
		Runner:     app.orchestrator,
		Logs:       app.logs,
		Runs:       app.runs,
		Credential: cfg.Credential(),
	}, api.Config{
		APIKey:         cfg.Server.APIKey,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)

	return app, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("No DSN specified for database, keeping entities and change logs in memory")
		mem := memorystorage.NewEntityStore()
		app.entities, app.logs = mem, mem
		return nil
	}
	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             app.cfg.Database.DSN,
		MaxConns:        app.cfg.Database.MaxConns,
		MinConns:        app.cfg.Database.MinConns,
		MaxConnLifetime: app.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	app.pool = pool
	if app.cfg.Database.MigrateOnStart {
		if err := pgstore.Migrate(pool); err != nil {
			return fmt.Errorf("database migrate failed: %w", err)
		}
	}
	entities, err := pgstore.NewStore(pool)
	if err != nil {
		return fmt.Errorf("entity store init failed: %w", err)
	}
	app.entities, app.logs = entities, entities
	app.runs, err = pgstore.NewRunStore(pool)
	if err != nil {
		return fmt.Errorf("run store init failed: %w", err)
	}
	app.logger.Info("postgres stores initialized", zap.Bool("migrated", app.cfg.Database.MigrateOnStart))
	return nil
}

func setupCredentials(ctx context.Context, app *App) error {
	var err error
	switch app.cfg.Credentials.Backend {
	case config.BackendGCS:
		app.gcs, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		gcsStore, gcsErr := gcsstorage.New(app.gcs, gcsstorage.Config{
			Bucket: app.cfg.Credentials.Bucket,
			Object: app.cfg.Credentials.Object,
		})
		if gcsErr != nil {
			return fmt.Errorf("gcs credential store init failed: %w", gcsErr)
		}
		app.sessions = gcsStore
		app.logger.Info("using GCS credential store", zap.String("uri", gcsStore.URI()))
	case config.BackendLocal:
		app.sessions, err = localstorage.New(localstorage.Config{Path: app.cfg.Credentials.Path})
		if err != nil {
			return fmt.Errorf("local credential store init failed: %w", err)
		}
		app.logger.Info("using local credential store", zap.String("path", app.cfg.Credentials.Path))
	case config.BackendPostgres:
		if app.pool == nil {
			return errors.New("postgres credential store requires database.dsn")
		}
		app.sessions, err = pgstore.NewSessionStore(app.pool)
		if err != nil {
			return fmt.Errorf("postgres credential store init failed: %w", err)
		}
		app.logger.Info("using postgres credential store")
	default:
		app.logger.Warn("using in-memory credential store; sessions do not survive restarts")
		app.sessions = memorystorage.NewCredentialStore()
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsub, err = gcppublisher.New(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.pubsub, nil
}

func setupProgress(ctx context.Context, app *App) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return progress.Discard, nil
	}
	promSink, err := progresssinks.NewPrometheusSink(nil)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{promSink}
	if app.runs != nil {
		sinkList = append(sinkList, progresssinks.NewStoreSink(app.runs, app.logger.Named("progress_store")))
		app.logger.Debug("Added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger.Named("progress_log")))
		app.logger.Debug("Added progress log sink")
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(app.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(app.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
		zap.Int("sinks", len(sinkList)),
	)
	return app.progressHub, nil
}

func setupSyncer(app *App, emitter progress.Emitter) error {
	apiCfg := app.cfg.API
	limiter := ratelimit.New(ratelimit.Config{RPS: apiCfg.RPS, Burst: apiCfg.Burst})
	fetcher, err := collyfetcher.New(collyfetcher.Config{
		BaseURL:   apiCfg.BaseURL,
		UserAgent: apiCfg.UserAgent,
		Timeout:   apiCfg.Timeout,
	}, limiter, app.logger.Named("api_fetcher"))
	if err != nil {
		return fmt.Errorf("api fetcher init failed: %w", err)
	}
	routes := syncer.Routes{
		Workspaces:    apiCfg.Routes.Workspaces,
		WorkspacesKey: apiCfg.Routes.WorkspacesKey,
		Containers:    apiCfg.Routes.Containers,
		ContainersKey: apiCfg.Routes.ContainersKey,
		Records:       apiCfg.Routes.Records,
		RecordsKey:    apiCfg.Routes.RecordsKey,
	}
	app.syncer = syncer.New(fetcher, app.entities, system.New(), app.logger.Named("syncer"),
		syncer.WithRoutes(routes),
		syncer.WithProgress(emitter, uuid.New()),
		syncer.WithMaxPages(apiCfg.MaxPages),
		syncer.WithRecordPageSize(apiCfg.PageSize),
	)
	app.logger.Info("sync engine initialized",
		zap.String("base_url", apiCfg.BaseURL),
		zap.Float64("rps", apiCfg.RPS),
		zap.Int("burst", apiCfg.Burst),
	)
	return nil
}

func setupCrawl(app *App, publisher crawler.Publisher, emitter progress.Emitter) {
	cfg := app.cfg
	clock := system.New()

	if cfg.Headless.Enabled {
		app.browser = headless.NewChromedp(headless.Config{
			ExecPath:          cfg.Headless.ExecPath,
			Headless:          cfg.Headless.Headless,
			NoSandbox:         cfg.Headless.NoSandbox,
			UserAgent:         cfg.Web.UserAgent,
			ViewportWidth:     cfg.Web.ViewportWidth,
			ViewportHeight:    cfg.Web.ViewportHeight,
			NavigationTimeout: cfg.Headless.NavigationTimeout,
			ActionTimeout:     cfg.Headless.ActionTimeout,
		}, app.logger.Named("browser"))
		app.logger.Info("using chromedp browser", zap.Bool("headless", cfg.Headless.Headless))
	} else {
		app.browser = headless.NewNoop()
		app.logger.Warn("headless browser disabled; login and crawl will fail")
	}

	sel := cfg.Web.Selectors
	app.auth = auth.New(app.browser, app.sessions, clock, auth.Config{
		LoginURL: cfg.Web.LoginURL,
		Email:    cfg.Auth.Email,
		Password: cfg.Auth.Password,
		Selectors: auth.Selectors{
			Email:               sel.Email,
			Password:            sel.Password,
			Submit:              sel.Submit,
			SecondFactor:        sel.SecondFactor,
			SecondFactorSubmit:  sel.SecondFactorSubmit,
			AuthenticatedMarker: sel.AuthenticatedMarker,
		},
		StepTimeout:      cfg.Auth.StepTimeout,
		SecondFactorWait: cfg.Auth.SecondFactorWait,
		MarkerWait:       cfg.Auth.MarkerWait,
	}, app.logger)

	records := activity.New(app.sessions, diff.New(diff.Selectors{}, cfg.Crawl.TrackedTypes), activity.Config{
		WebURL:   cfg.Web.BaseURL,
		LoginURL: cfg.Web.LoginURL,
		PageSize: cfg.Crawl.PageSize,
		Locale:   cfg.Web.Locale,
		TimeZone: cfg.Web.TimeZone,
	}, app.logger)

	mode, err := orchestrator.ParseMode(cfg.Crawl.ChangelogMode)
	if err != nil {
		app.logger.Warn("unknown changelog mode, replacing", zap.Error(err))
		mode = orchestrator.ModeReplace
	}
	app.orchestrator = orchestrator.New(orchestrator.Deps{
		Entities:  app.entities,
		Logs:      app.logs,
		Sessions:  app.sessions,
		Crawler:   records,
		Auth:      app.auth,
		Browser:   app.browser,
		Publisher: publisher,
		Emitter:   emitter,
		Clock:     clock,
		Sleeper:   clock,
		IDs:       uuid.New(),
	}, orchestrator.Config{
		PacingDelay:   cfg.Crawl.PacingDelay,
		RecordTimeout: cfg.Crawl.RecordTimeout,
		Mode:          mode,
		Topic:         cfg.PubSub.TopicName,
	}, app.logger)
}
