// Package cmd defines and implements the CLI commands for the revision-crawler executable.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/revision-crawler/internal/config"
	"github.com/JakeFAU/revision-crawler/internal/crawler"
	"github.com/JakeFAU/revision-crawler/internal/server"
	"github.com/JakeFAU/revision-crawler/internal/store"
)

// appKeyType is the key for storing the App in the context.
type appKeyType string

const appKey appKeyType = "app"

// App defines the application interface that commands will use.
// This allows us to inject a mock app during tests.
type App interface {
	Run(ctx context.Context) error
	Close(ctx context.Context)
	Logger() *zap.Logger
	Sync(ctx context.Context) (crawler.SyncResult, error)
	Login(ctx context.Context, code string) (crawler.SessionBundle, error)
	Ready(ctx context.Context) bool
	CrawlAll(ctx context.Context) (crawler.RunSummary, error)
	CrawlOne(ctx context.Context, recordID string) (crawler.RunSummary, error)
	Runs(ctx context.Context, limit int) ([]store.Run, error)
	Migrate() (uint, error)
}

// newApp is the application factory. It's a variable so we can
// replace it with a mock factory in our tests.
var newApp = func(ctx context.Context, cfgPath string) (App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return server.Build(ctx, &cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "revision-crawler",
		Short: "Mirrors a workspace hierarchy and crawls per-record change history.",
		Long: `revision-crawler syncs workspaces, containers and records from the
paginated API, keeps a browser session alive for the internal activity
endpoint, and stores a field-level change log for every record.`,
		SilenceUsage: true,

		// Builds the application once flags are parsed and hands it to the subcommand.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := newApp(cmd.Context(), cfgFile)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.WithoutCancel(cmd.Context()))
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); CRAWLER_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(),
		newSyncCmd(),
		newLoginCmd(),
		newCrawlCmd(),
		newStatusCmd(),
		newMigrateCmd(),
	)
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Command execution failed:", err)
		os.Exit(1)
	}
}

// resolveApp retrieves the App from the context.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, errors.New("application not initialized")
	}
	return appInstance, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
