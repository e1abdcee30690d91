package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return appInstance.Run(cmd.Context())
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Mirrors workspaces, containers and records from the API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			result, err := appInstance.Sync(cmd.Context())
			if err != nil {
				return fmt.Errorf("sync: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newLoginCmd() *cobra.Command {
	var code string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Logs in through the browser and stores the session bundle",
		Long: `Runs the interactive login. When the account asks for a one-time code,
the command fails until it is repeated with --code.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			bundle, err := appInstance.Login(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("login: %w", err)
			}
			appInstance.Logger().Info("session captured",
				zap.Int("cookies", len(bundle.Cookies)),
				zap.Int("storage_items", len(bundle.Storage)),
			)
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"authenticated": true,
				"captured_at":   bundle.CapturedAt,
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "one-time second-factor code")
	return cmd
}

func newCrawlCmd() *cobra.Command {
	var recordID string
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawls change history for every stored record, or one with --record",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if recordID != "" {
				summary, err := appInstance.CrawlOne(cmd.Context(), recordID)
				if err != nil {
					return fmt.Errorf("crawl %s: %w", recordID, err)
				}
				return printJSON(cmd.OutOrStdout(), summary)
			}
			summary, err := appInstance.CrawlAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("crawl: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), summary)
		},
	}
	cmd.Flags().StringVar(&recordID, "record", "", "crawl only this record id")
	return cmd
}

func newStatusCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Reports session readiness and recent runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := appInstance.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"authenticated": appInstance.Ready(cmd.Context()),
				"runs":          runs,
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 5, "number of recent runs to show")
	return cmd
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Applies pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			version, err := appInstance.Migrate()
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			return printJSON(cmd.OutOrStdout(), map[string]uint{"version": version})
		},
	}
}
