package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/talka/historico/internal/archive"
	"github.com/talka/historico/internal/db"
	"github.com/talka/historico/pkg/config"
)

func newMigrateCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Long: `Apply the database schema and exit.

Subcommands repair derived data:
  talka migrate summaries [--dry-run]`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			fmt.Fprintf(cmd.OutOrStdout(), "Schema is up to date (%s)\n", database.Dialect())
			return nil
		},
	}
	cmd.AddCommand(newMigrateSummariesCmd(cfg))
	return cmd
}

func newMigrateSummariesCmd(cfg *config.Config) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "summaries",
		Short: "Recompute message_count, last_message and last_timestamp",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			database, err := openDatabase(cfg)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer database.Close()

			return runSummariesMigration(cmd.Context(), database, dryRun, cmd.OutOrStdout())
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report stale conversations without changing them")
	return cmd
}

func runSummariesMigration(ctx context.Context, database *db.DB, dryRun bool, out io.Writer) error {
	stale, err := archive.NewStore(database).RefreshSummaries(ctx, dryRun)
	if err != nil {
		return fmt.Errorf("failed to refresh summaries: %w", err)
	}

	switch {
	case stale == 0:
		fmt.Fprintln(out, "All conversation summaries are up to date")
	case dryRun:
		fmt.Fprintf(out, "Dry run: %d conversation(s) need a summary refresh\n", stale)
	default:
		fmt.Fprintf(out, "Refreshed %d conversation summary(ies)\n", stale)
	}
	return nil
}
