package cli

import (
	"fmt"

	"github.com/numroute/numroute/internal/config"
	"github.com/numroute/numroute/internal/convstore"
	"github.com/spf13/cobra"
)

var migrateDryRun bool
var migrateCleanup bool

var migrateCmd = &cobra.Command{
	Use:   "migrate [legacy-table]",
	Short: "Migrate legacy single-table conversations into per-phone partitions",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runMigrate,
}

func init() {
	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Report what would change without writing")
	migrateCmd.Flags().BoolVar(&migrateCleanup, "cleanup", false, "Drop empty partitions instead of migrating")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	printHeader("🗂  numroute Migrate")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := convstore.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer store.Close()

	if migrateCleanup {
		dropped, err := store.CleanupEmpty(migrateDryRun)
		if err != nil {
			return err
		}
		verb := "Dropped"
		if migrateDryRun {
			verb = "Would drop"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d empty partition(s)\n", verb, len(dropped))
		for _, part := range dropped {
			fmt.Fprintln(cmd.OutOrStdout(), "  - "+part)
		}
		return nil
	}

	legacyTable := "conversations"
	if len(args) == 1 {
		legacyTable = args[0]
	}
	result, err := store.MigrateFromLegacy(legacyTable, migrateDryRun)
	if err != nil {
		return err
	}
	if result.DryRun {
		fmt.Fprintf(cmd.OutOrStdout(), "Dry run: %d conversation(s) would migrate, %d skipped\n", result.Migrated, result.Skipped)
	} else {
		fmt.Fprintf(cmd.OutOrStdout(), "Migrated %d conversation(s), %d skipped\n", result.Migrated, result.Skipped)
	}
	for _, e := range result.Errors {
		fmt.Fprintln(cmd.OutOrStdout(), "  ✗ "+e)
	}
	if len(result.Errors) > 0 {
		return fmt.Errorf("%d conversation(s) failed to migrate", len(result.Errors))
	}
	return nil
}
