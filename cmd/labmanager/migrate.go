package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyberlearn/labmanager/internal/config"
)

var migrateTarget int64

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status|down]",
	Short:     "Apply or inspect the database schema",
	Long:      "Postgres schemas are versioned migrations; status and down are only available there. SQLite is migrated in place.",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "status", "down"},
	RunE:      runMigrate,
}

func init() {
	migrateCmd.Flags().Int64Var(&migrateTarget, "to", 0, "target version for down")
}

func runMigrate(cmd *cobra.Command, args []string) error {
	action := "up"
	if len(args) == 1 {
		action = args[0]
	}

	cfg := config.FromEnv()
	initLogger(cfg)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	sealer, err := openSealer(cfg)
	if err != nil {
		return err
	}
	st, err := openStore(ctx, cfg, sealer)
	if err != nil {
		return err
	}
	defer st.close()

	out := cmd.OutOrStdout()
	switch action {
	case "up":
		if err := st.migrate(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s schema is up to date\n", st.driver)
		return nil
	case "status", "down":
		if st.pg == nil {
			return fmt.Errorf("migrate %s requires the %s driver", action, config.DriverPostgres)
		}
		if action == "status" {
			return st.pg.MigrationStatus(ctx)
		}
		if err := st.pg.MigrateDown(ctx, migrateTarget); err != nil {
			return err
		}
		fmt.Fprintf(out, "migrated down to version %d\n", migrateTarget)
		return nil
	default:
		return fmt.Errorf("unknown migrate action %q", action)
	}
}
