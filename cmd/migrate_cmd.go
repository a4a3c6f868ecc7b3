package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/agentos/internal/store/pg"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		Long: `Manage the Postgres schema. The DSN comes from storage.postgres_dsn or
AGENTOS_POSTGRES_DSN. "agentos run" migrates up on its own; these commands
are for rollbacks and for repairing a dirty version.`,
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(db *sql.DB, vectors bool) error {
				if err := pg.MigrateUp(db, vectors); err != nil {
					return err
				}
				return printSchemaVersion(db)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations (default 1 step)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n < 1 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			return withPostgres(func(db *sql.DB, _ bool) error {
				if err := pg.MigrateDown(db, steps); err != nil {
					return err
				}
				return printSchemaVersion(db)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPostgres(func(db *sql.DB, _ bool) error { return printSchemaVersion(db) })
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "force [version]",
		Short: "Mark a version as applied and clear the dirty flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer, got %q", args[0])
			}
			return withPostgres(func(db *sql.DB, _ bool) error {
				if err := pg.ForceVersion(db, v); err != nil {
					return err
				}
				return printSchemaVersion(db)
			})
		},
	})
	return cmd
}

func withPostgres(fn func(db *sql.DB, vectors bool) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("no Postgres DSN: set storage.postgres_dsn or AGENTOS_POSTGRES_DSN")
	}
	db, err := pg.OpenDB(context.Background(), cfg.Storage.PostgresDSN, pg.PoolOptions{MaxOpen: 2})
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(db, cfg.Storage.VectorEnabled)
}

func printSchemaVersion(db *sql.DB) error {
	v, dirty, err := pg.SchemaVersion(db)
	if err != nil {
		return err
	}
	state := okStyle.Render("clean")
	if dirty {
		state = errStyle.Render("dirty")
	}
	fmt.Printf("schema version %d (%s)\n", v, state)
	return nil
}
