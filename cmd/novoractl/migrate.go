package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"novora/api/internal/store"
)

func migrateCmd() *cobra.Command {
	var dir string
	var list bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending SQL migrations",
		Long: `Apply every *.up.sql file in the migrations directory that has not been
applied yet. Each file runs in its own transaction.

Examples:
  novoractl migrate
  novoractl migrate --dir ./db/migrations --list`,
		RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
			if dir == "" {
				dir = e.cfg.MigrationsDir
			}
			if list {
				files, err := store.PendingMigrations(dir)
				if err != nil {
					return err
				}
				for _, file := range files {
					fmt.Fprintln(cmd.OutOrStdout(), filepath.Base(file))
				}
				return nil
			}
			applied, err := store.ApplyMigrations(ctx, e.db, dir)
			if err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) from %s\n", applied, dir)
			return nil
		}),
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (defaults to NOVORA_MIGRATIONS_DIR)")
	cmd.Flags().BoolVar(&list, "list", false, "list migration files in apply order without running them")
	return cmd
}
