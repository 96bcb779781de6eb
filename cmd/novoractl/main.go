// Command novoractl runs one-off operations against a Novora database:
// migrations, NLP backfill, token purge, a manual scheduler tick and
// tenant seeding.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"novora/api/internal/config"
	"novora/api/internal/store"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "novoractl",
		Short:         "Operate a Novora survey orchestrator",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "log debug output")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(nlpCmd())
	rootCmd.AddCommand(tokensCmd())
	rootCmd.AddCommand(plansCmd())
	rootCmd.AddCommand(orgsCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every command runs against.
type env struct {
	cfg   config.Config
	db    *sql.DB
	store store.Store
}

func setup(cmd *cobra.Command) (*env, error) {
	level := slog.LevelInfo
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cfg.StoreDriver == "memory" {
		return nil, fmt.Errorf("novoractl needs a database; NOVORA_STORE is %q", cfg.StoreDriver)
	}
	db, err := store.Open(cmd.Context(), cfg.DatabaseURL, store.PoolOptions{MaxOpenConns: 4})
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	return &env{cfg: cfg, db: db, store: store.NewPostgresStore(db)}, nil
}

func withEnv(run func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		e, err := setup(cmd)
		if err != nil {
			return err
		}
		defer e.db.Close()
		return run(cmd.Context(), e, cmd, args)
	}
}
