package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"novora/api/internal/clock"
	"novora/api/internal/vault"
)

func tokensCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tokens",
		Short: "Survey token housekeeping",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "purge",
		Short: "Delete used or expired tokens retired longer than the purge window",
		RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
			tokens, err := newVault(e)
			if err != nil {
				return err
			}
			n, err := tokens.Purge(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "purged %d token(s) retired before %s ago\n", n, e.cfg.Tuning.Vault.PurgeAfter)
			return nil
		}),
	})
	return cmd
}

func newVault(e *env) (*vault.Vault, error) {
	pseudonyms, err := vault.NewPseudonymizer([]byte(e.cfg.PseudonymKey))
	if err != nil {
		return nil, err
	}
	t := e.cfg.Tuning.Vault
	return vault.New(e.store, clock.Real(), pseudonyms, vault.Options{
		TokenTTL:      t.TokenTTL,
		MaxFailed:     t.MaxFailed,
		FailureWindow: t.FailureWindow,
		MaxRequests:   t.MaxRequests,
		RateWindow:    t.RateWindow,
		PurgeAfter:    t.PurgeAfter,
	}), nil
}
