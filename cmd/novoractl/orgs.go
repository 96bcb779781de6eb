package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"novora/api/internal/store"
)

func orgsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orgs",
		Short: "Tenant seeding",
	}
	cmd.AddCommand(orgCreateCmd())
	cmd.AddCommand(teamAddCmd())
	return cmd
}

func orgCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <org-id> <name>",
		Short: "Create an organization with the configured privacy and alert defaults",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error {
			org := store.Organization{
				ID:         args[0],
				Name:       args[1],
				Privacy:    e.cfg.Tuning.Privacy,
				Thresholds: e.cfg.Tuning.Alerts,
				CreatedAt:  time.Now().UTC(),
				UpdatedAt:  time.Now().UTC(),
			}
			if err := e.store.SaveOrganization(ctx, org); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "organization %s saved (min_n=%d)\n", org.ID, org.Privacy.MinN)
			return nil
		}),
	}
}

func teamAddCmd() *cobra.Command {
	var size int
	cmd := &cobra.Command{
		Use:   "add-team <org-id> <team-id> <name>",
		Short: "Add or update a team of an organization",
		Args:  cobra.ExactArgs(3),
		RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, args []string) error {
			if _, err := e.store.GetOrganization(ctx, args[0]); err != nil {
				return fmt.Errorf("organization %s: %w", args[0], err)
			}
			team := store.Team{ID: args[1], OrgID: args[0], Name: args[2], Size: size}
			if err := e.store.SaveTeam(ctx, team); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "team %s saved in %s\n", team.ID, team.OrgID)
			return nil
		}),
	}
	cmd.Flags().IntVar(&size, "size", 0, "headcount used for participation rates")
	return cmd
}
