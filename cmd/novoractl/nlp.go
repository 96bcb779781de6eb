package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"novora/api/internal/clock"
	"novora/api/internal/nlp"
	"novora/api/internal/search"
	"novora/api/internal/store"
	"novora/api/internal/summary"
)

func nlpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nlp",
		Short: "Comment processing",
	}
	cmd.AddCommand(nlpBackfillCmd())
	return cmd
}

func nlpBackfillCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Process comments that have no NLP output yet",
		Long: `Queue comments without NLP output or a dead letter, wait for the
workers to drain, then refresh the summaries of every touched team.`,
		RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
			clk := clock.Real()
			tuning := e.cfg.Tuning.NLP
			pipeline := nlp.NewPipeline(e.store, nlp.NewLexicon(), clk, nlp.Options{
				Workers:     tuning.Workers,
				QueueSize:   max(tuning.QueueSize, limit),
				MaxAttempts: tuning.MaxAttempts,
			})
			if strings.TrimSpace(e.cfg.MeiliURL) != "" {
				meili := search.NewMeili(e.cfg.MeiliURL, e.cfg.MeiliMasterKey)
				defer meili.Close()
				index := search.NewService(meili, search.NewDatabase(e.store), func(ctx context.Context, surveyID string) (string, error) {
					survey, err := e.store.GetSurvey(ctx, surveyID)
					return survey.OrgID, err
				})
				pipeline.Subscribe(index.OnProcessed)
			}

			type pair struct{ survey, team string }
			var mu sync.Mutex
			touched := make(map[pair]bool)
			pipeline.Subscribe(func(_ context.Context, row store.CommentNLP) {
				mu.Lock()
				touched[pair{row.SurveyID, row.TeamID}] = true
				mu.Unlock()
			})

			pipeline.Start(ctx)
			queued, err := pipeline.Backfill(ctx, limit)
			if stopErr := pipeline.Stop(ctx); stopErr != nil && err == nil {
				err = stopErr
			}
			if err != nil {
				return fmt.Errorf("backfill: %w", err)
			}

			engine := summary.NewEngine(e.store, clk, 0)
			for p := range touched {
				if _, err := engine.Refresh(ctx, p.survey, p.team); err != nil {
					return fmt.Errorf("refresh %s/%s: %w", p.survey, p.team, err)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "queued %d comment(s), refreshed %d team summary(ies)\n", queued, len(touched))
			return nil
		}),
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 500, "maximum comments to queue")
	return cmd
}
