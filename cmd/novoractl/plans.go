package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"novora/api/internal/audit"
	"novora/api/internal/clock"
	"novora/api/internal/delivery"
	"novora/api/internal/scheduler"
	"novora/api/internal/store"
)

func plansCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plans",
		Short: "Auto-pilot plans",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "tick",
		Short: "Fire every active plan that is due, once",
		Long: `Run one scheduler heartbeat: fire due plans and resume instances left
half-sent. Invitations go out through SMTP when it is configured and are
otherwise only recorded.`,
		RunE: withEnv(func(ctx context.Context, e *env, cmd *cobra.Command, _ []string) error {
			tokens, err := newVault(e)
			if err != nil {
				return err
			}
			var directory scheduler.Directory = scheduler.StaticDirectory{}
			if e.cfg.DirectoryFile != "" {
				loaded, err := scheduler.LoadDirectory(e.cfg.DirectoryFile)
				if err != nil {
					return err
				}
				directory = loaded
			}
			clk := clock.Real()
			t := e.cfg.Tuning.Scheduler
			sched := scheduler.New(e.store, tokens, directory, newDispatcher(e), audit.New(e.store, clk), clk, scheduler.Options{
				PublicURL:  e.cfg.PublicURL,
				Slack:      t.Slack,
				Heartbeat:  t.Heartbeat,
				Resolution: t.Resolution,
			})
			fired, err := sched.Tick(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fired %d plan(s)\n", fired)
			return nil
		}),
	})
	return cmd
}

func newDispatcher(e *env) *delivery.Dispatcher {
	t := e.cfg.Tuning.Delivery
	dispatcher := delivery.NewDispatcher(delivery.Options{
		Timeout:     t.Timeout,
		RatePerSec:  t.RatePerSec,
		Burst:       t.Burst,
		MaxAttempts: t.MaxAttempts,
	})
	smtp := delivery.NewSMTPSink(delivery.SMTPConfig{
		Host:      e.cfg.SMTPHost,
		Port:      e.cfg.SMTPPort,
		Username:  e.cfg.SMTPUsername,
		Password:  e.cfg.SMTPPassword,
		From:      e.cfg.SMTPFrom,
		FromName:  e.cfg.SMTPFromName,
		EnableTLS: e.cfg.SMTPTLS,
	})
	if smtp.IsConfigured() {
		dispatcher.Register(store.ChannelEmail, smtp)
	} else {
		dispatcher.Register(store.ChannelEmail, delivery.NewRecorder())
	}
	dispatcher.Register(store.ChannelSMS, delivery.NewRecorder())
	dispatcher.Register(store.ChannelChat, delivery.NewRecorder())
	return dispatcher
}
