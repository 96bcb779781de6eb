package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"novora/api/internal/alerts"
	"novora/api/internal/app"
	"novora/api/internal/archive"
	"novora/api/internal/audit"
	"novora/api/internal/cache"
	"novora/api/internal/clock"
	"novora/api/internal/config"
	"novora/api/internal/delivery"
	"novora/api/internal/metrics"
	"novora/api/internal/nlp"
	"novora/api/internal/privacy"
	"novora/api/internal/responses"
	"novora/api/internal/scheduler"
	"novora/api/internal/search"
	"novora/api/internal/store"
	"novora/api/internal/summary"
	"novora/api/internal/vault"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration invalid", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataStore, closeStore := openStore(ctx, cfg)
	defer closeStore()

	clk := clock.Real()
	tuning := cfg.Tuning
	collectors := metrics.New()

	guard := privacy.NewGuard(dataStore)
	guard.OnSuppressed(collectors.Suppressed)
	auditLog := audit.New(dataStore, clk)
	evaluator := alerts.NewEvaluator(dataStore, guard, auditLog, clk)
	evaluator.OnCreated(func(alert store.Alert) {
		slog.Info("alert raised", "alert_id", alert.ID, "team_id", alert.TeamID, "type", string(alert.Type), "severity", string(alert.Severity))
	})

	pseudonyms, err := vault.NewPseudonymizer([]byte(cfg.PseudonymKey))
	if err != nil {
		fatal("pseudonymizer setup failed", err)
	}
	tokens := vault.New(dataStore, clk, pseudonyms, vault.Options{
		TokenTTL:      tuning.Vault.TokenTTL,
		MaxFailed:     tuning.Vault.MaxFailed,
		FailureWindow: tuning.Vault.FailureWindow,
		MaxRequests:   tuning.Vault.MaxRequests,
		RateWindow:    tuning.Vault.RateWindow,
		PurgeAfter:    tuning.Vault.PurgeAfter,
	})
	tokens.OnOutcome(collectors.TokenOutcome)
	submissions := responses.NewService(dataStore, tokens, clk)

	engine := summary.NewEngine(dataStore, clk, tuning.Summary.QueueSize)
	pipeline := nlp.NewPipeline(dataStore, nlp.NewLexicon(), clk, nlp.Options{
		Workers:     tuning.NLP.Workers,
		QueueSize:   tuning.NLP.QueueSize,
		MaxAttempts: tuning.NLP.MaxAttempts,
	})
	pipeline.OnOutcome(collectors.NLPOutcome)

	views := cache.New(openCacheBackend(cfg, clk))
	views.OnOutcome(collectors.CacheOutcome)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		defer meili.Close()
	}
	comments := search.NewService(meili, search.NewDatabase(dataStore), func(ctx context.Context, surveyID string) (string, error) {
		survey, err := dataStore.GetSurvey(ctx, surveyID)
		return survey.OrgID, err
	})

	dispatcher := delivery.NewDispatcher(delivery.Options{
		Timeout:     tuning.Delivery.Timeout,
		RatePerSec:  tuning.Delivery.RatePerSec,
		Burst:       tuning.Delivery.Burst,
		MaxAttempts: tuning.Delivery.MaxAttempts,
	})
	dispatcher.OnOutcome(collectors.DeliveryOutcome)
	smtp := delivery.NewSMTPSink(delivery.SMTPConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		Username:  cfg.SMTPUsername,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		FromName:  cfg.SMTPFromName,
		EnableTLS: cfg.SMTPTLS,
	})
	if smtp.IsConfigured() {
		slog.Info("email delivery via smtp", "host", cfg.SMTPHost)
		dispatcher.Register(store.ChannelEmail, smtp)
	} else {
		slog.Warn("smtp not configured, email invitations are recorded only")
		dispatcher.Register(store.ChannelEmail, delivery.NewRecorder())
	}
	dispatcher.Register(store.ChannelSMS, delivery.NewRecorder())
	dispatcher.Register(store.ChannelChat, delivery.NewRecorder())

	var directory scheduler.Directory = scheduler.StaticDirectory{}
	if cfg.DirectoryFile != "" {
		loaded, err := scheduler.LoadDirectory(cfg.DirectoryFile)
		if err != nil {
			fatal("directory load failed", err)
		}
		directory = loaded
	}
	sched := scheduler.New(dataStore, tokens, directory, dispatcher, auditLog, clk, scheduler.Options{
		PublicURL:  cfg.PublicURL,
		Slack:      tuning.Scheduler.Slack,
		Heartbeat:  tuning.Scheduler.Heartbeat,
		Resolution: tuning.Scheduler.Resolution,
	})
	sched.OnEvent(collectors.SchedulerEvent)

	var reports archive.Archive
	minioCfg := archive.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioSSL,
	}
	if minioCfg.IsConfigured() {
		m, err := archive.NewMinio(ctx, minioCfg)
		if err != nil {
			fatal("object storage setup failed", err)
		}
		reports = m
	}

	service := app.New(cfg, app.Deps{
		Store:     dataStore,
		Guard:     guard,
		Cache:     views,
		Audit:     auditLog,
		Alerts:    evaluator,
		Scheduler: sched,
		Vault:     tokens,
		Responses: submissions,
		Search:    comments,
		Archive:   reports,
		Clock:     clk,
	})

	// Submission fans out to the cache, the scheduler's response counter,
	// NLP and a summary refresh.
	submissions.Subscribe(views.OnSubmitted)
	submissions.Subscribe(sched.OnSubmitted)
	submissions.Subscribe(func(ctx context.Context, event responses.Submitted) {
		for _, id := range event.CommentIDs {
			if err := pipeline.Enqueue(ctx, id); err != nil {
				slog.Warn("nlp enqueue failed, backfill will pick it up", "comment_id", id, "error", err)
			}
		}
		if err := engine.Schedule(ctx, event.SurveyID, event.TeamID); err != nil {
			slog.Warn("summary refresh not scheduled", "survey_id", event.SurveyID, "team_id", event.TeamID, "error", err)
		}
	})
	pipeline.Subscribe(comments.OnProcessed)
	pipeline.Subscribe(func(ctx context.Context, row store.CommentNLP) {
		if err := engine.Schedule(ctx, row.SurveyID, row.TeamID); err != nil {
			slog.Warn("summary refresh not scheduled", "survey_id", row.SurveyID, "team_id", row.TeamID, "error", err)
		}
	})
	engine.Subscribe(views.OnRefresh)
	engine.Subscribe(evaluator.OnRefresh)
	engine.Subscribe(collectors.OnRefresh)
	sched.OnClosed(service.OnClosed)

	engine.Start(ctx, tuning.Summary.Workers)
	pipeline.Start(ctx)
	go pipeline.RunBackfill(ctx, tuning.NLP.BackfillInterval, tuning.NLP.BackfillLimit)
	if err := sched.Start(ctx); err != nil {
		fatal("scheduler start failed", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin).WithMetrics(collectors.Handler(), collectors.ObserveRequest)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("Novora API listening", "addr", cfg.Addr, "store", cfg.StoreDriver)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal("server failed", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if err := pipeline.Stop(shutdownCtx); err != nil {
		slog.Error("nlp pipeline stop", "error", err)
	}
	if err := engine.Stop(shutdownCtx); err != nil {
		slog.Error("summary engine stop", "error", err)
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// openStore returns the configured store and its cleanup.
func openStore(ctx context.Context, cfg config.Config) (store.Store, func()) {
	if cfg.StoreDriver == "memory" {
		slog.Warn("using in-memory store, data is lost on restart")
		return store.NewMemoryStore(), func() {}
	}
	db, err := store.Open(ctx, cfg.DatabaseURL, store.PoolOptions{})
	if err != nil {
		fatal("database connection failed", err)
	}
	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		fatal("migrations failed", err)
	}
	slog.Info("migrations applied", "count", applied)
	return store.NewPostgresStore(db), func() { _ = db.Close() }
}

func openCacheBackend(cfg config.Config, clk clock.Clock) cache.Backend {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		slog.Info("using in-process view cache")
		return cache.NewMemoryBackend(clk)
	}
	backend, err := cache.NewRedisBackend(cfg.RedisURL)
	if err != nil {
		fatal("redis connection failed", err)
	}
	slog.Info("using redis view cache")
	return backend
}

func fatal(msg string, err error) {
	slog.Error(msg, "error", err)
	os.Exit(1)
}
