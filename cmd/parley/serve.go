package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/ahrav/go-parley/internal/catalog"
	"github.com/ahrav/go-parley/internal/config"
	"github.com/ahrav/go-parley/internal/dialog"
	"github.com/ahrav/go-parley/internal/domain"
	"github.com/ahrav/go-parley/internal/durable"
	"github.com/ahrav/go-parley/internal/durable/memory"
	"github.com/ahrav/go-parley/internal/durable/postgres"
	redisstore "github.com/ahrav/go-parley/internal/durable/redis"
	"github.com/ahrav/go-parley/internal/llm"
	"github.com/ahrav/go-parley/internal/metrics"
	"github.com/ahrav/go-parley/internal/reaper"
	"github.com/ahrav/go-parley/internal/restore"
	"github.com/ahrav/go-parley/internal/session"
	"github.com/ahrav/go-parley/internal/transport/discord"
	"github.com/ahrav/go-parley/pkg/events"
)

const shutdownTimeout = 10 * time.Second

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	slog.SetDefault(logger)
	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord token is empty; set $%s", cfg.Discord.TokenEnv)
	}

	cat, err := catalog.Open(cfg.Workflows.Dir)
	if err != nil {
		return fmt.Errorf("load workflows: %w", err)
	}
	if cat, err = cat.WithTTLOverrides(cfg.Workflows.TTLOverrides()); err != nil {
		return fmt.Errorf("apply ttl overrides: %w", err)
	}

	var rdb *goredis.Client
	if cfg.NeedsRedis() {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer rdb.Close()
	}

	repo, err := openRepository(ctx, cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer repo.Close()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("storage %s unreachable: %w", cfg.Storage.Backend, err)
	}

	sink := eventSink(cfg.Events, rdb, logger)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	store := session.NewStore(session.WithLogger(logger))
	rec.TrackActiveSessions(store.Len)

	gateway, err := llm.New(cfg.LLM, llm.WithLogger(logger), llm.WithObserver(rec))
	if err != nil {
		return fmt.Errorf("language model gateway: %w", err)
	}

	dg, err := discord.NewSession(cfg.Discord.Token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	tr := discord.NewTransport(dg)

	approvals := approvalRouter(cfg.Workflows, logger)
	dispatcher, err := dialog.New(cat, store, repo, tr,
		dialog.EffectDeps{Gateway: gateway, Finalizer: approvals},
		dialog.WithAuthorizer(authorizer(cfg.Workflows)),
		dialog.WithEventSink(sink),
		dialog.WithMetrics(rec),
		dialog.WithLogger(logger),
	)
	if err != nil {
		return fmt.Errorf("dispatcher: %w", err)
	}
	approvals.Bind(dispatcher)

	bot := discord.NewBot(dispatcher, botOptions(cfg.Workflows, cfg.Discord.GuildID, logger)...)
	dg.AddHandler(bot.MessageCreateHandler(ctx))
	if err := dg.Open(); err != nil {
		return fmt.Errorf("connect to discord: %w", err)
	}
	defer dg.Close()
	logger.InfoContext(ctx, "connected to discord", "storage", cfg.Storage.Backend, "workflows", cat.Len())

	report, err := restore.New(repo, store, cat, tr,
		restore.WithEventSink(sink),
		restore.WithMetrics(rec),
		restore.WithLogger(logger),
	).Run(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "restoration skipped", "error", err)
	} else {
		logger.InfoContext(ctx, "restoration complete", "sessions", len(report.Entries))
	}

	sweeper, err := reaper.New(store, repo,
		reaper.WithSchedule(cfg.Reaper.Schedule),
		reaper.WithNotifier(tr),
		reaper.WithEventSink(sink),
		reaper.WithMetrics(rec),
		reaper.WithLogger(logger),
	)
	if err != nil {
		return err
	}
	if err := sweeper.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Metrics.Enabled {
		srv := &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           metricsMux(reg, repo),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.InfoContext(gctx, "metrics listening", "addr", cfg.Metrics.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return sweeper.Stop(stopCtx)
	})
	return g.Wait()
}

func openRepository(ctx context.Context, cfg *config.Config, rdb *goredis.Client, logger *slog.Logger) (durable.Repository, error) {
	switch cfg.Storage.Backend {
	case config.BackendRedis:
		opts := []redisstore.Option{redisstore.WithLogger(logger)}
		if cfg.Storage.Redis.KeyPrefix != "" {
			opts = append(opts, redisstore.WithKeyPrefix(cfg.Storage.Redis.KeyPrefix))
		}
		return redisstore.New(rdb, opts...), nil
	case config.BackendPostgres:
		store, err := postgres.New(ctx, cfg.Storage.Postgres.DSN, postgres.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		if cfg.Storage.Postgres.Migrate {
			if err := store.Migrate(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		return store, nil
	default:
		logger.Warn("durable sessions are kept in memory and will not survive a restart")
		return memory.New(), nil
	}
}

func eventSink(cfg config.EventsConfig, rdb *goredis.Client, logger *slog.Logger) events.EventSink {
	switch cfg.Sink {
	case config.SinkRedis:
		return events.NewRedisStreamSink(rdb, cfg.Stream, cfg.MaxLen)
	case config.SinkLog:
		return events.NewLogSink(logger)
	default:
		return events.NewNoOpEventSink()
	}
}

var adminWorkflows = []domain.WorkflowType{
	domain.WorkflowAnnouncementCreation,
	domain.WorkflowTriviaApproval,
	domain.WorkflowWeeklyApproval,
	domain.WorkflowGameMatchReview,
}

func authorizer(cfg config.WorkflowsConfig) dialog.Authorizer {
	if len(cfg.Admins) == 0 {
		return dialog.AllowAll{}
	}
	a := dialog.AllowList{
		Users:   make(map[string]bool, len(cfg.Admins)),
		Guarded: make(map[domain.WorkflowType]bool, len(adminWorkflows)),
	}
	for _, id := range cfg.Admins {
		a.Users[id] = true
	}
	for _, t := range adminWorkflows {
		a.Guarded[t] = true
	}
	return a
}

// approvalRouter sends trivia submissions to the first admin, in the admin
// channel when one is configured.
func approvalRouter(cfg config.WorkflowsConfig, logger *slog.Logger) *dialog.ApprovalRouter {
	r := &dialog.ApprovalRouter{
		Channel: cfg.AdminChannel,
		Next:    dialog.LogFinalizer{Logger: logger},
		Logger:  logger,
	}
	if len(cfg.Admins) > 0 {
		r.Reviewer = cfg.Admins[0]
	}
	return r
}

// botOptions registers the user-initiated commands. weekly_announcement_approval
// and game_match_review have no command: the host's scheduler and game
// catalog sync start them through dialog.Starter (the *dialog.Dispatcher
// built in runServe), and restoration resumes them after a restart.
func botOptions(cfg config.WorkflowsConfig, guildID string, logger *slog.Logger) []discord.BotOption {
	opts := []discord.BotOption{
		discord.WithBotLogger(logger),
		discord.WithGuild(guildID),
		discord.WithCommand("trivia", discord.Command{Workflow: domain.WorkflowTriviaSubmission}),
	}
	if len(cfg.AnnouncementChannels) > 0 {
		payload := announcementPayload(cfg.AnnouncementChannels)
		opts = append(opts, discord.WithCommand("announce", discord.Command{
			Workflow: domain.WorkflowAnnouncementCreation,
			Payload:  func(dialog.Inbound) domain.Payload { return payload },
		}))
	}
	return opts
}

func announcementPayload(channels map[string]string) domain.Payload {
	names := make([]string, 0, len(channels))
	ids := make(map[string]any, len(channels))
	for name, id := range channels {
		names = append(names, name)
		ids[name] = id
	}
	slices.Sort(names)
	return domain.NewPayload(map[string]any{"channels": names, "channel_ids": ids})
}

func metricsMux(reg *prometheus.Registry, repo durable.Repository) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := repo.Ping(r.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	return mux
}
