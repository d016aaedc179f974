package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ashwnn/chad-discord-bot/internal/approval"
	"github.com/ashwnn/chad-discord-bot/internal/audit"
	"github.com/ashwnn/chad-discord-bot/internal/config"
	"github.com/ashwnn/chad-discord-bot/internal/grok"
	"github.com/ashwnn/chad-discord-bot/internal/limits"
	"github.com/ashwnn/chad-discord-bot/internal/metrics"
	"github.com/ashwnn/chad-discord-bot/internal/notify"
	"github.com/ashwnn/chad-discord-bot/internal/processor"
	"github.com/ashwnn/chad-discord-bot/internal/queue"
	"github.com/ashwnn/chad-discord-bot/internal/storage"
	"github.com/ashwnn/chad-discord-bot/internal/web"
	"github.com/ashwnn/chad-discord-bot/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.AppMode).
		Str("db_driver", cfg.DB.Driver).
		Msg("starting chadbot")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect redis")
	}
	defer rdb.Close()

	m := metrics.Global()
	rates := limits.NewRateLimiter(rdb)
	budget := limits.NewBudgetTracker(store)
	audits := audit.New(store, log.Logger)

	approvalQueue := approval.New(approval.Config{
		Store:   store,
		Budget:  budget,
		Audit:   audits,
		Metrics: m,
		Logger:  log.Logger,
	})

	dispatchQueue := queue.NewStreamQueue(rdb, cfg.Redis.DispatchStream, cfg.Redis.DispatchGroup, cfg.Worker.ConsumerName, cfg.Redis.DispatchBlock)
	dedupe := queue.NewDispatchDeduplicator(rdb, cfg.Redis.DispatchTTL)

	grokClient := grok.New(grok.Config{
		BaseURL:    cfg.Grok.APIBase,
		APIKey:     cfg.Grok.APIKey,
		ChatModel:  cfg.Grok.ChatModel,
		ImageModel: cfg.Grok.ImageModel,
		HTTPClient: &http.Client{Timeout: cfg.Grok.Timeout},
	})

	proc := processor.New(processor.Config{
		Configs:  processor.NewConfigSource(store, guildDefaults(cfg.Defaults)),
		Store:    store,
		Rates:    rates,
		Budget:   budget,
		Queue:    approvalQueue,
		Audit:    audits,
		Dispatch: dispatchQueue,
		Dedupe:   dedupe,
		Gen:      grok.NewGenerator(grokClient),
		Notifier: notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, log.Logger),
		Metrics:  m,
		Logger:   log.Logger,
	})

	errCh := make(chan error, 4)

	server := web.New(web.Config{
		Processor:   proc,
		Queue:       approvalQueue,
		Store:       store,
		Logger:      log.Logger,
		HealthPath:  cfg.Admin.HealthPath,
		MetricsPath: cfg.Admin.MetricsPath,
	})
	httpServer := &http.Server{
		Addr:              cfg.Admin.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.Admin.ReadTimeout,
	}
	go func() {
		log.Info().Str("addr", cfg.Admin.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var sweeper *approval.Sweeper
	if cfg.AppMode == config.ModeAdmin || cfg.AppMode == config.ModeAll {
		sweeper = approval.NewSweeper(approvalQueue, cfg.Approval.Retention, cfg.Approval.SweepSchedule, log.Logger)
		if err := sweeper.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start approval sweeper")
		}
		log.Info().Str("schedule", cfg.Approval.SweepSchedule).Msg("approval sweeper started")
	}

	if cfg.AppMode == config.ModeWorker || cfg.AppMode == config.ModeAll {
		w := worker.New(worker.Config{
			Processor: proc,
			Queue:     dispatchQueue,
			Logger:    log.Logger,
		})
		go func() {
			if err := w.Start(ctx, cfg.Worker.Concurrency); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("worker failed: %w", err)
			}
		}()
		log.Info().Int("concurrency", cfg.Worker.Concurrency).Msg("worker started")
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if sweeper != nil {
		sweeper.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func guildDefaults(d config.GuildDefaults) storage.GuildConfig {
	return storage.GuildConfig{
		AskWindowSeconds:       int64(d.AskWindow / time.Second),
		AskMaxPerWindow:        d.AskMaxPerWindow,
		GuildAskMaxPerWindow:   d.GuildAskMaxPerWindow,
		ImageWindowSeconds:     int64(d.ImageWindow / time.Second),
		ImageMaxPerWindow:      d.ImageMaxPerWindow,
		GuildImageMaxPerWindow: d.GuildImageMaxPerWindow,
		DuplicateWindowSeconds: int64(d.DuplicateWindow / time.Second),
		UserDailyChatTokens:    d.UserDailyChatTokens,
		GuildDailyChatTokens:   d.GuildDailyChatTokens,
		UserDailyImages:        d.UserDailyImages,
		GuildDailyImages:       d.GuildDailyImages,
		AutoApprove:            d.AutoApprove,
		AdminBypass:            d.AdminBypass,
		SystemPrompt:           d.SystemPrompt,
		Temperature:            d.Temperature,
		MaxCompletionTokens:    d.MaxCompletionTokens,
		MaxPromptChars:         int64(d.MaxPromptChars),
		MinPromptChars:         int64(d.MinPromptChars),
	}
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
