package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"

	"promo-market-backend/internal/common/config"
	"promo-market-backend/internal/common/logger"
	"promo-market-backend/internal/common/metrics"
	auditRepo "promo-market-backend/internal/features/audit/repository/postgres"
	giveawayRepo "promo-market-backend/internal/features/giveaway/repository/postgres"
	ledgerHTTP "promo-market-backend/internal/features/ledger/delivery/http"
	ledgerRepo "promo-market-backend/internal/features/ledger/repository/postgres"
	ledgerService "promo-market-backend/internal/features/ledger/service"
	placementRepo "promo-market-backend/internal/features/placement/repository/postgres"
	settlementHTTP "promo-market-backend/internal/features/settlement/delivery/http"
	settlementService "promo-market-backend/internal/features/settlement/service"
	"promo-market-backend/internal/platform/db"
	"promo-market-backend/internal/platform/redis"
	"promo-market-backend/internal/platform/redislock"
	"promo-market-backend/internal/platform/telegram"
)

func main() {
	cfg := config.Load()
	logger.Init("promo-market-backend", cfg.Debug)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	database, err := db.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()
	logger.Info().Msg("Database connection established")

	if cfg.Postgres.AutoMigrate {
		if err := db.RunMigrations(database, cfg.Postgres.MigrationsPath); err != nil {
			logger.Fatal().Err(err).Msg("Failed to apply migrations")
		}
		logger.Info().Msg("Migrations applied")
	}

	caps, err := db.DetectCapabilities(ctx, database)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to detect schema capabilities")
	}
	if !caps.RetryCredits {
		logger.Warn().Msg("Retry credit tables absent, fairness phase disabled")
	}

	redisClient, err := redis.Open(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer redisClient.Close()
	logger.Info().Msg("Redis connection established")

	locker := redislock.New(redisClient, cfg.Redis.Env)
	notifier := telegram.NewClient(cfg.Telegram.BotToken)
	settlementMetrics := metrics.NewSettlementMetrics()

	giveaways := giveawayRepo.NewPostgresRepository(database)
	placements := placementRepo.NewPostgresRepository(database)
	ledger := ledgerRepo.NewPostgresRepository(database)
	audit := auditRepo.NewPostgresRepository(database)

	tick := settlementService.NewService(
		locker, giveaways, placements, ledger, audit, notifier, caps,
		settlementService.Config{
			LockTTL:           cfg.Tick.LockTTL,
			EndBatch:          cfg.Tick.EndBatch,
			DrawBatch:         cfg.Tick.DrawBatch,
			ExpireBatch:       cfg.Tick.ExpireBatch,
			RetryBatch:        cfg.Tick.RetryBatch,
			RetryNoReplyAfter: cfg.RetryCredits.NoReplyAfter,
			RetryCreditTTL:    cfg.RetryCredits.TTL,
		},
		settlementMetrics,
	)

	ledgerSvc := ledgerService.NewService(ledger, caps, settlementMetrics)
	ledgerDefaults := ledgerService.OpenThreadOptions{
		Cost:            cfg.Ledger.IntroCost,
		TrialCredits:    cfg.Ledger.TrialCredits,
		DailyLimit:      cfg.Ledger.DailyIntroLimit,
		UseRetryCredits: cfg.Ledger.UseRetryCredits,
	}

	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{cfg.Server.Origin},
		AllowMethods:     []string{"GET", "POST"},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	settlementHTTP.NewSettlementHandler(tick, cfg.Server.TriggerToken).RegisterRoutes(router)
	ledgerHTTP.NewLedgerHandler(ledgerSvc, ledgerDefaults, cfg.Server.TriggerToken).RegisterRoutes(router)

	// Scheduler cadence; overlapping runs are fenced by the tick lock, not
	// by the scheduler.
	scheduler := cron.New()
	if cfg.Tick.RunScheduler {
		_, err := scheduler.AddFunc(fmt.Sprintf("@every %s", cfg.Tick.Interval), func() {
			tickCtx, tickCancel := context.WithTimeout(context.Background(), cfg.Tick.LockTTL)
			defer tickCancel()
			if _, err := tick.RunTick(tickCtx, time.Now().UTC()); err != nil {
				logger.Error().Err(err).Msg("Scheduled tick failed")
			}
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to schedule tick")
		}
		scheduler.Start()
		logger.Info().Dur("interval", cfg.Tick.Interval).Msg("Tick scheduler started")
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info().Int("port", cfg.Server.Port).Msg("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutting down")

	cronCtx := scheduler.Stop()
	<-cronCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	logger.Info().Msg("Stopped")
}
