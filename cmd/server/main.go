package main

import (
	"context"
	"database/sql"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbox-intel/internal/accounts"
	"github.com/ignite/inbox-intel/internal/api"
	"github.com/ignite/inbox-intel/internal/config"
	"github.com/ignite/inbox-intel/internal/events"
	"github.com/ignite/inbox-intel/internal/jobs"
	"github.com/ignite/inbox-intel/internal/pkg/distlock"
	"github.com/ignite/inbox-intel/internal/pkg/logger"
	"github.com/ignite/inbox-intel/internal/provider"
	"github.com/ignite/inbox-intel/internal/repository/postgres"
	"github.com/ignite/inbox-intel/internal/summarizer"
	syncengine "github.com/ignite/inbox-intel/internal/sync"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromEnv(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(pingCtx); err != nil {
		log.Fatalf("ping database: %v", err)
	}
	if err := postgres.CheckSchemaVersion(pingCtx, db); err != nil {
		log.Fatalf("%v", err)
	}
	logger.Info("database ready")

	var redisClient *redis.Client
	if cfg.Redis.Enabled && cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			log.Fatalf("parse redis url: %v", err)
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Stores
	emailRepo := postgres.NewEmailRepo(db)
	cursorRepo := postgres.NewCursorRepo(db)
	summaryRepo := postgres.NewSummaryRepo(db)
	accountRepo := postgres.NewAccountRepo(db)
	policyRepo := postgres.NewPolicyRepo(db)
	auditRepo := postgres.NewAuditRepo(db)
	jobStore := jobs.NewStore(db)

	// Event fabric
	hub := events.NewHub(cfg.Database.URL, db)
	hub.Start(ctx)

	// Provider
	creds := accounts.NewService(accountRepo, cfg.Google.ClientID, cfg.Google.ClientSecret)
	gmail := provider.NewGmail(creds.AccessToken, nil)

	engine := syncengine.New(syncengine.Options{
		Adapter:   gmail,
		Emails:    emailRepo,
		Cursors:   cursorRepo,
		Queue:     jobStore,
		Policies:  policyRepo,
		Accounts:  accountRepo,
		Audit:     auditRepo,
		Publisher: hub,
		Locks: func(key string) distlock.DistLock {
			return distlock.NewLock(redisClient, db, key, 5*time.Minute)
		},
		MaxEmailsPerCycle: cfg.Sync.MaxEmailsPerCycle,
		EnqueueSummaries:  cfg.Mistral.Configured(),
		CursorMissing:     func(err error) bool { return err == postgres.ErrNotFound },
	})

	if cfg.Worker.Mode {
		scheduler := syncengine.NewScheduler(engine, cfg.Sync.Interval())
		go scheduler.Run(ctx)

		if cfg.Worker.SummarizeEnabled && cfg.Mistral.Configured() {
			worker := summarizer.New(summarizer.Options{
				Queue:            jobStore,
				Emails:           emailRepo,
				Summaries:        summaryRepo,
				LLM:              summarizer.NewMistralClient(cfg.Mistral.APIKey, cfg.Mistral.BaseURL, cfg.Mistral.Timeout()),
				Publisher:        hub,
				Batch:            cfg.Worker.JobsBatch,
				IdleSleep:        cfg.Worker.IdleSleep(),
				StripReplyChains: cfg.Sync.ReplyChainStripEnabled(),
				EmailMissing:     func(err error) bool { return err == postgres.ErrNotFound },
			})
			go worker.Run(ctx)
		} else if cfg.Worker.SummarizeEnabled {
			logger.Warn("summarizer enabled but no LLM key configured; worker not started")
		}
	}

	handlers := api.NewHandlers(engine, emailRepo, summaryRepo, jobStore, accountRepo,
		summarizer.PromptVersion, cfg.Mistral.Configured())
	server := api.NewServer(cfg.Server, handlers, hub)

	go func() {
		if err := server.Start(); err != nil {
			log.Fatalf("api server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	logger.Info("stopped")
}
