// File: cmd/app/main.go
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"price-direction-ml/internal/config"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/infra/api"
	"price-direction-ml/internal/infra/logging"
	"price-direction-ml/internal/infra/marketdata"
	"price-direction-ml/internal/infra/metrics"
	red "price-direction-ml/internal/infra/redis"
	"price-direction-ml/internal/infra/sched"
	"price-direction-ml/internal/neural"
	"price-direction-ml/internal/scheduler"
	"price-direction-ml/internal/storage"
	"price-direction-ml/internal/usecase"

	"github.com/jackc/pgx/v4/pgxpool"
)

// Overridden at build time via -ldflags "-X main.version=... -X main.commit=...".
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ---- Config ----
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Runtime.Dev {
		log.Printf("[DEV MODE] Enabled")
	}

	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	metrics.MustRegister()
	metrics.SetBuildInfo(version, commit)

	// ---- Asset store ----
	store, err := storage.NewAssetStore(storage.Config{
		Dir:                  cfg.Storage.Dir,
		CacheTTL:             cfg.Storage.CacheTTL,
		FlushInterval:        cfg.Storage.FlushInterval,
		PredictionFlushEvery: cfg.Storage.PredictionFlushEvery,
	}, logger)
	if err != nil {
		log.Fatalf("asset store: %v", err)
	}
	store.Start()

	// ---- Scheduler ----
	trainSched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		Cooldown:      cfg.Scheduler.Cooldown,
		RetryDelay:    cfg.Scheduler.RetryDelay,
		PollInterval:  cfg.Scheduler.PollInterval,
		MaxHistory:    cfg.Scheduler.MaxHistory,
		ShutdownGrace: cfg.Scheduler.ShutdownGrace,
	}, logger)
	trainSched.Start()

	// ---- Market data (exchange -> postgres mirror, or postgres replay) ----
	var market adapter.MarketDataProvider
	var pool *pgxpool.Pool
	if cfg.MarketData.DatabaseURL != "" {
		pool, err = marketdata.Connect(ctx, cfg.MarketData.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pool.Close()
	}
	switch cfg.MarketData.Source {
	case "exchange":
		exchange := marketdata.NewExchangeClient(marketdata.ExchangeConfig{
			BaseURL:    cfg.MarketData.BaseURL,
			Interval:   cfg.MarketData.Interval,
			Timeout:    cfg.MarketData.Timeout,
			RatePerSec: cfg.MarketData.RatePerSec,
		}, logger)
		market = exchange
		if pool != nil {
			repo := marketdata.NewCandleRepo(pool)
			if err := repo.EnsureSchema(ctx); err != nil {
				log.Fatalf("candle schema: %v", err)
			}
			market = marketdata.NewMirroringProvider(exchange, repo, logger)
			log.Printf("market data: exchange %s, mirrored to postgres", cfg.MarketData.BaseURL)
		} else {
			log.Printf("market data: exchange %s", cfg.MarketData.BaseURL)
		}
	case "postgres":
		repo := marketdata.NewCandleRepo(pool)
		if err := repo.EnsureSchema(ctx); err != nil {
			log.Fatalf("candle schema: %v", err)
		}
		market = repo
		log.Printf("market data: postgres replay")
	default:
		log.Fatalf("market_data.source=%q not supported: use exchange or postgres", cfg.MarketData.Source)
	}
	if pool != nil {
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					st := pool.Stat()
					metrics.SetDBPoolStats(st.TotalConns(), st.IdleConns(), st.AcquiredConns())
				}
			}
		}()
	}

	// ---- Redis (optional: signal cache + API rate limiting) ----
	var signals adapter.SignalPublisher
	var limiter *red.RateLimiter
	if cfg.Redis.URL != "" {
		redisClient, err := red.NewClient(ctx, &cfg.Redis)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer redisClient.Close()
		signals = red.NewSignalCache(redisClient, cfg.Redis.TTL, logger)
		limiter = red.NewRateLimiter(redisClient)
	}

	// ---- Use cases ----
	base := model.TrainingConfig{
		Epochs:       cfg.Training.Epochs,
		BatchSize:    cfg.Training.BatchSize,
		LearningRate: cfg.Training.LearningRate,
	}
	trainingUC := usecase.NewTrainingUseCase(store, market, neural.NewHandle, trainSched, usecase.TrainingParams{
		CandleLimit:      cfg.Training.CandleLimit,
		Horizon:          cfg.Training.Horizon,
		NeutralThreshold: cfg.Training.NeutralThreshold,
		Base:             base,
	}, logger)
	predictionUC := usecase.NewPredictionUseCase(store, market, neural.NewHandle, signals, base, logger)

	// ---- HTTP API ----
	var auth *api.AuthManager
	if cfg.API.JWTSecret != "" {
		auth = api.NewAuthManager(cfg.API.JWTSecret, 24*time.Hour)
	} else {
		log.Printf("WARNING: api.jwt_secret not set; mutating routes are open")
	}
	srv := api.NewServer(trainingUC, predictionUC, store, auth, limiter, logger)
	handler := api.Chain(srv.Router(),
		api.TraceID(logger),
		api.RequestLog(logger),
		api.Recover(logger),
		api.Timeout(cfg.API.Timeout),
	)
	server := &http.Server{Addr: fmt.Sprintf(":%d", cfg.API.Port), Handler: handler}
	go func() {
		log.Printf("http api listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
		}
	}()

	// ---- Retention worker (hourly) ----
	if cfg.Storage.RetentionMaxAge > 0 {
		worker := sched.NewRetentionWorker(time.Hour, cfg.Storage.RetentionMaxAge, store, logger)
		go func() { _ = worker.Run(ctx) }()
	}

	// ---- Retrain loop ----
	go func() {
		if len(cfg.Training.Assets) == 0 {
			logger.Warn().Msg("training.assets is empty, automatic retraining disabled")
			return
		}
		enqueueAll := func() {
			for _, asset := range cfg.Training.Assets {
				if _, err := trainingUC.RequestEnsemble(asset, model.PriorityDefault); err != nil {
					logger.Debug().Err(err).Str("asset", asset).Msg("scheduled retrain skipped")
				}
			}
		}
		enqueueAll()
		ticker := time.NewTicker(cfg.Training.RetrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				enqueueAll()
			}
		}
	}()

	// ---- Graceful shutdown: HTTP, scheduler, store ----
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	log.Println("shutdown requested")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Scheduler.ShutdownGrace+15*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := trainSched.Shutdown(shutdownCtx); err != nil {
		log.Printf("scheduler shutdown: %v", err)
	}
	if err := store.Shutdown(shutdownCtx); err != nil {
		log.Printf("store shutdown: %v", err)
	}
}
