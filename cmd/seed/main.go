package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/rs/zerolog"

	"price-direction-ml/internal/config"
	"price-direction-ml/internal/infra/marketdata"
)

// Backfills the postgres candle mirror from the exchange so the postgres
// market data source has history to replay. Re-runs are harmless; rows that
// already exist are skipped.
func main() {
	// ---- Config ----
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.MarketData.DatabaseURL == "" {
		log.Fatalf("market_data.database_url is required to backfill")
	}
	if len(cfg.Training.Assets) == 0 {
		log.Fatalf("training.assets is empty; nothing to backfill")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Connect Postgres
	pool, err := marketdata.Connect(ctx, cfg.MarketData.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pool.Close()

	repo := marketdata.NewCandleRepo(pool)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatalf("candle schema: %v", err)
	}

	quiet := zerolog.New(os.Stderr).Level(zerolog.WarnLevel)
	exchange := marketdata.NewExchangeClient(marketdata.ExchangeConfig{
		BaseURL:    cfg.MarketData.BaseURL,
		Interval:   cfg.MarketData.Interval,
		Timeout:    cfg.MarketData.Timeout,
		RatePerSec: cfg.MarketData.RatePerSec,
	}, &quiet)

	// One exchange page per asset, the API caps a page at 1000 rows.
	const backfillLimit = 1000

	for _, asset := range cfg.Training.Assets {
		candles, err := exchange.Candles(ctx, asset, backfillLimit)
		if err != nil {
			log.Fatalf("fetch %s: %v", asset, err)
		}
		if len(candles) == 0 {
			fmt.Printf("no candles for %s. Skipped.\n", asset)
			continue
		}
		if err := repo.InsertMany(ctx, candles); err != nil {
			log.Fatalf("insert %s: %v", asset, err)
		}
		fmt.Printf("seeded: %s (%d candles, %s..%s)\n", asset, len(candles),
			candles[0].Timestamp.Format("2006-01-02 15:04"),
			candles[len(candles)-1].Timestamp.Format("2006-01-02 15:04"))
	}

	fmt.Println("✅ Backfill complete.")
}
