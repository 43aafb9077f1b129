package adapter

import (
	"context"

	"price-direction-ml/internal/domain/model"
)

// MarketDataProvider is the port for fetching recent candles. Candles are
// returned oldest first.
type MarketDataProvider interface {
	Candles(ctx context.Context, asset string, limit int) ([]model.Candle, error)
}
