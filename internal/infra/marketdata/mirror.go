// File: internal/infra/marketdata/mirror.go
package marketdata

import (
	"context"

	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

// CandleSink accepts fetched candles for persistence.
type CandleSink interface {
	InsertMany(ctx context.Context, candles []model.Candle) error
}

var _ adapter.MarketDataProvider = (*mirroringProvider)(nil)

// mirroringProvider writes every successful fetch through to a sink. A sink
// failure never fails the fetch.
type mirroringProvider struct {
	inner adapter.MarketDataProvider
	sink  CandleSink
	log   zerolog.Logger
}

func NewMirroringProvider(inner adapter.MarketDataProvider, sink CandleSink, log *zerolog.Logger) adapter.MarketDataProvider {
	return &mirroringProvider{
		inner: inner,
		sink:  sink,
		log:   log.With().Str("component", "candle_mirror").Logger(),
	}
}

func (m *mirroringProvider) Candles(ctx context.Context, asset string, limit int) ([]model.Candle, error) {
	candles, err := m.inner.Candles(ctx, asset, limit)
	if err != nil {
		return nil, err
	}
	if len(candles) > 0 {
		if err := m.sink.InsertMany(ctx, candles); err != nil {
			m.log.Warn().Err(err).Str("asset", asset).Int("count", len(candles)).
				Msg("mirroring candles to storage failed")
		}
	}
	return candles, nil
}
