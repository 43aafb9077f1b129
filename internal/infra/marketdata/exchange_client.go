// File: internal/infra/marketdata/exchange_client.go
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/infra/metrics"
)

// Compile-time check
var _ adapter.MarketDataProvider = (*ExchangeClient)(nil)

const (
	defaultBaseURL  = "https://api.bybit.com"
	defaultInterval = "1"
	defaultTimeout  = 15 * time.Second
	maxKlineLimit   = 1000
)

// ExchangeConfig tunes the exchange REST client.
type ExchangeConfig struct {
	BaseURL    string
	Interval   string
	Timeout    time.Duration
	RatePerSec int
}

func (c *ExchangeConfig) applyDefaults() {
	if c.BaseURL == "" {
		c.BaseURL = defaultBaseURL
	}
	if c.Interval == "" {
		c.Interval = defaultInterval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 5
	}
}

// ExchangeClient fetches spot klines from the Bybit v5 REST API.
type ExchangeClient struct {
	cfg     ExchangeConfig
	http    *http.Client
	limiter *RateLimiter
	log     zerolog.Logger
}

func NewExchangeClient(cfg ExchangeConfig, log *zerolog.Logger) *ExchangeClient {
	cfg.applyDefaults()
	return &ExchangeClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: NewRateLimiter(cfg.RatePerSec, cfg.RatePerSec),
		log:     log.With().Str("component", "exchange_client").Logger(),
	}
}

// klineResponse is the Bybit v5 kline envelope. Each list row is
// [startMs, open, high, low, close, volume, turnover], newest first.
type klineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	} `json:"result"`
}

func (e *ExchangeClient) Candles(ctx context.Context, asset string, limit int) ([]model.Candle, error) {
	candles, err := e.fetch(ctx, asset, limit)
	metrics.IncMarketFetch("exchange", err == nil)
	return candles, err
}

func (e *ExchangeClient) fetch(ctx context.Context, asset string, limit int) ([]model.Candle, error) {
	symbol := strings.ToUpper(strings.TrimSpace(asset))
	if symbol == "" {
		return nil, fmt.Errorf("fetch candles: empty asset: %w", domain.ErrInvalidArgument)
	}
	if limit <= 0 || limit > maxKlineLimit {
		limit = 200
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}

	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", symbol)
	q.Set("interval", e.cfg.Interval)
	q.Set("limit", strconv.Itoa(limit))
	endpoint := e.cfg.BaseURL + "/v5/market/kline?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	resp, err := e.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", symbol, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch candles %s: exchange returned status %d", symbol, resp.StatusCode)
	}
	var kr klineResponse
	if err := json.NewDecoder(resp.Body).Decode(&kr); err != nil {
		return nil, fmt.Errorf("fetch candles %s: decode response: %w", symbol, err)
	}
	if kr.RetCode != 0 {
		return nil, fmt.Errorf("fetch candles %s: exchange refused: %s (code %d)", symbol, kr.RetMsg, kr.RetCode)
	}

	// The exchange lists newest first; reverse so callers get oldest first.
	candles := make([]model.Candle, 0, len(kr.Result.List))
	for i := len(kr.Result.List) - 1; i >= 0; i-- {
		c, err := parseKline(symbol, kr.Result.List[i])
		if err != nil {
			e.log.Warn().Err(err).Str("asset", symbol).Msg("skipping malformed kline row")
			continue
		}
		candles = append(candles, c)
	}
	return candles, nil
}

func parseKline(symbol string, row []string) (model.Candle, error) {
	if len(row) < 6 {
		return model.Candle{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Candle{}, fmt.Errorf("parse kline start time %q: %w", row[0], err)
	}
	vals := make([]float64, 5)
	for i := 0; i < 5; i++ {
		v, err := strconv.ParseFloat(row[i+1], 64)
		if err != nil {
			return model.Candle{}, fmt.Errorf("parse kline field %d %q: %w", i+1, row[i+1], err)
		}
		vals[i] = v
	}
	return model.Candle{
		Symbol:    symbol,
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}
