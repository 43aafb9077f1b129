// File: internal/infra/redis/signal_cache.go
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

// Compile-time check
var _ adapter.SignalPublisher = (*SignalCache)(nil)

const signalChannel = "signals"

func signalKey(asset string, kind model.ModelKind) string {
	return fmt.Sprintf("signal:%s:%s", strings.ToUpper(strings.TrimSpace(asset)), kind)
}

// SignalCache keeps the latest signal per (asset, model) under a TTL and fans
// new signals out on a pub/sub channel for external consumers.
type SignalCache struct {
	client RedisClient
	ttl    time.Duration
	log    zerolog.Logger
}

func NewSignalCache(client RedisClient, ttl time.Duration, log *zerolog.Logger) *SignalCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SignalCache{
		client: client,
		ttl:    ttl,
		log:    log.With().Str("component", "signal_cache").Logger(),
	}
}

func (s *SignalCache) Publish(ctx context.Context, sig model.DirectionSignal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	if err := s.client.Set(ctx, signalKey(sig.Asset, sig.Model), payload, s.ttl); err != nil {
		return fmt.Errorf("cache signal: %w", err)
	}
	// The cached copy is what Latest serves; losing a pub/sub fan-out only
	// affects live subscribers.
	if err := s.client.Publish(ctx, signalChannel, payload); err != nil {
		s.log.Warn().Err(err).Str("asset", sig.Asset).Str("model", string(sig.Model)).
			Msg("signal fan-out failed")
	}
	return nil
}

func (s *SignalCache) Latest(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error) {
	val, err := s.client.Get(ctx, signalKey(asset, kind))
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read cached signal: %w", err)
	}
	var sig model.DirectionSignal
	if err := json.Unmarshal([]byte(val), &sig); err != nil {
		return nil, fmt.Errorf("decode cached signal: %w", err)
	}
	return &sig, nil
}
