package sched

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain/ports/repository"
	"price-direction-ml/internal/infra/metrics"
)

// RetentionWorker periodically trims training and prediction history older
// than maxAge from every asset record.
type RetentionWorker struct {
	interval time.Duration
	maxAge   time.Duration
	store    repository.AssetStore
	log      *zerolog.Logger
}

func NewRetentionWorker(interval, maxAge time.Duration, store repository.AssetStore, logger *zerolog.Logger) *RetentionWorker {
	retLog := logger.With().Str("component", "RetentionWorker").Logger()
	if interval <= 0 {
		interval = time.Hour
	}
	return &RetentionWorker{
		interval: interval,
		maxAge:   maxAge,
		store:    store,
		log:      &retLog,
	}
}

func (w *RetentionWorker) Run(ctx context.Context) error {
	w.log.Info().Dur("max_age", w.maxAge).Msg("Starting retention worker")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Stopping retention worker")
			return ctx.Err()
		case <-ticker.C:
			stats, err := w.store.Cleanup(w.maxAge)
			metrics.IncStoreOp("cleanup", err == nil)
			if err != nil {
				w.log.Error().Err(err).Msg("retention pass failed")
				continue
			}
			if stats.AssetsChanged > 0 {
				w.log.Info().
					Int("assets_changed", stats.AssetsChanged).
					Int("sessions_removed", stats.SessionsRemoved).
					Int("predictions_removed", stats.PredictionsRemoved).
					Msg("old history trimmed")
			}
		}
	}
}
