package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/domain/ports/repository"
	"price-direction-ml/internal/features"
	"price-direction-ml/internal/infra/logging"
	"price-direction-ml/internal/infra/metrics"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ PredictionUseCase = (*predictionUC)(nil)

type PredictionUseCase interface {
	// Predict serves one model's direction call for an asset from its stored
	// weights. Features come from fresh candles when the provider delivers,
	// from the record's cached vector otherwise.
	Predict(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error)

	// PredictEnsemble serves every trained model of the asset. Outputs stay
	// raw and per-model; they are never merged into a vote.
	PredictEnsemble(ctx context.Context, asset string) ([]model.DirectionSignal, error)

	Latest(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error)
}

type predictionUC struct {
	store   repository.AssetStore
	market  adapter.MarketDataProvider
	models  adapter.ModelFactory
	signals adapter.SignalPublisher
	engine  *features.Engine
	base    model.TrainingConfig

	log *zerolog.Logger
}

func NewPredictionUseCase(store repository.AssetStore, market adapter.MarketDataProvider, models adapter.ModelFactory, signals adapter.SignalPublisher, base model.TrainingConfig, logger *zerolog.Logger) *predictionUC {
	if base.Features == 0 {
		base.Features = features.VectorSize
	}
	return &predictionUC{
		store:   store,
		market:  market,
		models:  models,
		signals: signals,
		engine:  features.NewEngine(),
		base:    base,
		log:     logger,
	}
}

func (u *predictionUC) Predict(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error) {
	defer logging.TraceDuration(u.log, "PredictionUC.Predict")()
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || kind == "" {
		return nil, fmt.Errorf("predict: %w", domain.ErrInvalidArgument)
	}
	vec, price, fresh, err := u.featureVector(ctx, asset)
	if err != nil {
		return nil, err
	}
	return u.predictOne(ctx, asset, kind, vec, price, fresh)
}

func (u *predictionUC) PredictEnsemble(ctx context.Context, asset string) ([]model.DirectionSignal, error) {
	defer logging.TraceDuration(u.log, "PredictionUC.PredictEnsemble")()
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return nil, fmt.Errorf("predict ensemble: %w", domain.ErrInvalidArgument)
	}
	vec, price, fresh, err := u.featureVector(ctx, asset)
	if err != nil {
		return nil, err
	}

	out := make([]model.DirectionSignal, 0, len(model.EnsembleKinds()))
	var firstErr error
	for _, kind := range model.EnsembleKinds() {
		sig, err := u.predictOne(ctx, asset, kind, vec, price, fresh)
		if err != nil {
			if !errors.Is(err, domain.ErrNoTrainedWeights) {
				if firstErr == nil {
					firstErr = err
				}
				u.log.Warn().Err(err).Str("asset", asset).Str("model", string(kind)).
					Msg("ensemble member failed to predict")
			}
			continue
		}
		out = append(out, *sig)
	}
	if len(out) == 0 {
		if firstErr != nil {
			return nil, firstErr
		}
		return nil, fmt.Errorf("predict ensemble %s: %w", asset, domain.ErrNoTrainedWeights)
	}
	return out, nil
}

// Latest returns the most recent signal for the pair, preferring the
// publisher's cache and falling back to the persisted prediction history.
func (u *predictionUC) Latest(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" || kind == "" {
		return nil, fmt.Errorf("latest signal: %w", domain.ErrInvalidArgument)
	}
	if u.signals != nil {
		sig, err := u.signals.Latest(ctx, asset, kind)
		if err != nil {
			u.log.Debug().Err(err).Str("asset", asset).Msg("signal cache lookup failed")
		} else if sig != nil {
			return sig, nil
		}
	}

	rec, err := u.store.Snapshot(asset)
	if err != nil {
		return nil, err
	}
	hist := rec.Predictions.History
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Model != kind {
			continue
		}
		p := hist[i]
		return &model.DirectionSignal{
			Asset:      asset,
			Model:      p.Model,
			Direction:  p.Direction,
			Confidence: p.Confidence,
			Probs:      p.Probs,
			Price:      p.Price,
			At:         p.At,
		}, nil
	}
	return nil, fmt.Errorf("no prediction recorded for %s/%s: %w", asset, kind, domain.ErrNotFound)
}

func (u *predictionUC) predictOne(ctx context.Context, asset string, kind model.ModelKind, vec []float64, price float64, fresh bool) (*model.DirectionSignal, error) {
	h, err := u.store.LoadModelWeights(asset, kind, u.models, u.base)
	if err != nil {
		return nil, fmt.Errorf("load weights %s/%s: %w", asset, kind, err)
	}
	if h == nil {
		return nil, fmt.Errorf("predict %s/%s: %w", asset, kind, domain.ErrNoTrainedWeights)
	}
	defer h.Dispose()

	pred, err := h.Predict(vec)
	if err != nil {
		return nil, fmt.Errorf("predict %s/%s: %w", asset, kind, err)
	}
	if len(pred.Probs) != 3 {
		return nil, fmt.Errorf("predict %s/%s: model emits %d classes: %w", asset, kind, len(pred.Probs), domain.ErrInvalidArgument)
	}

	sig := &model.DirectionSignal{
		Asset:      asset,
		Model:      kind,
		Direction:  model.DirectionFromClass(pred.Class),
		Confidence: pred.Confidence,
		Probs: model.ClassProbs{
			Down:     pred.Probs[model.ClassDown],
			Sideways: pred.Probs[model.ClassSideways],
			Up:       pred.Probs[model.ClassUp],
		},
		Price: price,
		At:    time.Now(),
	}

	if err := u.store.SavePredictionHistory(asset, model.PredictionRecord{
		Model:      kind,
		Direction:  sig.Direction,
		Confidence: sig.Confidence,
		Probs:      sig.Probs,
		Price:      sig.Price,
		At:         sig.At,
	}); err != nil {
		u.log.Warn().Err(err).Str("asset", asset).Msg("prediction history append failed")
	}
	if fresh {
		if err := u.store.SaveFeatureCache(asset, vec); err != nil {
			u.log.Warn().Err(err).Str("asset", asset).Msg("feature cache update failed")
		}
	}
	metrics.IncPrediction(string(kind), string(sig.Direction))
	if u.signals != nil {
		if err := u.signals.Publish(ctx, *sig); err != nil {
			u.log.Warn().Err(err).Str("asset", asset).Msg("signal publish failed")
		}
	}

	u.log.Info().Str("asset", asset).Str("model", string(kind)).
		Str("direction", string(sig.Direction)).Float64("confidence", sig.Confidence).
		Bool("fresh_features", fresh).Msg("prediction served")
	return sig, nil
}

// featureVector assembles the input for one prediction. Fresh candles are
// replayed through the engine's window; when the provider fails or the window
// is too small, the record's cached vector serves as fallback.
func (u *predictionUC) featureVector(ctx context.Context, asset string) ([]float64, float64, bool, error) {
	candles, err := u.market.Candles(ctx, asset, features.WindowSize)
	if err != nil {
		u.log.Warn().Err(err).Str("asset", asset).Msg("candle fetch failed, trying cached features")
	} else {
		var vec []float64
		for _, c := range candles {
			if c.Symbol == "" {
				c.Symbol = asset
			}
			vec = u.engine.Add(c)
		}
		if vec != nil {
			return vec, candles[len(candles)-1].Close, true, nil
		}
	}

	rec, serr := u.store.Snapshot(asset)
	if serr != nil {
		return nil, 0, false, serr
	}
	if rec.Features != nil && len(rec.Features.Vector) > 0 {
		price := 0.0
		if rec.Predictions.Last != nil {
			price = rec.Predictions.Last.Price
		}
		u.log.Debug().Str("asset", asset).Time("extracted_at", rec.Features.ExtractedAt).
			Msg("serving prediction from cached features")
		return rec.Features.Vector, price, false, nil
	}
	if err != nil {
		return nil, 0, false, fmt.Errorf("fetch candles for %s: %w", asset, err)
	}
	return nil, 0, false, fmt.Errorf("no feature data for %s: %w", asset, domain.ErrNotFound)
}
