package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/domain/ports/repository"
	"price-direction-ml/internal/features"
	"price-direction-ml/internal/infra/logging"
	"price-direction-ml/internal/scheduler"

	"github.com/rs/zerolog"
)

// Compile-time check
var _ TrainingUseCase = (*trainingUC)(nil)

// TrainingParams bounds the standard training pipeline. Base carries the
// network shape and budget attached to every enqueued job; zero fields are
// filled by the model factory.
type TrainingParams struct {
	CandleLimit      int
	Horizon          int     // candles ahead for the direction label
	NeutralThreshold float64 // abs fractional move below this is sideways
	ValidationSplit  float64 // trailing fraction held out for validation
	Base             model.TrainingConfig
}

func (p *TrainingParams) applyDefaults() {
	if p.CandleLimit <= 0 {
		p.CandleLimit = 500
	}
	if p.Horizon <= 0 {
		p.Horizon = 5
	}
	if p.NeutralThreshold <= 0 {
		p.NeutralThreshold = 0.001
	}
	if p.ValidationSplit <= 0 || p.ValidationSplit >= 1 {
		p.ValidationSplit = 0.2
	}
}

type TrainingUseCase interface {
	// TrainModel runs one full session: fetch candles, label, train,
	// persist. It has the shape of model.TrainFunc and is what the
	// scheduler executes.
	TrainModel(ctx context.Context, asset string, kind model.ModelKind, cfg model.TrainingConfig) (*model.TrainingSession, error)

	RequestTraining(asset string, kind model.ModelKind, priority int) (string, error)
	RequestEnsemble(asset string, priority int) ([]string, error)
	CancelJob(jobID, reason string) bool
	CanTrain(asset string, kind model.ModelKind) scheduler.Admission
	Status() scheduler.Status
	EmergencyStop(reason string)
	Resume()
}

type trainingUC struct {
	store  repository.AssetStore
	market adapter.MarketDataProvider
	models adapter.ModelFactory
	sched  *scheduler.Scheduler
	params TrainingParams

	log *zerolog.Logger
}

func NewTrainingUseCase(store repository.AssetStore, market adapter.MarketDataProvider, models adapter.ModelFactory, sched *scheduler.Scheduler, params TrainingParams, logger *zerolog.Logger) *trainingUC {
	params.applyDefaults()
	return &trainingUC{store: store, market: market, models: models, sched: sched, params: params, log: logger}
}

func (u *trainingUC) TrainModel(ctx context.Context, asset string, kind model.ModelKind, cfg model.TrainingConfig) (*model.TrainingSession, error) {
	defer logging.TraceDuration(u.log, "TrainingUC.TrainModel")()
	started := time.Now()
	log := logging.With(ctx, u.log)

	candles, err := u.market.Candles(ctx, asset, u.params.CandleLimit)
	if err != nil {
		return nil, u.failSession(ctx, asset, kind, started, fmt.Errorf("fetch candles: %w", err))
	}
	examples := features.Examples(candles, u.params.Horizon, u.params.NeutralThreshold)
	if len(examples) == 0 {
		return nil, u.failSession(ctx, asset, kind, started,
			fmt.Errorf("%w: %d candles yield no labeled examples", domain.ErrInvalidArgument, len(candles)))
	}
	x := make([][]float64, len(examples))
	y := make([]int, len(examples))
	for i, ex := range examples {
		x[i] = ex.Features
		y[i] = ex.Target
	}
	trainX, trainY, valX, valY := splitHoldout(x, y, u.params.ValidationSplit)

	h, err := u.models(kind, cfg)
	if err != nil {
		return nil, u.failSession(ctx, asset, kind, started, fmt.Errorf("model factory: %w", err))
	}
	defer h.Dispose()
	if err := h.Build(); err != nil {
		return nil, u.failSession(ctx, asset, kind, started, fmt.Errorf("build model: %w", err))
	}
	if err := h.Compile(); err != nil {
		return nil, u.failSession(ctx, asset, kind, started, fmt.Errorf("compile model: %w", err))
	}

	res, err := h.Train(ctx, trainX, trainY, valX, valY, cfg)
	if err != nil {
		return nil, u.failSession(ctx, asset, kind, started, fmt.Errorf("train: %w", err))
	}
	if err := u.store.SaveModelWeights(asset, kind, h); err != nil {
		return nil, u.failSession(ctx, asset, kind, started, fmt.Errorf("persist weights: %w", err))
	}

	sess := model.TrainingSession{
		Model:       kind,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Samples:     res.Samples,
		Epochs:      res.Epochs,
		FinalLoss:   res.FinalLoss,
		Accuracy:    res.Accuracy,
	}
	if err := u.store.SaveTrainingHistory(asset, sess); err != nil {
		log.Error().Err(err).Str("asset", asset).Str("model", string(kind)).
			Msg("trained weights saved but history append failed")
	}
	if vec := features.Extract(candles); vec != nil {
		if err := u.store.SaveFeatureCache(asset, vec); err != nil {
			log.Warn().Err(err).Str("asset", asset).Msg("feature cache update failed")
		}
	}

	log.Info().Str("asset", asset).Str("model", string(kind)).
		Int("samples", res.Samples).Int("epochs", res.Epochs).
		Float64("accuracy", res.Accuracy).Float64("loss", res.FinalLoss).
		Dur("elapsed", sess.CompletedAt.Sub(started)).Msg("training session completed")
	return &sess, nil
}

// failSession appends a failed run to the asset's training history, best
// effort, and passes the cause through unchanged.
func (u *trainingUC) failSession(ctx context.Context, asset string, kind model.ModelKind, started time.Time, cause error) error {
	log := logging.With(ctx, u.log)
	sess := model.TrainingSession{
		Model:       kind,
		StartedAt:   started,
		CompletedAt: time.Now(),
		Error:       cause.Error(),
	}
	if err := u.store.SaveTrainingHistory(asset, sess); err != nil && !errors.Is(err, domain.ErrStoreClosed) {
		log.Warn().Err(err).Str("asset", asset).Msg("could not record failed session")
	}
	log.Error().Err(cause).Str("asset", asset).Str("model", string(kind)).Msg("training session failed")
	return cause
}

func (u *trainingUC) RequestTraining(asset string, kind model.ModelKind, priority int) (string, error) {
	return u.sched.Enqueue(asset, kind, u.TrainModel, scheduler.EnqueueOptions{
		Priority: priority,
		Config:   u.params.Base,
	})
}

// RequestEnsemble enqueues one job per ensemble kind. Kinds refused by
// admission (duplicate or cooling down) are skipped; an error is returned
// only when no kind was admitted.
func (u *trainingUC) RequestEnsemble(asset string, priority int) ([]string, error) {
	var ids []string
	var firstErr error
	for _, kind := range model.EnsembleKinds() {
		id, err := u.RequestTraining(asset, kind, priority)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			u.log.Debug().Err(err).Str("asset", asset).Str("model", string(kind)).
				Msg("ensemble member not admitted")
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, firstErr
	}
	return ids, nil
}

func (u *trainingUC) CancelJob(jobID, reason string) bool {
	return u.sched.Cancel(jobID, reason)
}

func (u *trainingUC) CanTrain(asset string, kind model.ModelKind) scheduler.Admission {
	return u.sched.CanTrain(asset, kind)
}

func (u *trainingUC) Status() scheduler.Status {
	return u.sched.Status()
}

func (u *trainingUC) EmergencyStop(reason string) {
	u.sched.EmergencyStop(reason)
}

func (u *trainingUC) Resume() {
	u.sched.Resume()
}

// splitHoldout carves the trailing fraction off as a validation set. Rows
// keep their time order on both sides of the cut.
func splitHoldout(x [][]float64, y []int, frac float64) ([][]float64, []int, [][]float64, []int) {
	n := len(x)
	val := int(float64(n) * frac)
	if val >= n {
		val = 0
	}
	cut := n - val
	return x[:cut], y[:cut], x[cut:], y[cut:]
}
