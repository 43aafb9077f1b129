package repository

import (
	"context"
	"time"

	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

// AssetStore is the port for the consolidated per-asset record store. One
// record per asset holds weights, training history, prediction history and
// the feature cache; there are no per-model side files.
type AssetStore interface {
	// Load returns the record for an asset, from cache when fresh. A missing
	// file yields an empty skeleton; corruption is recovered or degraded
	// internally and never surfaces as an error. The returned record is the
	// live cache entry; callers that hold onto its internals use Snapshot.
	Load(assetID string) (*model.AssetRecord, error)
	Snapshot(assetID string) (*model.AssetRecord, error)
	Save(assetID string, rec *model.AssetRecord) error

	// SaveModelWeights extracts every parameter tensor of the handle and
	// persists them all-or-nothing under the asset's record.
	SaveModelWeights(assetID string, kind model.ModelKind, h adapter.ModelHandle) error

	// LoadModelWeights rebuilds a handle from stored tensors. It returns
	// (nil, nil) when no weights exist or the stored feature dimension does
	// not match cfg.Features.
	LoadModelWeights(assetID string, kind model.ModelKind, factory adapter.ModelFactory, cfg model.TrainingConfig) (adapter.ModelHandle, error)

	HasTrainedWeights(assetID string, kind model.ModelKind) bool

	SaveTrainingHistory(assetID string, sess model.TrainingSession) error
	SavePredictionHistory(assetID string, p model.PredictionRecord) error
	SaveFeatureCache(assetID string, vector []float64) error

	Cleanup(maxAge time.Duration) (model.CleanupStats, error)
	StorageStats() (model.StorageStats, error)
	TrainedModels() ([]model.TrainedModelInfo, error)

	ForceSave() error
	Shutdown(ctx context.Context) error
}
