package adapter

import (
	"context"

	"price-direction-ml/internal/domain/model"
)

// TrainResult summarizes one completed training run of a handle.
type TrainResult struct {
	Epochs    int
	FinalLoss float64
	Accuracy  float64
	Samples   int
}

// Prediction is the raw softmax output of one model. Probs is indexed by
// class (model.ClassDown, model.ClassSideways, model.ClassUp).
type Prediction struct {
	Probs      []float64
	Class      int
	Confidence float64
}

// ModelSummary describes a handle's configuration and layer layout.
type ModelSummary struct {
	Config       model.TrainingConfig
	Architecture string
}

// ModelHandle is the port for one neural-network model instance. Handles are
// opaque to the orchestration core: it only builds, trains, extracts and
// restores weights, and disposes them.
type ModelHandle interface {
	Build() error
	Compile() error

	// Train fits the model on x/y with an optional validation split.
	// y holds class indices, one per row of x.
	Train(ctx context.Context, x [][]float64, y []int, valX [][]float64, valY []int, cfg model.TrainingConfig) (*TrainResult, error)

	Predict(x []float64) (*Prediction, error)

	// Weights returns every parameter tensor in a stable order.
	Weights() ([]model.Tensor, error)
	SetWeights(tensors []model.Tensor) error

	Dispose()
	Summary() ModelSummary
}

// ModelFactory builds a fresh, uncompiled handle for a model kind.
type ModelFactory func(kind model.ModelKind, cfg model.TrainingConfig) (ModelHandle, error)
