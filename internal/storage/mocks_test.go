package storage

import (
	"context"

	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

// fakeHandle is a hand-rolled adapter.ModelHandle for store tests. Behavior
// is overridable per test through the error fields.
type fakeHandle struct {
	tensors    []model.Tensor
	weightsErr error
	setErr     error

	built    bool
	compiled bool
	disposed bool
	set      []model.Tensor
	summary  adapter.ModelSummary
}

func (h *fakeHandle) Build() error   { h.built = true; return nil }
func (h *fakeHandle) Compile() error { h.compiled = true; return nil }

func (h *fakeHandle) Train(ctx context.Context, x [][]float64, y []int, valX [][]float64, valY []int, cfg model.TrainingConfig) (*adapter.TrainResult, error) {
	return &adapter.TrainResult{Epochs: cfg.Epochs, Samples: len(x)}, nil
}

func (h *fakeHandle) Predict(x []float64) (*adapter.Prediction, error) {
	return &adapter.Prediction{Probs: []float64{0.2, 0.3, 0.5}, Class: model.ClassUp, Confidence: 0.5}, nil
}

func (h *fakeHandle) Weights() ([]model.Tensor, error) {
	if h.weightsErr != nil {
		return nil, h.weightsErr
	}
	return h.tensors, nil
}

func (h *fakeHandle) SetWeights(tensors []model.Tensor) error {
	if h.setErr != nil {
		return h.setErr
	}
	h.set = tensors
	return nil
}

func (h *fakeHandle) Dispose() { h.disposed = true }

func (h *fakeHandle) Summary() adapter.ModelSummary { return h.summary }

func testTensors() []model.Tensor {
	return []model.Tensor{
		{Name: "w0", Values: []float64{0.1, -0.2, 0.3, 0.4, -0.5, 0.6}, Shape: []int{2, 3}, DType: "float64"},
		{Name: "b0", Values: []float64{0.01, 0.02, 0.03}, Shape: []int{3}, DType: "float64"},
	}
}
