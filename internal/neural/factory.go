// File: internal/neural/factory.go
package neural

import (
	"fmt"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/features"
)

// hiddenPresets is the hidden stack used for a model kind when the job
// config does not pin one. The recurrent kinds run as deeper feed-forward
// stacks over the windowed feature vector; the window already encodes the
// recent sequence, so depth stands in for recurrence.
var hiddenPresets = map[model.ModelKind][]int{
	model.ModelKindLSTM:  {64, 32},
	model.ModelKindGRU:   {48, 24},
	model.ModelKindDense: {32},
}

// NewHandle builds a fresh, unbuilt handle for one ensemble member. It is
// the adapter.ModelFactory used across the service.
func NewHandle(kind model.ModelKind, cfg model.TrainingConfig) (adapter.ModelHandle, error) {
	preset, ok := hiddenPresets[kind]
	if !ok {
		return nil, fmt.Errorf("model factory: %w: unknown model kind %q", domain.ErrInvalidArgument, kind)
	}
	if cfg.Features <= 0 {
		cfg.Features = features.VectorSize
	}
	if cfg.Outputs <= 0 {
		cfg.Outputs = 3
	}
	if len(cfg.HiddenLayers) == 0 {
		cfg.HiddenLayers = append([]int(nil), preset...)
	}
	if cfg.LearningRate <= 0 {
		cfg.LearningRate = 0.01
	}
	if cfg.Epochs <= 0 {
		cfg.Epochs = 20
	}
	return newMLP(kind, cfg), nil
}
