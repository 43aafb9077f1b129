// File: internal/storage/weight_codec.go
package storage

import (
	"fmt"
	"time"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

// WeightCodec converts between a handle's parameter tensors and the flat,
// shape-tagged snapshot embedded in an asset record. Extraction is
// all-or-nothing: one bad tensor invalidates the whole snapshot.
type WeightCodec struct{}

// Extract pulls every parameter tensor out of a handle.
func (WeightCodec) Extract(kind model.ModelKind, h adapter.ModelHandle) (*model.WeightSnapshot, error) {
	tensors, err := h.Weights()
	if err != nil {
		return nil, &domain.WeightExtractionError{Model: string(kind), Tensor: "*", Cause: err}
	}
	if len(tensors) == 0 {
		return nil, &domain.WeightExtractionError{Model: string(kind), Tensor: "*", Cause: fmt.Errorf("handle exposes no tensors")}
	}
	for i := range tensors {
		t := &tensors[i]
		if t.Name == "" {
			t.Name = fmt.Sprintf("tensor_%d", i)
		}
		if t.DType == "" {
			t.DType = "float64"
		}
		if err := checkTensor(t); err != nil {
			return nil, &domain.WeightExtractionError{Model: string(kind), Tensor: t.Name, Cause: err}
		}
	}
	return &model.WeightSnapshot{
		Tensors: tensors,
		Count:   len(tensors),
		SavedAt: time.Now(),
	}, nil
}

// Restore validates a snapshot and assigns its tensors to a freshly built
// handle.
func (WeightCodec) Restore(h adapter.ModelHandle, snap *model.WeightSnapshot) error {
	if snap == nil || len(snap.Tensors) == 0 {
		return domain.ErrNoTrainedWeights
	}
	if snap.Count != len(snap.Tensors) {
		return fmt.Errorf("snapshot count %d does not match %d tensors: %w", snap.Count, len(snap.Tensors), domain.ErrRecordInvalid)
	}
	for i := range snap.Tensors {
		if err := checkTensor(&snap.Tensors[i]); err != nil {
			return fmt.Errorf("tensor %s: %w", snap.Tensors[i].Name, err)
		}
	}
	if err := h.SetWeights(snap.Tensors); err != nil {
		return fmt.Errorf("assign weights: %w", err)
	}
	return nil
}

func checkTensor(t *model.Tensor) error {
	if len(t.Shape) == 0 {
		return fmt.Errorf("empty shape")
	}
	want := 1
	for _, d := range t.Shape {
		if d <= 0 {
			return fmt.Errorf("non-positive dimension %d", d)
		}
		want *= d
	}
	if len(t.Values) != want {
		return fmt.Errorf("%d values for shape %v (want %d)", len(t.Values), t.Shape, want)
	}
	return nil
}
