package adapter

import (
	"context"

	"price-direction-ml/internal/domain/model"
)

// SignalPublisher is the port for fanning out per-model direction signals.
// Publishing is best-effort: implementations log failures, callers do not
// depend on delivery.
type SignalPublisher interface {
	Publish(ctx context.Context, sig model.DirectionSignal) error
	Latest(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error)
}
