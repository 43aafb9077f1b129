package model

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ModelKind names one member of the per-asset model ensemble.
type ModelKind string

const (
	ModelKindLSTM  ModelKind = "lstm"
	ModelKindGRU   ModelKind = "gru"
	ModelKindDense ModelKind = "dense"
)

// EnsembleKinds returns the model kinds trained for every asset, in
// deterministic order.
func EnsembleKinds() []ModelKind {
	return []ModelKind{ModelKindLSTM, ModelKindGRU, ModelKindDense}
}

// ParseModelKind validates a kind name from external input.
func ParseModelKind(s string) (ModelKind, error) {
	k := ModelKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case ModelKindLSTM, ModelKindGRU, ModelKindDense:
		return k, nil
	}
	return "", fmt.Errorf("unknown model kind %q", s)
}

type JobStatus string

const (
	JobStatusQueued           JobStatus = "queued"
	JobStatusTraining         JobStatus = "training"
	JobStatusCompleted        JobStatus = "completed"
	JobStatusFailed           JobStatus = "failed"
	JobStatusFailedPermanent  JobStatus = "failed_permanent"
	JobStatusCancelled        JobStatus = "cancelled"
	JobStatusCancelling       JobStatus = "cancelling"
	JobStatusEmergencyStopped JobStatus = "emergency_stopped"
)

// Terminal reports whether a job in this status will never run again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusFailedPermanent,
		JobStatusCancelled, JobStatusEmergencyStopped:
		return true
	}
	return false
}

const (
	PriorityHighest = 1
	PriorityDefault = 5
	PriorityLowest  = 10
)

// TrainingConfig is the network shape and training budget attached to a job
// and persisted next to the weights it produced.
type TrainingConfig struct {
	Features     int     `json:"features"`
	HiddenLayers []int   `json:"hidden_layers"`
	Outputs      int     `json:"outputs"`
	LearningRate float64 `json:"learning_rate"`
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
}

// TrainFunc runs one training session for an asset and model kind. It is
// executed on a scheduler goroutine and must honor ctx cancellation for its
// own I/O. It must touch only the (asset, kind) pair it was given.
type TrainFunc func(ctx context.Context, asset string, kind ModelKind, cfg TrainingConfig) (*TrainingSession, error)

// TrainingJob is a unit of training work. Jobs are values owned by the
// scheduler: they move between its queue, active set and history, and are
// never shared by pointer with callers.
type TrainingJob struct {
	ID           string
	Asset        string
	Model        ModelKind
	Priority     int // 1 highest .. 10 lowest
	Status       JobStatus
	Config       TrainingConfig
	Callback     TrainFunc
	Attempts     int
	MaxAttempts  int
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
	LastError    string
	CancelReason string
}
