package model

import "time"

// Tensor is one flattened parameter tensor of a trained model. Values holds
// len == product(Shape) elements in row-major order.
type Tensor struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
	Shape  []int     `json:"shape"`
	DType  string    `json:"dtype"`
}

// WeightSnapshot is the complete parameter set of one trained model. A
// snapshot is written whole or not at all.
type WeightSnapshot struct {
	Tensors []Tensor  `json:"tensors"`
	Count   int       `json:"count"`
	SavedAt time.Time `json:"saved_at"`
}

// ModelArtifact is everything persisted for one model kind of an asset.
type ModelArtifact struct {
	Weights      *WeightSnapshot `json:"weights,omitempty"`
	Config       TrainingConfig  `json:"config"`
	Architecture string          `json:"architecture,omitempty"`
}

// TrainingSession records one completed training run. Error is empty on
// success.
type TrainingSession struct {
	ID          string    `json:"id"`
	Model       ModelKind `json:"model"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	Samples     int       `json:"samples"`
	Epochs      int       `json:"epochs"`
	FinalLoss   float64   `json:"final_loss"`
	Accuracy    float64   `json:"accuracy"`
	Error       string    `json:"error,omitempty"`
}

type TrainingState struct {
	History       []TrainingSession `json:"history"`
	LastSession   *TrainingSession  `json:"last_session,omitempty"`
	TotalSessions int64             `json:"total_sessions"`
}

// PredictionRecord is one served prediction kept for accuracy tracking.
type PredictionRecord struct {
	ID         string     `json:"id"`
	Model      ModelKind  `json:"model"`
	Direction  Direction  `json:"direction"`
	Confidence float64    `json:"confidence"`
	Probs      ClassProbs `json:"probs"`
	Price      float64    `json:"price"`
	At         time.Time  `json:"at"`
}

// PredictionState keeps a bounded prediction window. TotalCount is monotonic
// and survives trimming.
type PredictionState struct {
	History    []PredictionRecord `json:"history"`
	Last       *PredictionRecord  `json:"last,omitempty"`
	TotalCount int64              `json:"total_count"`
}

// FeatureCache is the most recent feature vector extracted for an asset,
// kept so predictions can be served before fresh market data arrives.
type FeatureCache struct {
	Vector      []float64 `json:"vector"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type RecordMetadata struct {
	TrainedModels      int `json:"trained_models"`
	TotalWeightTensors int `json:"total_weight_tensors"`
}

// AssetRecord is the single consolidated persistence unit for one asset:
// model weights, training history, prediction history and cached features
// all live in this one document. There are no per-model side files.
type AssetRecord struct {
	AssetID       string                    `json:"asset_id"`
	SchemaVersion int                       `json:"schema_version"`
	Timestamp     time.Time                 `json:"timestamp"`
	LastUpdated   time.Time                 `json:"last_updated"`
	Models        map[string]*ModelArtifact `json:"models"`
	Training      TrainingState             `json:"training"`
	Predictions   PredictionState           `json:"predictions"`
	Features      *FeatureCache             `json:"features,omitempty"`
	Metadata      RecordMetadata            `json:"metadata"`
}

// NewAssetRecord returns an empty skeleton record for an asset.
func NewAssetRecord(assetID string, schemaVersion int) *AssetRecord {
	now := time.Now()
	return &AssetRecord{
		AssetID:       assetID,
		SchemaVersion: schemaVersion,
		Timestamp:     now,
		LastUpdated:   now,
		Models:        make(map[string]*ModelArtifact),
	}
}

// EnsureArtifact returns the artifact for a model kind, creating an empty
// one when missing.
func (r *AssetRecord) EnsureArtifact(kind ModelKind) *ModelArtifact {
	if r.Models == nil {
		r.Models = make(map[string]*ModelArtifact)
	}
	art, ok := r.Models[string(kind)]
	if !ok {
		art = &ModelArtifact{}
		r.Models[string(kind)] = art
	}
	return art
}

// Artifact returns the stored artifact for a model kind, or nil.
func (r *AssetRecord) Artifact(kind ModelKind) *ModelArtifact {
	if r.Models == nil {
		return nil
	}
	return r.Models[string(kind)]
}
