package model

import "time"

// StorageStats aggregates read-only information across every asset record
// on disk. Unreadable records are skipped and counted, never fatal.
type StorageStats struct {
	Assets           int   `json:"assets"`
	TotalSizeBytes   int64 `json:"total_size_bytes"`
	TrainedModels    int   `json:"trained_models"`
	TotalSessions    int64 `json:"total_sessions"`
	TotalPredictions int64 `json:"total_predictions"`
	UnreadableFiles  int   `json:"unreadable_files"`
}

// TrainedModelInfo describes one stored weight snapshot.
type TrainedModelInfo struct {
	Asset        string    `json:"asset"`
	Model        ModelKind `json:"model"`
	SavedAt      time.Time `json:"saved_at"`
	Tensors      int       `json:"tensors"`
	Features     int       `json:"features"`
	Architecture string    `json:"architecture,omitempty"`
}

// CleanupStats reports what one cleanup pass changed.
type CleanupStats struct {
	AssetsScanned      int `json:"assets_scanned"`
	AssetsChanged      int `json:"assets_changed"`
	PredictionsRemoved int `json:"predictions_removed"`
	SessionsRemoved    int `json:"sessions_removed"`
	UnreadableFiles    int `json:"unreadable_files"`
}
