// File: internal/usecase/mocks_test.go
package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

// memAssetStore is a small in-memory implementation used by unit tests.
// Error fields let tests simulate persistence failures per operation.
type memAssetStore struct {
	mu      sync.RWMutex
	records map[string]*model.AssetRecord
	handles map[string]adapter.ModelHandle // asset|kind, served by LoadModelWeights

	weightsErr error
	histErr    error
	predErr    error
	cacheErr   error

	cacheSaves int
}

func newMemAssetStore() *memAssetStore {
	return &memAssetStore{
		records: make(map[string]*model.AssetRecord),
		handles: make(map[string]adapter.ModelHandle),
	}
}

func storeKey(asset string, kind model.ModelKind) string {
	return strings.ToUpper(asset) + "|" + string(kind)
}

func (m *memAssetStore) record(assetID string) *model.AssetRecord {
	canonical := strings.ToUpper(strings.TrimSpace(assetID))
	rec, ok := m.records[canonical]
	if !ok {
		rec = model.NewAssetRecord(canonical, 1)
		m.records[canonical] = rec
	}
	return rec
}

func (m *memAssetStore) Load(assetID string) (*model.AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record(assetID), nil
}

func (m *memAssetStore) Snapshot(assetID string) (*model.AssetRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, err := json.Marshal(m.record(assetID))
	if err != nil {
		return nil, err
	}
	var out model.AssetRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (m *memAssetStore) Save(assetID string, rec *model.AssetRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[strings.ToUpper(strings.TrimSpace(assetID))] = rec
	return nil
}

func (m *memAssetStore) SaveModelWeights(assetID string, kind model.ModelKind, h adapter.ModelHandle) error {
	if m.weightsErr != nil {
		return m.weightsErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := h.Summary()
	rec := m.record(assetID)
	art := rec.EnsureArtifact(kind)
	art.Weights = &model.WeightSnapshot{Count: 1, SavedAt: time.Now()}
	art.Config = sum.Config
	art.Architecture = sum.Architecture
	m.handles[storeKey(assetID, kind)] = h
	return nil
}

func (m *memAssetStore) LoadModelWeights(assetID string, kind model.ModelKind, factory adapter.ModelFactory, cfg model.TrainingConfig) (adapter.ModelHandle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handles[storeKey(assetID, kind)]
	if !ok {
		return nil, nil
	}
	return h, nil
}

func (m *memAssetStore) HasTrainedWeights(assetID string, kind model.ModelKind) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handles[storeKey(assetID, kind)]
	return ok
}

func (m *memAssetStore) SaveTrainingHistory(assetID string, sess model.TrainingSession) error {
	if m.histErr != nil {
		return m.histErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(assetID)
	if sess.ID == "" {
		sess.ID = fmt.Sprintf("sess-%d", len(rec.Training.History)+1)
	}
	rec.Training.History = append(rec.Training.History, sess)
	cp := sess
	rec.Training.LastSession = &cp
	rec.Training.TotalSessions++
	return nil
}

func (m *memAssetStore) SavePredictionHistory(assetID string, p model.PredictionRecord) error {
	if m.predErr != nil {
		return m.predErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(assetID)
	if p.ID == "" {
		p.ID = fmt.Sprintf("pred-%d", len(rec.Predictions.History)+1)
	}
	rec.Predictions.History = append(rec.Predictions.History, p)
	cp := p
	rec.Predictions.Last = &cp
	rec.Predictions.TotalCount++
	return nil
}

func (m *memAssetStore) SaveFeatureCache(assetID string, vector []float64) error {
	if m.cacheErr != nil {
		return m.cacheErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.record(assetID)
	rec.Features = &model.FeatureCache{
		Vector:      append([]float64(nil), vector...),
		ExtractedAt: time.Now(),
	}
	m.cacheSaves++
	return nil
}

func (m *memAssetStore) Cleanup(maxAge time.Duration) (model.CleanupStats, error) {
	return model.CleanupStats{}, nil
}

func (m *memAssetStore) StorageStats() (model.StorageStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return model.StorageStats{Assets: len(m.records)}, nil
}

func (m *memAssetStore) TrainedModels() ([]model.TrainedModelInfo, error) {
	return nil, nil
}

func (m *memAssetStore) ForceSave() error { return nil }

func (m *memAssetStore) Shutdown(ctx context.Context) error { return nil }

// memMarketData serves a canned candle series.
type memMarketData struct {
	mu      sync.Mutex
	candles []model.Candle
	err     error
	calls   int
}

func (m *memMarketData) Candles(ctx context.Context, asset string, limit int) ([]model.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make([]model.Candle, len(m.candles))
	copy(out, m.candles)
	return out, nil
}

// memPublisher records published signals and serves a preloaded latest.
type memPublisher struct {
	mu        sync.Mutex
	published []model.DirectionSignal
	latest    map[string]*model.DirectionSignal // asset|kind
	pubErr    error
}

func newMemPublisher() *memPublisher {
	return &memPublisher{latest: make(map[string]*model.DirectionSignal)}
}

func (m *memPublisher) Publish(ctx context.Context, sig model.DirectionSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pubErr != nil {
		return m.pubErr
	}
	m.published = append(m.published, sig)
	return nil
}

func (m *memPublisher) Latest(ctx context.Context, asset string, kind model.ModelKind) (*model.DirectionSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.latest[storeKey(asset, kind)]
	if !ok {
		return nil, nil
	}
	cp := *sig
	return &cp, nil
}

// stubHandle is a canned model handle for pipeline tests.
type stubHandle struct {
	mu       sync.Mutex
	built    bool
	compiled bool
	disposed int

	trainRes *adapter.TrainResult
	trainErr error
	pred     *adapter.Prediction
	predErr  error

	gotTrainRows int
	gotValRows   int
	gotPredict   []float64
	summary      adapter.ModelSummary
}

func (h *stubHandle) Build() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.built = true
	return nil
}

func (h *stubHandle) Compile() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.built {
		return domain.ErrInvalidArgument
	}
	h.compiled = true
	return nil
}

func (h *stubHandle) Train(ctx context.Context, x [][]float64, y []int, valX [][]float64, valY []int, cfg model.TrainingConfig) (*adapter.TrainResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gotTrainRows = len(x)
	h.gotValRows = len(valX)
	if h.trainErr != nil {
		return nil, h.trainErr
	}
	if h.trainRes != nil {
		return h.trainRes, nil
	}
	return &adapter.TrainResult{Epochs: 1, Samples: len(x)}, nil
}

func (h *stubHandle) Predict(x []float64) (*adapter.Prediction, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.gotPredict = append([]float64(nil), x...)
	if h.predErr != nil {
		return nil, h.predErr
	}
	if h.pred != nil {
		cp := *h.pred
		cp.Probs = append([]float64(nil), h.pred.Probs...)
		return &cp, nil
	}
	return &adapter.Prediction{Probs: []float64{0.1, 0.8, 0.1}, Class: model.ClassSideways, Confidence: 0.8}, nil
}

func (h *stubHandle) Weights() ([]model.Tensor, error) {
	return []model.Tensor{{Name: "w", Values: []float64{1}, Shape: []int{1}, DType: "float64"}}, nil
}

func (h *stubHandle) SetWeights(tensors []model.Tensor) error { return nil }

func (h *stubHandle) Dispose() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disposed++
}

func (h *stubHandle) Summary() adapter.ModelSummary {
	return h.summary
}
