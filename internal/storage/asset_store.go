// File: internal/storage/asset_store.go
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/domain/ports/repository"
	"price-direction-ml/internal/infra/metrics"
)

const (
	schemaVersion        = 1
	maxTrainingHistory   = 100
	maxPredictionHistory = 1000
	cleanupKeepSessions  = 10
)

type Config struct {
	Dir                  string
	CacheTTL             time.Duration
	FlushInterval        time.Duration
	PredictionFlushEvery int
}

type cacheEntry struct {
	record   *model.AssetRecord
	loadedAt time.Time
}

// AssetStore owns one consolidated record per asset. Records are cached in
// memory with a freshness bound and written through the backup/tmp/rename
// protocol of RecordStore. All mutations of a cached record happen under mu;
// physical writes for the same asset are serialized by a per-asset lock while
// different assets flush concurrently.
type AssetStore struct {
	cfg    Config
	files  *RecordStore
	codec  WeightCodec
	logger zerolog.Logger

	mu      sync.RWMutex
	cache   map[string]*cacheEntry
	pending map[string]int // unflushed prediction appends per key
	fileMu  map[string]*sync.Mutex
	closed  bool
	started bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ repository.AssetStore = (*AssetStore)(nil)

func NewAssetStore(cfg Config, logger *zerolog.Logger) (*AssetStore, error) {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.PredictionFlushEvery <= 0 {
		cfg.PredictionFlushEvery = 10
	}
	files, err := NewRecordStore(cfg.Dir, verifyAssetRecord, logger)
	if err != nil {
		return nil, err
	}
	return &AssetStore{
		cfg:     cfg,
		files:   files,
		logger:  logger.With().Str("component", "asset_store").Logger(),
		cache:   make(map[string]*cacheEntry),
		pending: make(map[string]int),
		fileMu:  make(map[string]*sync.Mutex),
		stop:    make(chan struct{}),
	}, nil
}

func verifyAssetRecord(data []byte) error {
	var rec model.AssetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	if rec.AssetID == "" || rec.Timestamp.IsZero() {
		return domain.ErrRecordInvalid
	}
	return nil
}

func canonical(assetID string) string { return strings.ToUpper(strings.TrimSpace(assetID)) }

func (s *AssetStore) key(assetID string) string {
	return strings.ToLower(strings.TrimSpace(assetID)) + ".json"
}

// Start launches the periodic flush goroutine. Stop it with Shutdown.
func (s *AssetStore) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed || s.cfg.FlushInterval <= 0 {
		return
	}
	s.started = true
	s.wg.Add(1)
	go s.flushLoop()
	s.logger.Info().Dur("interval", s.cfg.FlushInterval).Msg("periodic flush started")
}

func (s *AssetStore) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.ForceSave(); err != nil {
				s.logger.Error().Err(err).Msg("periodic flush failed")
			}
		}
	}
}

// Load returns the record for an asset, serving from cache while the entry
// is fresh. Unflushed prediction appends pin an entry regardless of age so a
// re-read cannot drop them. Corruption never surfaces to the caller.
func (s *AssetStore) Load(assetID string) (*model.AssetRecord, error) {
	if strings.TrimSpace(assetID) == "" {
		return nil, fmt.Errorf("load asset record: %w", domain.ErrInvalidArgument)
	}
	key := s.key(assetID)

	s.mu.RLock()
	if e, ok := s.cache[key]; ok && s.freshLocked(e, key) {
		rec := e.record
		s.mu.RUnlock()
		metrics.IncCacheRequest("asset_record", "hit")
		return rec, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.cache[key]; ok && s.freshLocked(e, key) {
		metrics.IncCacheRequest("asset_record", "hit")
		return e.record, nil
	}
	metrics.IncCacheRequest("asset_record", "miss")

	data, found, err := s.files.Read(key)
	if err != nil {
		metrics.IncRecovery("skeleton")
		s.logger.Error().Str("asset", assetID).Err(err).
			Msg("asset record unrecoverable, degrading to empty skeleton")
		rec := model.NewAssetRecord(canonical(assetID), schemaVersion)
		s.cache[key] = &cacheEntry{record: rec, loadedAt: time.Now()}
		return rec, nil
	}
	if !found {
		rec := model.NewAssetRecord(canonical(assetID), schemaVersion)
		s.cache[key] = &cacheEntry{record: rec, loadedAt: time.Now()}
		return rec, nil
	}

	var rec model.AssetRecord
	if uerr := json.Unmarshal(data, &rec); uerr != nil {
		metrics.IncRecovery("skeleton")
		s.logger.Error().Str("asset", assetID).Err(uerr).
			Msg("verified record failed to decode, degrading to empty skeleton")
		fresh := model.NewAssetRecord(canonical(assetID), schemaVersion)
		s.cache[key] = &cacheEntry{record: fresh, loadedAt: time.Now()}
		return fresh, nil
	}
	metrics.IncStoreOp("read", true)
	s.cache[key] = &cacheEntry{record: &rec, loadedAt: time.Now()}
	return &rec, nil
}

// Snapshot returns a deep copy of the asset's record. Load hands out the
// cached record, which the store keeps mutating under its lock; callers that
// walk record internals outside a store call take a Snapshot instead.
func (s *AssetStore) Snapshot(assetID string) (*model.AssetRecord, error) {
	rec, err := s.Load(assetID)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	data, err := json.Marshal(rec)
	s.mu.RUnlock()
	if err != nil {
		return nil, fmt.Errorf("snapshot record %s: %w", rec.AssetID, err)
	}
	var out model.AssetRecord
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("snapshot record %s: %w", rec.AssetID, err)
	}
	return &out, nil
}

func (s *AssetStore) freshLocked(e *cacheEntry, key string) bool {
	if s.pending[key] > 0 {
		return true
	}
	return time.Since(e.loadedAt) < s.cfg.CacheTTL
}

// Save stamps timestamps, writes the record atomically and refreshes the
// cache. A write failure is returned to the caller; the on-disk state has
// already been restored from backup by the write protocol.
func (s *AssetStore) Save(assetID string, rec *model.AssetRecord) error {
	if strings.TrimSpace(assetID) == "" || rec == nil {
		return fmt.Errorf("save asset record: %w", domain.ErrInvalidArgument)
	}
	if s.isClosed() {
		return domain.ErrStoreClosed
	}
	key := s.key(assetID)

	s.mu.Lock()
	s.stampLocked(assetID, rec)
	s.mu.Unlock()

	if err := s.persist(key, rec); err != nil {
		return err
	}
	s.refresh(key, rec)
	return nil
}

func (s *AssetStore) stampLocked(assetID string, rec *model.AssetRecord) {
	now := time.Now()
	if rec.AssetID == "" {
		rec.AssetID = canonical(assetID)
	}
	if rec.SchemaVersion == 0 {
		rec.SchemaVersion = schemaVersion
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = now
	}
	rec.LastUpdated = now
}

// persist serializes and writes one record. The per-asset lock keeps
// marshal+write of the same asset ordered; mu is only held for the marshal
// so other assets are not blocked during disk I/O.
func (s *AssetStore) persist(key string, rec *model.AssetRecord) error {
	lock := s.fileLock(key)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	data, err := json.MarshalIndent(rec, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		metrics.IncStoreOp("write", false)
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	if err := s.files.Write(key, data); err != nil {
		metrics.IncStoreOp("write", false)
		return err
	}
	metrics.IncStoreOp("write", true)
	return nil
}

func (s *AssetStore) fileLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.fileMu[key]
	if !ok {
		l = &sync.Mutex{}
		s.fileMu[key] = l
	}
	return l
}

func (s *AssetStore) refresh(key string, rec *model.AssetRecord) {
	s.mu.Lock()
	s.cache[key] = &cacheEntry{record: rec, loadedAt: time.Now()}
	delete(s.pending, key)
	s.mu.Unlock()
}

func (s *AssetStore) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// SaveModelWeights extracts the handle's full parameter set and embeds it in
// the asset record. Extraction is all-or-nothing: on failure nothing is
// persisted.
func (s *AssetStore) SaveModelWeights(assetID string, kind model.ModelKind, h adapter.ModelHandle) error {
	if h == nil {
		return fmt.Errorf("save model weights: %w", domain.ErrInvalidArgument)
	}
	if s.isClosed() {
		return domain.ErrStoreClosed
	}
	rec, err := s.Load(assetID)
	if err != nil {
		return err
	}
	snap, err := s.codec.Extract(kind, h)
	if err != nil {
		return err
	}
	sum := h.Summary()
	key := s.key(assetID)

	s.mu.Lock()
	art := rec.EnsureArtifact(kind)
	art.Weights = snap
	art.Config = sum.Config
	art.Architecture = sum.Architecture
	trained, tensors := 0, 0
	for _, a := range rec.Models {
		if a.Weights != nil {
			trained++
			tensors += a.Weights.Count
		}
	}
	rec.Metadata = model.RecordMetadata{TrainedModels: trained, TotalWeightTensors: tensors}
	s.stampLocked(assetID, rec)
	s.mu.Unlock()

	if err := s.persist(key, rec); err != nil {
		return err
	}
	s.refresh(key, rec)
	s.logger.Info().Str("asset", rec.AssetID).Str("model", string(kind)).
		Int("tensors", snap.Count).Msg("model weights saved")
	return nil
}

// LoadModelWeights rebuilds a handle from stored tensors. It returns
// (nil, nil) when no weights exist or when the stored feature dimension does
// not match cfg.Features: a stale artifact is never loaded into a model of
// the wrong shape.
func (s *AssetStore) LoadModelWeights(assetID string, kind model.ModelKind, factory adapter.ModelFactory, cfg model.TrainingConfig) (adapter.ModelHandle, error) {
	if factory == nil {
		return nil, fmt.Errorf("load model weights: %w", domain.ErrInvalidArgument)
	}
	rec, err := s.Load(assetID)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	var snap *model.WeightSnapshot
	var stored model.TrainingConfig
	if art := rec.Artifact(kind); art != nil && art.Weights != nil && len(art.Weights.Tensors) > 0 {
		snap = art.Weights
		stored = art.Config
	}
	s.mu.RUnlock()

	if snap == nil {
		return nil, nil
	}
	if stored.Features != 0 && cfg.Features != 0 && stored.Features != cfg.Features {
		s.logger.Warn().Str("asset", rec.AssetID).Str("model", string(kind)).
			Int("stored_features", stored.Features).Int("requested_features", cfg.Features).
			Msg("stored weights have stale feature dimension, ignoring")
		return nil, nil
	}

	h, err := factory(kind, cfg)
	if err != nil {
		return nil, fmt.Errorf("model factory: %w", err)
	}
	if err := h.Build(); err != nil {
		h.Dispose()
		return nil, fmt.Errorf("build model: %w", err)
	}
	if err := h.Compile(); err != nil {
		h.Dispose()
		return nil, fmt.Errorf("compile model: %w", err)
	}
	if err := s.codec.Restore(h, snap); err != nil {
		h.Dispose()
		return nil, fmt.Errorf("restore weights for %s/%s: %w", rec.AssetID, kind, err)
	}
	return h, nil
}

// HasTrainedWeights never fails; any error degrades to false.
func (s *AssetStore) HasTrainedWeights(assetID string, kind model.ModelKind) bool {
	rec, err := s.Load(assetID)
	if err != nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	art := rec.Artifact(kind)
	return art != nil && art.Weights != nil && len(art.Weights.Tensors) > 0
}

// SaveTrainingHistory appends one session to the bounded training ring.
func (s *AssetStore) SaveTrainingHistory(assetID string, sess model.TrainingSession) error {
	if s.isClosed() {
		return domain.ErrStoreClosed
	}
	rec, err := s.Load(assetID)
	if err != nil {
		return err
	}
	key := s.key(assetID)

	s.mu.Lock()
	if sess.ID == "" {
		sess.ID = ulid.Make().String()
	}
	rec.Training.History = append(rec.Training.History, sess)
	if n := len(rec.Training.History) - maxTrainingHistory; n > 0 {
		rec.Training.History = append([]model.TrainingSession(nil), rec.Training.History[n:]...)
	}
	cp := sess
	rec.Training.LastSession = &cp
	rec.Training.TotalSessions++
	s.stampLocked(assetID, rec)
	s.mu.Unlock()

	if err := s.persist(key, rec); err != nil {
		return err
	}
	s.refresh(key, rec)
	return nil
}

// SavePredictionHistory appends one prediction to the bounded ring. The
// in-memory view updates immediately; the physical write happens only every
// Nth append per asset to bound write amplification.
func (s *AssetStore) SavePredictionHistory(assetID string, p model.PredictionRecord) error {
	if s.isClosed() {
		return domain.ErrStoreClosed
	}
	rec, err := s.Load(assetID)
	if err != nil {
		return err
	}
	key := s.key(assetID)

	s.mu.Lock()
	if p.ID == "" {
		p.ID = ulid.Make().String()
	}
	if p.At.IsZero() {
		p.At = time.Now()
	}
	rec.Predictions.History = append(rec.Predictions.History, p)
	if n := len(rec.Predictions.History) - maxPredictionHistory; n > 0 {
		rec.Predictions.History = append([]model.PredictionRecord(nil), rec.Predictions.History[n:]...)
	}
	cp := p
	rec.Predictions.Last = &cp
	rec.Predictions.TotalCount++
	s.pending[key]++
	flush := s.pending[key] >= s.cfg.PredictionFlushEvery
	if flush {
		s.stampLocked(assetID, rec)
	}
	s.mu.Unlock()

	if !flush {
		return nil
	}
	if err := s.persist(key, rec); err != nil {
		return err
	}
	s.refresh(key, rec)
	return nil
}

// SaveFeatureCache stores the most recent feature vector for an asset.
func (s *AssetStore) SaveFeatureCache(assetID string, vector []float64) error {
	if s.isClosed() {
		return domain.ErrStoreClosed
	}
	rec, err := s.Load(assetID)
	if err != nil {
		return err
	}
	key := s.key(assetID)

	s.mu.Lock()
	rec.Features = &model.FeatureCache{
		Vector:      append([]float64(nil), vector...),
		ExtractedAt: time.Now(),
	}
	s.stampLocked(assetID, rec)
	s.mu.Unlock()

	if err := s.persist(key, rec); err != nil {
		return err
	}
	s.refresh(key, rec)
	return nil
}

// Cleanup drops predictions older than maxAge outright. Training history
// keeps the most recent sessions unconditionally plus anything newer than
// the cutoff, so infrequently trained assets never lose their whole history.
// Only changed records are re-persisted; unreadable ones are skipped.
func (s *AssetStore) Cleanup(maxAge time.Duration) (model.CleanupStats, error) {
	var stats model.CleanupStats
	keys, err := s.files.List()
	if err != nil {
		return stats, err
	}
	cutoff := time.Now().Add(-maxAge)

	for _, key := range keys {
		rec, ok := s.recordForKey(key)
		if !ok {
			stats.UnreadableFiles++
			continue
		}
		stats.AssetsScanned++

		s.mu.Lock()
		removedPred := trimPredictionsBefore(rec, cutoff)
		removedSess := trimSessionsBefore(rec, cutoff)
		changed := removedPred > 0 || removedSess > 0
		if changed {
			s.stampLocked(rec.AssetID, rec)
		}
		s.mu.Unlock()

		if !changed {
			continue
		}
		if err := s.persist(key, rec); err != nil {
			s.logger.Error().Str("key", key).Err(err).Msg("cleanup persist failed")
			continue
		}
		s.refresh(key, rec)
		stats.AssetsChanged++
		stats.PredictionsRemoved += removedPred
		stats.SessionsRemoved += removedSess
	}

	s.logger.Info().Int("assets", stats.AssetsScanned).Int("changed", stats.AssetsChanged).
		Int("predictions_removed", stats.PredictionsRemoved).Int("sessions_removed", stats.SessionsRemoved).
		Msg("cleanup finished")
	return stats, nil
}

// trimPredictionsBefore removes predictions at or before the cutoff. The
// monotonic TotalCount is untouched.
func trimPredictionsBefore(rec *model.AssetRecord, cutoff time.Time) int {
	h := rec.Predictions.History
	kept := h[:0:0]
	for _, p := range h {
		if p.At.After(cutoff) {
			kept = append(kept, p)
		}
	}
	removed := len(h) - len(kept)
	if removed > 0 {
		rec.Predictions.History = kept
	}
	return removed
}

// trimSessionsBefore keeps the cleanupKeepSessions most recent sessions
// unconditionally; older ones survive only when newer than the cutoff.
func trimSessionsBefore(rec *model.AssetRecord, cutoff time.Time) int {
	h := rec.Training.History
	if len(h) <= cleanupKeepSessions {
		return 0
	}
	head := h[:len(h)-cleanupKeepSessions]
	tail := h[len(h)-cleanupKeepSessions:]
	kept := make([]model.TrainingSession, 0, len(h))
	for _, sess := range head {
		if sess.CompletedAt.After(cutoff) {
			kept = append(kept, sess)
		}
	}
	removed := len(head) - len(kept)
	if removed == 0 {
		return 0
	}
	rec.Training.History = append(kept, tail...)
	return removed
}

// recordForKey prefers the cached record (it may hold unflushed appends) and
// falls back to a direct uncached read.
func (s *AssetStore) recordForKey(key string) (*model.AssetRecord, bool) {
	s.mu.RLock()
	if e, ok := s.cache[key]; ok {
		s.mu.RUnlock()
		return e.record, true
	}
	s.mu.RUnlock()

	data, found, err := s.files.Read(key)
	if err != nil || !found {
		return nil, false
	}
	var rec model.AssetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

// StorageStats aggregates across all records on disk, skipping unreadable
// ones.
func (s *AssetStore) StorageStats() (model.StorageStats, error) {
	var stats model.StorageStats
	keys, err := s.files.List()
	if err != nil {
		return stats, err
	}
	for _, key := range keys {
		rec, ok := s.recordForKey(key)
		if !ok {
			stats.UnreadableFiles++
			continue
		}
		stats.Assets++
		if size, err := s.files.Size(key); err == nil {
			stats.TotalSizeBytes += size
		}
		s.mu.RLock()
		for _, art := range rec.Models {
			if art.Weights != nil && len(art.Weights.Tensors) > 0 {
				stats.TrainedModels++
			}
		}
		stats.TotalSessions += rec.Training.TotalSessions
		stats.TotalPredictions += rec.Predictions.TotalCount
		s.mu.RUnlock()
	}
	return stats, nil
}

// TrainedModels lists every stored weight snapshot, sorted by asset then
// model kind.
func (s *AssetStore) TrainedModels() ([]model.TrainedModelInfo, error) {
	keys, err := s.files.List()
	if err != nil {
		return nil, err
	}
	var out []model.TrainedModelInfo
	for _, key := range keys {
		rec, ok := s.recordForKey(key)
		if !ok {
			continue
		}
		s.mu.RLock()
		for kind, art := range rec.Models {
			if art.Weights == nil || len(art.Weights.Tensors) == 0 {
				continue
			}
			out = append(out, model.TrainedModelInfo{
				Asset:        rec.AssetID,
				Model:        model.ModelKind(kind),
				SavedAt:      art.Weights.SavedAt,
				Tensors:      art.Weights.Count,
				Features:     art.Config.Features,
				Architecture: art.Architecture,
			})
		}
		s.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Asset != out[j].Asset {
			return out[i].Asset < out[j].Asset
		}
		return out[i].Model < out[j].Model
	})
	return out, nil
}

// ForceSave flushes every cached record to disk.
func (s *AssetStore) ForceSave() error {
	s.mu.RLock()
	recs := make(map[string]*model.AssetRecord, len(s.cache))
	for key, e := range s.cache {
		recs[key] = e.record
	}
	s.mu.RUnlock()

	var failed int
	for key, rec := range recs {
		s.mu.Lock()
		s.stampLocked(rec.AssetID, rec)
		s.mu.Unlock()
		if err := s.persist(key, rec); err != nil {
			failed++
			s.logger.Error().Str("key", key).Err(err).Msg("flush failed")
			continue
		}
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}
	if failed > 0 {
		return fmt.Errorf("force save: %d of %d records failed", failed, len(recs))
	}
	if len(recs) > 0 {
		s.logger.Debug().Int("records", len(recs)).Msg("flushed cached records")
	}
	return nil
}

// Shutdown stops the flush timer and performs a final flush. Bounded by ctx.
func (s *AssetStore) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	wasStarted := s.started
	s.mu.Unlock()

	if wasStarted {
		close(s.stop)
		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.logger.Warn().Msg("flush loop did not stop before deadline")
		}
	}

	err := s.finalFlush()
	s.logger.Info().Msg("asset store shut down")
	return err
}

// finalFlush is ForceSave without the closed guard on mutating paths.
func (s *AssetStore) finalFlush() error {
	s.mu.RLock()
	recs := make(map[string]*model.AssetRecord, len(s.cache))
	for key, e := range s.cache {
		recs[key] = e.record
	}
	s.mu.RUnlock()

	var failed int
	for key, rec := range recs {
		if err := s.persist(key, rec); err != nil {
			failed++
			s.logger.Error().Str("key", key).Err(err).Msg("final flush failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("final flush: %d of %d records failed", failed, len(recs))
	}
	return nil
}
