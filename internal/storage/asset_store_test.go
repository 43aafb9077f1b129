package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
)

func newTestStore(t *testing.T, flushEvery int) (*AssetStore, string) {
	t.Helper()
	dir := t.TempDir()
	nop := zerolog.Nop()
	store, err := NewAssetStore(Config{
		Dir:                  dir,
		CacheTTL:             time.Minute,
		PredictionFlushEvery: flushEvery,
	}, &nop)
	if err != nil {
		t.Fatalf("NewAssetStore: %v", err)
	}
	return store, dir
}

func readDiskRecord(t *testing.T, dir, name string) *model.AssetRecord {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read record file: %v", err)
	}
	var rec model.AssetRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		t.Fatalf("decode record file: %v", err)
	}
	return &rec
}

func TestAssetStore_LoadMissingReturnsSkeleton(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	rec, err := store.Load("BTCUSDT")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if rec.AssetID != "BTCUSDT" {
		t.Fatalf("expected canonical asset id, got %q", rec.AssetID)
	}
	if rec.Timestamp.IsZero() {
		t.Fatalf("skeleton must carry a timestamp")
	}
	if len(rec.Models) != 0 || len(rec.Training.History) != 0 {
		t.Fatalf("skeleton must be empty")
	}
	// a bare load must not create the file
	if _, err := os.Stat(filepath.Join(dir, "btcusdt.json")); !os.IsNotExist(err) {
		t.Fatalf("load alone must not write the record file")
	}
}

func TestAssetStore_SaveThenLoad(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	rec, _ := store.Load("ethusdt")
	rec.EnsureArtifact(model.ModelKindDense).Architecture = "dense-16-8-3"
	if err := store.Save("ethusdt", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	disk := readDiskRecord(t, dir, "ethusdt.json")
	if disk.AssetID != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT on disk, got %q", disk.AssetID)
	}
	if disk.Models["dense"] == nil || disk.Models["dense"].Architecture != "dense-16-8-3" {
		t.Fatalf("artifact not persisted: %+v", disk.Models)
	}
	// write protocol must not leave tmp or backup files behind
	if _, err := os.Stat(filepath.Join(dir, "ethusdt.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("tmp file left behind")
	}
	if _, err := os.Stat(filepath.Join(dir, "ethusdt.json.backup")); !os.IsNotExist(err) {
		t.Fatalf("backup file left behind")
	}
}

func TestAssetStore_CacheServesWithoutDiskRead(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	rec, _ := store.Load("btcusdt")
	rec.Metadata.TrainedModels = 7
	if err := store.Save("btcusdt", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	first, _ := store.Load("btcusdt")
	// corrupt the file on disk: a cached load must not notice
	if err := os.WriteFile(filepath.Join(dir, "btcusdt.json"), []byte("garbage"), 0o644); err != nil {
		t.Fatalf("corrupt file: %v", err)
	}
	second, err := store.Load("btcusdt")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if first != second {
		t.Fatalf("expected cache-identical record across back-to-back loads")
	}
	if second.Metadata.TrainedModels != 7 {
		t.Fatalf("cached content changed: %+v", second.Metadata)
	}
}

func TestAssetStore_SnapshotIsDetached(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	if err := store.SaveTrainingHistory("btcusdt", model.TrainingSession{Model: model.ModelKindGRU, Accuracy: 0.5}); err != nil {
		t.Fatalf("SaveTrainingHistory: %v", err)
	}

	snap, err := store.Snapshot("btcusdt")
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	live, _ := store.Load("btcusdt")
	if snap == live {
		t.Fatalf("snapshot must not alias the cached record")
	}
	if len(snap.Training.History) != 1 || snap.Training.History[0].Accuracy != 0.5 {
		t.Fatalf("snapshot content wrong: %+v", snap.Training)
	}

	// mutating the snapshot must not reach the store
	snap.Training.History[0].Accuracy = -1
	live, _ = store.Load("BTCUSDT")
	if live.Training.History[0].Accuracy != 0.5 {
		t.Fatalf("snapshot mutation leaked into the cache")
	}
}

func TestAssetStore_CorruptPrimaryRecoversFromBackup(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	good := model.NewAssetRecord("BTCUSDT", 1)
	good.Metadata.TrainedModels = 3
	data, err := json.Marshal(good)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "btcusdt.json"), []byte("{broken"), 0o644); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "btcusdt.json.backup"), data, 0o644); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	rec, err := store.Load("btcusdt")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if rec.Metadata.TrainedModels != 3 {
		t.Fatalf("expected backup content, got %+v", rec.Metadata)
	}
}

func TestAssetStore_CorruptBothDegradesToSkeleton(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	if err := os.WriteFile(filepath.Join(dir, "btcusdt.json"), []byte("junk"), 0o644); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "btcusdt.json.backup"), []byte("also junk"), 0o644); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	rec, err := store.Load("btcusdt")
	if err != nil {
		t.Fatalf("corruption must not surface from Load, got %v", err)
	}
	if rec.AssetID != "BTCUSDT" || len(rec.Models) != 0 {
		t.Fatalf("expected empty skeleton, got %+v", rec)
	}
}

func TestAssetStore_WeightRoundTrip(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	cfg := model.TrainingConfig{Features: 16, HiddenLayers: []int{8}, Outputs: 3}
	h := &fakeHandle{tensors: testTensors(), summary: adapter.ModelSummary{Config: cfg, Architecture: "mlp-16-8-3"}}

	if err := store.SaveModelWeights("btcusdt", model.ModelKindLSTM, h); err != nil {
		t.Fatalf("SaveModelWeights: %v", err)
	}
	if !store.HasTrainedWeights("btcusdt", model.ModelKindLSTM) {
		t.Fatalf("expected trained weights after save")
	}

	var restored *fakeHandle
	factory := func(kind model.ModelKind, cfg model.TrainingConfig) (adapter.ModelHandle, error) {
		restored = &fakeHandle{}
		return restored, nil
	}
	got, err := store.LoadModelWeights("btcusdt", model.ModelKindLSTM, factory, cfg)
	if err != nil {
		t.Fatalf("LoadModelWeights: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a handle")
	}
	if !restored.built || !restored.compiled {
		t.Fatalf("handle must be built and compiled before weight assignment")
	}

	want := testTensors()
	if len(restored.set) != len(want) {
		t.Fatalf("expected %d tensors, got %d", len(want), len(restored.set))
	}
	for i, tensor := range restored.set {
		for j, v := range tensor.Values {
			if v != want[i].Values[j] {
				t.Fatalf("tensor %d value %d: want %v got %v", i, j, want[i].Values[j], v)
			}
		}
	}
}

func TestAssetStore_LoadWeightsFeatureMismatchReturnsNil(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	saveCfg := model.TrainingConfig{Features: 16, Outputs: 3}
	h := &fakeHandle{tensors: testTensors(), summary: adapter.ModelSummary{Config: saveCfg}}
	if err := store.SaveModelWeights("btcusdt", model.ModelKindGRU, h); err != nil {
		t.Fatalf("SaveModelWeights: %v", err)
	}

	factoryCalled := false
	factory := func(kind model.ModelKind, cfg model.TrainingConfig) (adapter.ModelHandle, error) {
		factoryCalled = true
		return &fakeHandle{}, nil
	}
	got, err := store.LoadModelWeights("btcusdt", model.ModelKindGRU, factory, model.TrainingConfig{Features: 24, Outputs: 3})
	if err != nil {
		t.Fatalf("mismatch must not error, got %v", err)
	}
	if got != nil {
		t.Fatalf("expected nil handle for stale feature dimension")
	}
	if factoryCalled {
		t.Fatalf("factory must not run for an incompatible artifact")
	}
}

func TestAssetStore_LoadWeightsMissingReturnsNil(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	factory := func(kind model.ModelKind, cfg model.TrainingConfig) (adapter.ModelHandle, error) {
		return &fakeHandle{}, nil
	}
	got, err := store.LoadModelWeights("btcusdt", model.ModelKindDense, factory, model.TrainingConfig{Features: 16})
	if err != nil || got != nil {
		t.Fatalf("expected (nil, nil) for absent weights, got (%v, %v)", got, err)
	}
}

func TestAssetStore_WeightExtractionAllOrNothing(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	bad := testTensors()
	bad[1].Values = bad[1].Values[:2] // shape says 3
	h := &fakeHandle{tensors: bad}

	err := store.SaveModelWeights("btcusdt", model.ModelKindLSTM, h)
	var werr *domain.WeightExtractionError
	if !errors.As(err, &werr) {
		t.Fatalf("expected WeightExtractionError, got %v", err)
	}
	if store.HasTrainedWeights("btcusdt", model.ModelKindLSTM) {
		t.Fatalf("partial weights must never persist")
	}
	if _, err := os.Stat(filepath.Join(dir, "btcusdt.json")); !os.IsNotExist(err) {
		t.Fatalf("failed extraction must not write the record")
	}
}

func TestAssetStore_TrainingHistoryRing(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	for i := 0; i < maxTrainingHistory+5; i++ {
		sess := model.TrainingSession{
			Model:       model.ModelKindLSTM,
			StartedAt:   time.Now().Add(-time.Duration(i) * time.Minute),
			CompletedAt: time.Now(),
			FinalLoss:   float64(i),
		}
		if err := store.SaveTrainingHistory("btcusdt", sess); err != nil {
			t.Fatalf("SaveTrainingHistory %d: %v", i, err)
		}
	}

	rec, _ := store.Load("btcusdt")
	if len(rec.Training.History) != maxTrainingHistory {
		t.Fatalf("expected ring capped at %d, got %d", maxTrainingHistory, len(rec.Training.History))
	}
	if rec.Training.TotalSessions != int64(maxTrainingHistory+5) {
		t.Fatalf("TotalSessions must count every append, got %d", rec.Training.TotalSessions)
	}
	newest := rec.Training.History[len(rec.Training.History)-1]
	if rec.Training.LastSession == nil || rec.Training.LastSession.ID != newest.ID {
		t.Fatalf("LastSession must track the newest entry")
	}
	if newest.FinalLoss != float64(maxTrainingHistory+4) {
		t.Fatalf("oldest entries must be evicted first")
	}
}

func TestAssetStore_PredictionFlushBatching(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 5)
	pred := func(i int) model.PredictionRecord {
		return model.PredictionRecord{
			Model:      model.ModelKindDense,
			Direction:  model.DirectionUp,
			Confidence: float64(i),
			At:         time.Now(),
		}
	}

	for i := 0; i < 4; i++ {
		if err := store.SavePredictionHistory("btcusdt", pred(i)); err != nil {
			t.Fatalf("SavePredictionHistory %d: %v", i, err)
		}
	}
	// below the batch threshold nothing reaches disk
	if _, err := os.Stat(filepath.Join(dir, "btcusdt.json")); !os.IsNotExist(err) {
		t.Fatalf("expected no physical write before the Nth append")
	}
	rec, _ := store.Load("btcusdt")
	if len(rec.Predictions.History) != 4 {
		t.Fatalf("in-memory view must update immediately, got %d", len(rec.Predictions.History))
	}

	if err := store.SavePredictionHistory("btcusdt", pred(4)); err != nil {
		t.Fatalf("SavePredictionHistory flush: %v", err)
	}
	disk := readDiskRecord(t, dir, "btcusdt.json")
	if len(disk.Predictions.History) != 5 {
		t.Fatalf("expected 5 predictions on disk after flush, got %d", len(disk.Predictions.History))
	}
	if disk.Predictions.TotalCount != 5 {
		t.Fatalf("expected TotalCount 5, got %d", disk.Predictions.TotalCount)
	}
}

func TestAssetStore_CleanupDropsOldKeepsRecentSessions(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	rec, _ := store.Load("btcusdt")
	old := time.Now().Add(-2 * time.Hour)
	for i := 0; i < 150; i++ {
		rec.Predictions.History = append(rec.Predictions.History, model.PredictionRecord{
			ID: "p", Model: model.ModelKindLSTM, At: old,
		})
		rec.Predictions.TotalCount++
	}
	for i := 0; i < 15; i++ {
		rec.Training.History = append(rec.Training.History, model.TrainingSession{
			ID: "s", Model: model.ModelKindLSTM, CompletedAt: old,
		})
		rec.Training.TotalSessions++
	}
	if err := store.Save("btcusdt", rec); err != nil {
		t.Fatalf("Save: %v", err)
	}

	stats, err := store.Cleanup(0)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if stats.PredictionsRemoved != 150 {
		t.Fatalf("expected all 150 predictions dropped, got %d", stats.PredictionsRemoved)
	}
	if stats.SessionsRemoved != 5 {
		t.Fatalf("expected 5 old sessions dropped, got %d", stats.SessionsRemoved)
	}

	after, _ := store.Load("btcusdt")
	if len(after.Predictions.History) != 0 {
		t.Fatalf("prediction ring must be empty")
	}
	if after.Predictions.TotalCount != 150 {
		t.Fatalf("monotonic TotalCount must survive trimming, got %d", after.Predictions.TotalCount)
	}
	if len(after.Training.History) != cleanupKeepSessions {
		t.Fatalf("expected %d retained sessions, got %d", cleanupKeepSessions, len(after.Training.History))
	}
}

func TestAssetStore_StatsSkipUnreadableRecords(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 10)
	for _, asset := range []string{"btcusdt", "ethusdt"} {
		rec, _ := store.Load(asset)
		rec.Training.TotalSessions = 2
		if err := store.Save(asset, rec); err != nil {
			t.Fatalf("Save %s: %v", asset, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "junk.json"), []byte("not a record"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	stats, err := store.StorageStats()
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if stats.Assets != 2 {
		t.Fatalf("expected 2 readable assets, got %d", stats.Assets)
	}
	if stats.UnreadableFiles != 1 {
		t.Fatalf("expected 1 unreadable file, got %d", stats.UnreadableFiles)
	}
	if stats.TotalSessions != 4 {
		t.Fatalf("expected summed sessions 4, got %d", stats.TotalSessions)
	}
}

func TestAssetStore_ForceSaveFlushesPendingAppends(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 100)
	for i := 0; i < 3; i++ {
		if err := store.SavePredictionHistory("btcusdt", model.PredictionRecord{Model: model.ModelKindDense}); err != nil {
			t.Fatalf("SavePredictionHistory: %v", err)
		}
	}
	if err := store.ForceSave(); err != nil {
		t.Fatalf("ForceSave: %v", err)
	}
	disk := readDiskRecord(t, dir, "btcusdt.json")
	if len(disk.Predictions.History) != 3 {
		t.Fatalf("expected pending appends on disk after ForceSave, got %d", len(disk.Predictions.History))
	}
}

func TestAssetStore_ShutdownPerformsFinalFlush(t *testing.T) {
	t.Parallel()

	store, dir := newTestStore(t, 100)
	store.Start()
	if err := store.SavePredictionHistory("btcusdt", model.PredictionRecord{Model: model.ModelKindGRU}); err != nil {
		t.Fatalf("SavePredictionHistory: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := store.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	disk := readDiskRecord(t, dir, "btcusdt.json")
	if len(disk.Predictions.History) != 1 {
		t.Fatalf("shutdown must flush unwritten state")
	}
	if err := store.SavePredictionHistory("btcusdt", model.PredictionRecord{}); !errors.Is(err, domain.ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed after shutdown, got %v", err)
	}
}

func TestAssetStore_TrainedModelsListing(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 10)
	cfg := model.TrainingConfig{Features: 16, Outputs: 3}
	for _, kind := range []model.ModelKind{model.ModelKindGRU, model.ModelKindLSTM} {
		h := &fakeHandle{tensors: testTensors(), summary: adapter.ModelSummary{Config: cfg, Architecture: "mlp"}}
		if err := store.SaveModelWeights("btcusdt", kind, h); err != nil {
			t.Fatalf("SaveModelWeights %s: %v", kind, err)
		}
	}

	infos, err := store.TrainedModels()
	if err != nil {
		t.Fatalf("TrainedModels: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 trained models, got %d", len(infos))
	}
	// sorted by asset then model kind
	if infos[0].Model != model.ModelKindGRU || infos[1].Model != model.ModelKindLSTM {
		t.Fatalf("unexpected order: %+v", infos)
	}
	if infos[0].Features != 16 || infos[0].Tensors != 2 {
		t.Fatalf("unexpected info: %+v", infos[0])
	}
}

func TestAssetStore_StatsAndWeightsShareLoadPathUnderStress(t *testing.T) {
	t.Parallel()

	store, _ := newTestStore(t, 3)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_ = store.SavePredictionHistory("btcusdt", model.PredictionRecord{Model: model.ModelKindDense})
		}
	}()
	for i := 0; i < 20; i++ {
		if _, err := store.StorageStats(); err != nil {
			t.Fatalf("StorageStats under concurrent writes: %v", err)
		}
		_, _ = store.Load("btcusdt")
	}
	<-done

	rec, _ := store.Load("btcusdt")
	if rec.Predictions.TotalCount != 50 {
		t.Fatalf("expected 50 recorded predictions, got %d", rec.Predictions.TotalCount)
	}
}
