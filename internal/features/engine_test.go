package features

import (
	"math"
	"testing"
	"time"

	"price-direction-ml/internal/domain/model"
)

func flatCandle(i int, close float64) model.Candle {
	return model.Candle{
		Symbol:    "BTCUSDT",
		Timestamp: time.Date(2025, 6, 1, 0, i, 0, 0, time.UTC),
		Open:      close,
		High:      close,
		Low:       close,
		Close:     close,
		Volume:    1000,
	}
}

func flatSeries(n int, close float64) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		out[i] = flatCandle(i, close)
	}
	return out
}

func TestExtract_RequiresThreeCandles(t *testing.T) {
	t.Parallel()

	if v := Extract(nil); v != nil {
		t.Fatalf("expected nil for empty window")
	}
	if v := Extract(flatSeries(2, 100)); v != nil {
		t.Fatalf("expected nil below three candles")
	}
	v := Extract(flatSeries(3, 100))
	if len(v) != VectorSize {
		t.Fatalf("expected %d features, got %d", VectorSize, len(v))
	}
}

func TestExtract_KnownValues(t *testing.T) {
	t.Parallel()

	candles := flatSeries(30, 100)
	last := &candles[len(candles)-1]
	last.Open = 100
	last.Close = 102
	last.High = 110
	last.Low = 100
	last.Timestamp = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	v := Extract(candles)
	if got := v[8]; math.Abs(got-0.02) > 1e-12 {
		t.Fatalf("open-close ratio: want 0.02 got %v", got)
	}
	if got := v[7]; math.Abs(got-0.1) > 1e-12 {
		t.Fatalf("high-low ratio: want 0.1 got %v", got)
	}
	if got := v[15]; math.Abs(got-0.5) > 1e-12 {
		t.Fatalf("noon must map to 0.5, got %v", got)
	}
	// volume is constant, so the volume SMA ratio sits at 1
	if got := v[9]; math.Abs(got-1) > 1e-12 {
		t.Fatalf("volume sma ratio: want 1 got %v", got)
	}
}

func TestExtract_ShortWindowNeutralIndicators(t *testing.T) {
	t.Parallel()

	v := Extract(flatSeries(3, 100))
	if v[3] != 50 {
		t.Fatalf("rsi must be neutral on a short window, got %v", v[3])
	}
	if v[10] != 0.5 || v[13] != 0.5 {
		t.Fatalf("range positions must default to the middle: %v %v", v[10], v[13])
	}
	if v[0] != 0 || v[1] != 0 {
		t.Fatalf("price changes need history, got %v %v", v[0], v[1])
	}
}

func TestEngine_WindowTrims(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	for i := 0; i < WindowSize+10; i++ {
		e.Add(flatCandle(i, float64(100+i)))
	}
	hist := e.History("btcusdt")
	if len(hist) != WindowSize {
		t.Fatalf("expected window of %d, got %d", WindowSize, len(hist))
	}
	if hist[0].Close != 110 {
		t.Fatalf("oldest candles must be dropped first, got close %v", hist[0].Close)
	}

	// History returns a copy
	hist[0].Close = -1
	if e.History("BTCUSDT")[0].Close != 110 {
		t.Fatalf("history copy leaked into the engine")
	}
}

func TestEngine_SkipsStaleCandles(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	for i := 0; i < 10; i++ {
		e.Add(flatCandle(i, float64(100+i)))
	}
	// replaying an overlapping fetch must not grow or reorder the window
	for i := 0; i < 10; i++ {
		e.Add(flatCandle(i, -1))
	}
	hist := e.History("BTCUSDT")
	if len(hist) != 10 {
		t.Fatalf("expected 10 candles after replay, got %d", len(hist))
	}
	if hist[9].Close != 109 {
		t.Fatalf("stale candle overwrote the window: %v", hist[9].Close)
	}

	// a genuinely newer candle still appends
	e.Add(flatCandle(10, 200))
	if hist = e.History("BTCUSDT"); len(hist) != 11 || hist[10].Close != 200 {
		t.Fatalf("fresh candle not appended: len=%d", len(hist))
	}
}

func TestEngine_VectorPerAsset(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	for i := 0; i < 5; i++ {
		e.Add(flatCandle(i, 100))
	}
	if v := e.Vector("btcusdt"); len(v) != VectorSize {
		t.Fatalf("expected vector for known asset, got %v", v)
	}
	if v := e.Vector("ethusdt"); v != nil {
		t.Fatalf("unknown asset must yield nil, got %v", v)
	}
}

func TestExamples_Labeling(t *testing.T) {
	t.Parallel()

	const horizon = 5
	candles := flatSeries(30, 100)
	candles[15].Close = 102 // bar 10 looks 5 ahead at +2%
	candles[16].Close = 98  // bar 11 looks 5 ahead at -2%

	examples := Examples(candles, horizon, 0.01)
	if len(examples) != 23 {
		t.Fatalf("expected 23 examples, got %d", len(examples))
	}
	// example index i covers bar i+2
	if got := examples[8].Target; got != model.ClassUp {
		t.Fatalf("bar 10 must label up, got %d", got)
	}
	if got := examples[9].Target; got != model.ClassDown {
		t.Fatalf("bar 11 must label down, got %d", got)
	}
	if got := examples[0].Target; got != model.ClassSideways {
		t.Fatalf("flat future must label sideways, got %d", got)
	}
	for i, ex := range examples {
		if len(ex.Features) != VectorSize {
			t.Fatalf("example %d has %d features", i, len(ex.Features))
		}
	}
}

func TestExamples_TooShort(t *testing.T) {
	t.Parallel()

	if out := Examples(flatSeries(4, 100), 5, 0.01); out != nil {
		t.Fatalf("expected nil for series shorter than horizon, got %d", len(out))
	}
	if out := Examples(flatSeries(10, 100), 0, 0.01); out != nil {
		t.Fatalf("expected nil for zero horizon")
	}
}

func TestNormalizer_ZScore(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(1)
	n.Fit([][]float64{{0}, {2}})
	if !n.Fitted {
		t.Fatalf("fit must mark the normalizer fitted")
	}
	if got := n.Transform([]float64{1})[0]; math.Abs(got) > 1e-12 {
		t.Fatalf("mean must map to 0, got %v", got)
	}
	if got := n.Transform([]float64{3})[0]; math.Abs(got-2) > 1e-12 {
		t.Fatalf("two stddevs out must map to 2, got %v", got)
	}
}

func TestNormalizer_ConstantColumnGuard(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(2)
	n.Fit([][]float64{{5, 0}, {5, 2}})
	out := n.Transform([]float64{6, 1})
	// the constant column keeps stddev 1, so the delta passes through
	if math.Abs(out[0]-1) > 1e-12 {
		t.Fatalf("constant column: want 1 got %v", out[0])
	}
	if math.Abs(out[1]) > 1e-12 {
		t.Fatalf("varying column mean must map to 0, got %v", out[1])
	}
}

func TestNormalizer_UnfittedReturnsCopy(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(2)
	in := []float64{1, 2}
	out := n.Transform(in)
	if out[0] != 1 || out[1] != 2 {
		t.Fatalf("unfitted transform must pass values through: %v", out)
	}
	out[0] = 99
	if in[0] != 1 {
		t.Fatalf("transform must not alias its input")
	}
}

func TestNormalizer_FitTransform(t *testing.T) {
	t.Parallel()

	n := NewNormalizer(1)
	rows := n.FitTransform([][]float64{{10}, {20}, {30}})
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(rows))
	}
	if math.Abs(rows[1][0]) > 1e-12 {
		t.Fatalf("middle row must normalize to 0, got %v", rows[1][0])
	}
}
