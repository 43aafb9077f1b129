// File: internal/features/engine.go
package features

import (
	"math"
	"strings"
	"sync"

	"price-direction-ml/internal/domain/model"
)

// VectorSize is the width of every extracted feature vector.
const VectorSize = 16

// WindowSize bounds the per-asset candle window. One hour of minute bars
// covers every indicator period used below.
const WindowSize = 60

// Engine keeps a bounded candle window per asset and turns it into fixed
// width feature vectors. Degenerate input yields neutral feature values, not
// errors.
type Engine struct {
	mu      sync.Mutex
	history map[string][]model.Candle
	max     int
}

func NewEngine() *Engine {
	return &Engine{
		history: make(map[string][]model.Candle),
		max:     WindowSize,
	}
}

// Add appends one candle to the asset's window and returns the feature
// vector over the updated window. Candles at or before the newest stored
// timestamp are skipped, so overlapping fetches can be replayed whole.
// Nil until the window holds three candles.
func (e *Engine) Add(c model.Candle) []float64 {
	asset := strings.ToUpper(c.Symbol)

	e.mu.Lock()
	defer e.mu.Unlock()
	window := e.history[asset]
	if n := len(window); n > 0 && !c.Timestamp.After(window[n-1].Timestamp) {
		return Extract(window)
	}
	window = append(window, c)
	if len(window) > e.max {
		trimmed := make([]model.Candle, e.max)
		copy(trimmed, window[len(window)-e.max:])
		window = trimmed
	}
	e.history[asset] = window
	return Extract(window)
}

// Vector extracts features from the asset's current window.
func (e *Engine) Vector(asset string) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Extract(e.history[strings.ToUpper(asset)])
}

// History returns a copy of the asset's candle window.
func (e *Engine) History(asset string) []model.Candle {
	e.mu.Lock()
	defer e.mu.Unlock()
	window := e.history[strings.ToUpper(asset)]
	if len(window) == 0 {
		return nil
	}
	out := make([]model.Candle, len(window))
	copy(out, window)
	return out
}

// Extract computes the 16 feature values over a time-ordered candle window,
// newest last. It returns nil when fewer than three candles are available.
func Extract(candles []model.Candle) []float64 {
	if len(candles) < 3 {
		return nil
	}

	f := make([]float64, VectorSize)
	current := candles[len(candles)-1]

	// relative price change over 5 and 15 bars
	if len(candles) >= 6 {
		if p := candles[len(candles)-6].Close; p != 0 {
			f[0] = (current.Close - p) / p
		}
	}
	if len(candles) >= 16 {
		if p := candles[len(candles)-16].Close; p != 0 {
			f[1] = (current.Close - p) / p
		}
	}
	// volume change over 5 bars
	if len(candles) >= 6 {
		if v := candles[len(candles)-6].Volume; v != 0 {
			f[2] = (current.Volume - v) / v
		}
	}
	f[3] = rsi(candles, 14)
	if s := sma(candles, 5); s != 0 {
		f[4] = (current.Close - s) / s
	}
	if s := sma(candles, 15); s != 0 {
		f[5] = (current.Close - s) / s
	}
	f[6] = volatility(candles, 5)
	if current.Low != 0 {
		f[7] = (current.High - current.Low) / current.Low
	}
	if current.Open != 0 {
		f[8] = (current.Close - current.Open) / current.Open
	}
	if v := volumeSMA(candles, 10); v != 0 {
		f[9] = current.Volume / v
	}
	f[10] = pricePosition(candles, 20)
	f[11] = trendStrength(candles, 10)
	if current.Close != 0 {
		f[12] = macd(candles) / current.Close
	}
	f[13] = bollingerPosition(candles, 20)
	f[14] = momentum(candles, 5)

	// time of day in [0, 1)
	ts := current.Timestamp.UTC()
	f[15] = float64(ts.Hour()*3600+ts.Minute()*60+ts.Second()) / 86400.0

	return f
}

// Examples builds labeled training examples from a candle series. The label
// of the example at bar t is the direction of the close change from t to
// t+horizon: beyond +threshold is up, beyond -threshold is down, anything in
// between is sideways.
func Examples(candles []model.Candle, horizon int, threshold float64) []model.TrainingExample {
	if horizon <= 0 || len(candles) <= horizon {
		return nil
	}
	var out []model.TrainingExample
	for t := 2; t < len(candles)-horizon; t++ {
		vector := Extract(candles[:t+1])
		if vector == nil {
			continue
		}
		now := candles[t].Close
		if now == 0 {
			continue
		}
		change := (candles[t+horizon].Close - now) / now
		target := model.ClassSideways
		switch {
		case change > threshold:
			target = model.ClassUp
		case change < -threshold:
			target = model.ClassDown
		}
		out = append(out, model.TrainingExample{Features: vector, Target: target})
	}
	return out
}

func sma(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Close
	}
	return sum / float64(period)
}

func volumeSMA(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		sum += candles[i].Volume
	}
	return sum / float64(period)
}

// rsi returns 50 when the window is too short for the period.
func rsi(candles []model.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 50
	}
	var gain, loss float64
	for i := len(candles) - period; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gain += change
		} else {
			loss += -change
		}
	}
	gain /= float64(period)
	loss /= float64(period)
	if loss == 0 {
		return 100
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}

// volatility is the standard deviation of log returns over the period.
func volatility(candles []model.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	returns := make([]float64, 0, period)
	for i := len(candles) - period; i < len(candles); i++ {
		if candles[i-1].Close > 0 && candles[i].Close > 0 {
			returns = append(returns, math.Log(candles[i].Close/candles[i-1].Close))
		}
	}
	if len(returns) == 0 {
		return 0
	}
	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	return math.Sqrt(variance / float64(len(returns)))
}

// pricePosition locates the last close inside the high-low range of the
// period, 0 at the bottom and 1 at the top.
func pricePosition(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0.5
	}
	recent := candles[len(candles)-period:]
	highest, lowest := recent[0].High, recent[0].Low
	for _, c := range recent {
		if c.High > highest {
			highest = c.High
		}
		if c.Low < lowest {
			lowest = c.Low
		}
	}
	if highest == lowest {
		return 0.5
	}
	return (candles[len(candles)-1].Close - lowest) / (highest - lowest)
}

func trendStrength(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	start := candles[len(candles)-period].Close
	if start == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - start) / start
}

func macd(candles []model.Candle) float64 {
	if len(candles) < 26 {
		return 0
	}
	return ema(candles, 12) - ema(candles, 26)
}

func ema(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	alpha := 2.0 / (float64(period) + 1.0)
	v := candles[len(candles)-period].Close
	for i := len(candles) - period + 1; i < len(candles); i++ {
		v = alpha*candles[i].Close + (1-alpha)*v
	}
	return v
}

func bollingerPosition(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0.5
	}
	mid := sma(candles, period)
	sum := 0.0
	for i := len(candles) - period; i < len(candles); i++ {
		d := candles[i].Close - mid
		sum += d * d
	}
	stddev := math.Sqrt(sum / float64(period))
	if stddev == 0 {
		return 0.5
	}
	lower := mid - 2*stddev
	upper := mid + 2*stddev
	pos := (candles[len(candles)-1].Close - lower) / (upper - lower)
	if pos < 0 {
		return 0
	}
	if pos > 1 {
		return 1
	}
	return pos
}

func momentum(candles []model.Candle, period int) float64 {
	if len(candles) < period+1 {
		return 0
	}
	past := candles[len(candles)-1-period].Close
	if past == 0 {
		return 0
	}
	return (candles[len(candles)-1].Close - past) / past
}
