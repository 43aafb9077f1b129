package model

import "time"

// Candle is one OHLCV bar for an asset pair.
type Candle struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

type Direction string

const (
	DirectionDown     Direction = "DOWN"
	DirectionSideways Direction = "SIDEWAYS"
	DirectionUp       Direction = "UP"
)

// Class indices used for training targets and output layers.
const (
	ClassDown     = 0
	ClassSideways = 1
	ClassUp       = 2
)

// ClassProbs holds the softmax output of one model, in class order.
type ClassProbs struct {
	Down     float64 `json:"down"`
	Sideways float64 `json:"sideways"`
	Up       float64 `json:"up"`
}

// DirectionFromClass maps a class index to its direction label.
func DirectionFromClass(class int) Direction {
	switch class {
	case ClassDown:
		return DirectionDown
	case ClassUp:
		return DirectionUp
	default:
		return DirectionSideways
	}
}

// DirectionSignal is a published per-model prediction. Outputs of different
// models are exposed as-is and never merged into a voted signal.
type DirectionSignal struct {
	Asset      string     `json:"asset"`
	Model      ModelKind  `json:"model"`
	Direction  Direction  `json:"direction"`
	Confidence float64    `json:"confidence"`
	Probs      ClassProbs `json:"probs"`
	Price      float64    `json:"price"`
	At         time.Time  `json:"at"`
}

// TrainingExample pairs one feature vector with its direction class.
type TrainingExample struct {
	Features []float64
	Target   int
}
