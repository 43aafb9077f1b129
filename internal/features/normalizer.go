// File: internal/features/normalizer.go
package features

import "math"

// Normalizer applies per-feature z-score normalization with statistics
// fitted on a training matrix. A feature whose spread collapses below 1e-10
// gets a stddev of 1 so transformation never divides by zero.
type Normalizer struct {
	Means   []float64 `json:"means"`
	Stddevs []float64 `json:"stddevs"`
	Fitted  bool      `json:"fitted"`
}

func NewNormalizer(numFeatures int) *Normalizer {
	return &Normalizer{
		Means:   make([]float64, numFeatures),
		Stddevs: make([]float64, numFeatures),
	}
}

// Fit computes mean and standard deviation per feature column.
func (n *Normalizer) Fit(data [][]float64) {
	if len(data) == 0 {
		return
	}
	width := len(data[0])
	if len(n.Means) != width {
		n.Means = make([]float64, width)
		n.Stddevs = make([]float64, width)
	}

	for i := 0; i < width; i++ {
		sum := 0.0
		count := 0
		for _, row := range data {
			if i < len(row) {
				sum += row[i]
				count++
			}
		}
		if count > 0 {
			n.Means[i] = sum / float64(count)
		}
	}
	for i := 0; i < width; i++ {
		sumSq := 0.0
		count := 0
		for _, row := range data {
			if i < len(row) {
				d := row[i] - n.Means[i]
				sumSq += d * d
				count++
			}
		}
		n.Stddevs[i] = 1.0
		if count > 0 {
			if sd := math.Sqrt(sumSq / float64(count)); sd >= 1e-10 {
				n.Stddevs[i] = sd
			}
		}
	}
	n.Fitted = true
}

// Transform returns a normalized copy of one feature vector. An unfitted
// normalizer or a width mismatch passes the values through unchanged.
func (n *Normalizer) Transform(features []float64) []float64 {
	out := make([]float64, len(features))
	if !n.Fitted || len(features) != len(n.Means) {
		copy(out, features)
		return out
	}
	for i, f := range features {
		out[i] = (f - n.Means[i]) / n.Stddevs[i]
	}
	return out
}

// FitTransform fits on the matrix and normalizes every row.
func (n *Normalizer) FitTransform(data [][]float64) [][]float64 {
	n.Fit(data)
	out := make([][]float64, len(data))
	for i, row := range data {
		out[i] = n.Transform(row)
	}
	return out
}
