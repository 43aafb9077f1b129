// File: internal/neural/mlp.go
package neural

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"

	"price-direction-ml/internal/domain"
	"price-direction-ml/internal/domain/model"
	"price-direction-ml/internal/domain/ports/adapter"
	"price-direction-ml/internal/features"
)

// minTrainingExamples is the smallest sample count a training run accepts.
const minTrainingExamples = 5

// earlyStopPatience is how many epochs validation accuracy may stagnate
// before training stops.
const earlyStopPatience = 5

type denseLayer struct {
	in, out int
	weights *mat.Dense    // out x in
	bias    *mat.VecDense // out
}

// MLP is a feed-forward classifier with ReLU hidden layers and a softmax
// output, trained by per-sample SGD with class-weighted cross-entropy loss.
// It implements adapter.ModelHandle: Build allocates parameters, Compile
// finalizes the handle, and every later call refuses a handle that skipped
// either step or was disposed.
//
// Input z-score normalization belongs to the handle: Train fits the
// statistics on its training rows, Predict applies them, and Weights exports
// them as two leading tensors so a restored model normalizes exactly like
// the one that was trained.
type MLP struct {
	kind model.ModelKind
	cfg  model.TrainingConfig
	rng  *rand.Rand

	layers []*denseLayer
	norm   *features.Normalizer

	built    bool
	compiled bool
	disposed bool
}

func newMLP(kind model.ModelKind, cfg model.TrainingConfig) *MLP {
	return &MLP{
		kind: kind,
		cfg:  cfg,
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (m *MLP) dims() []int {
	dims := make([]int, 0, len(m.cfg.HiddenLayers)+2)
	dims = append(dims, m.cfg.Features)
	dims = append(dims, m.cfg.HiddenLayers...)
	return append(dims, m.cfg.Outputs)
}

// Build allocates the weight matrices with small random values.
func (m *MLP) Build() error {
	if m.disposed {
		return fmt.Errorf("mlp: build on disposed handle")
	}
	if m.built {
		return fmt.Errorf("mlp: already built")
	}
	if m.cfg.Features <= 0 || m.cfg.Outputs <= 0 {
		return fmt.Errorf("mlp: %w: features=%d outputs=%d", domain.ErrInvalidArgument, m.cfg.Features, m.cfg.Outputs)
	}
	for _, h := range m.cfg.HiddenLayers {
		if h <= 0 {
			return fmt.Errorf("mlp: %w: hidden layer size %d", domain.ErrInvalidArgument, h)
		}
	}

	dims := m.dims()
	m.layers = make([]*denseLayer, 0, len(dims)-1)
	for i := 0; i < len(dims)-1; i++ {
		in, out := dims[i], dims[i+1]
		w := make([]float64, in*out)
		for j := range w {
			w[j] = (m.rng.Float64() - 0.5) * 0.1
		}
		b := make([]float64, out)
		for j := range b {
			b[j] = (m.rng.Float64() - 0.5) * 0.1
		}
		m.layers = append(m.layers, &denseLayer{
			in:      in,
			out:     out,
			weights: mat.NewDense(out, in, w),
			bias:    mat.NewVecDense(out, b),
		})
	}
	m.norm = identityNorm(m.cfg.Features)
	m.built = true
	return nil
}

// identityNorm transforms nothing until real statistics are fitted.
func identityNorm(width int) *features.Normalizer {
	n := features.NewNormalizer(width)
	for i := range n.Stddevs {
		n.Stddevs[i] = 1
	}
	n.Fitted = true
	return n
}

// Compile finalizes the handle for training and inference.
func (m *MLP) Compile() error {
	if m.disposed {
		return fmt.Errorf("mlp: compile on disposed handle")
	}
	if !m.built {
		return fmt.Errorf("mlp: compile before build")
	}
	m.compiled = true
	return nil
}

func (m *MLP) ready() error {
	switch {
	case m.disposed:
		return fmt.Errorf("mlp: handle disposed")
	case !m.built || !m.compiled:
		return fmt.Errorf("mlp: handle not built and compiled")
	}
	return nil
}

// Train runs SGD over the samples in their given order. The order is assumed
// time-causal, so no shuffling happens and the validation set should hold the
// most recent samples. Training stops early when validation accuracy has not
// improved for earlyStopPatience epochs. ctx is checked between epochs.
func (m *MLP) Train(ctx context.Context, x [][]float64, y []int, valX [][]float64, valY []int, cfg model.TrainingConfig) (*adapter.TrainResult, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if len(x) != len(y) || len(valX) != len(valY) {
		return nil, fmt.Errorf("mlp train: %w: sample and label counts differ", domain.ErrInvalidArgument)
	}
	if len(x) < minTrainingExamples {
		return nil, fmt.Errorf("mlp train: %w: %d samples, need at least %d", domain.ErrInvalidArgument, len(x), minTrainingExamples)
	}
	for i, sample := range x {
		if len(sample) != m.cfg.Features {
			return nil, fmt.Errorf("mlp train: %w: sample %d has %d features, want %d", domain.ErrInvalidArgument, i, len(sample), m.cfg.Features)
		}
		if y[i] < 0 || y[i] >= m.cfg.Outputs {
			return nil, fmt.Errorf("mlp train: %w: label %d out of range", domain.ErrInvalidArgument, y[i])
		}
	}
	for i, sample := range valX {
		if len(sample) != m.cfg.Features {
			return nil, fmt.Errorf("mlp train: %w: validation sample %d has %d features, want %d", domain.ErrInvalidArgument, i, len(sample), m.cfg.Features)
		}
		if valY[i] < 0 || valY[i] >= m.cfg.Outputs {
			return nil, fmt.Errorf("mlp train: %w: validation label %d out of range", domain.ErrInvalidArgument, valY[i])
		}
	}

	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = m.cfg.Epochs
	}
	if epochs <= 0 {
		epochs = 20
	}
	lr := cfg.LearningRate
	if lr <= 0 {
		lr = m.cfg.LearningRate
	}
	if lr <= 0 {
		lr = 0.01
	}
	weights := classWeightsOf(y, m.cfg.Outputs)

	// fit normalization on the training rows only, then apply it everywhere
	m.norm = features.NewNormalizer(m.cfg.Features)
	m.norm.Fit(x)
	trainX := make([][]float64, len(x))
	for i, row := range x {
		trainX[i] = m.norm.Transform(row)
	}
	valNX := make([][]float64, len(valX))
	for i, row := range valX {
		valNX[i] = m.norm.Transform(row)
	}

	var (
		lastLoss     float64
		lastTrainAcc float64
		bestValAcc   float64
		patience     int
		ranEpochs    int
	)
	for epoch := 0; epoch < epochs; epoch++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		correct := 0
		totalLoss := 0.0
		for i, sample := range trainX {
			zs, as := m.forward(sample)
			probs := as[len(as)-1]

			target := probs.AtVec(y[i])
			if target < 1e-10 {
				target = 1e-10
			}
			totalLoss += -math.Log(target) * weights[y[i]]
			if argmaxVec(probs) == y[i] {
				correct++
			}
			m.backprop(zs, as, y[i], weights[y[i]], lr)
		}
		ranEpochs = epoch + 1
		lastLoss = totalLoss / float64(len(x))
		lastTrainAcc = float64(correct) / float64(len(x))

		if len(valNX) == 0 {
			continue
		}
		valAcc := m.accuracy(valNX, valY)
		if valAcc > bestValAcc {
			bestValAcc = valAcc
			patience = 0
			continue
		}
		patience++
		if patience >= earlyStopPatience {
			break
		}
	}

	acc := lastTrainAcc
	if len(valX) > 0 {
		acc = bestValAcc
	}
	return &adapter.TrainResult{
		Epochs:    ranEpochs,
		FinalLoss: lastLoss,
		Accuracy:  acc,
		Samples:   len(x),
	}, nil
}

func (m *MLP) accuracy(x [][]float64, y []int) float64 {
	if len(x) == 0 {
		return 0
	}
	correct := 0
	for i, sample := range x {
		_, as := m.forward(sample)
		if argmaxVec(as[len(as)-1]) == y[i] {
			correct++
		}
	}
	return float64(correct) / float64(len(x))
}

// Predict runs one forward pass.
func (m *MLP) Predict(x []float64) (*adapter.Prediction, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	if len(x) != m.cfg.Features {
		return nil, fmt.Errorf("mlp predict: %w: %d features, want %d", domain.ErrInvalidArgument, len(x), m.cfg.Features)
	}
	_, as := m.forward(m.norm.Transform(x))
	out := as[len(as)-1]
	probs := make([]float64, out.Len())
	for i := range probs {
		probs[i] = out.AtVec(i)
	}
	class := argmaxVec(out)
	return &adapter.Prediction{
		Probs:      probs,
		Class:      class,
		Confidence: probs[class],
	}, nil
}

// forward returns per-layer pre-activations and activations; as[0] is the
// input, as[len(as)-1] the softmax output.
func (m *MLP) forward(input []float64) (zs, as []*mat.VecDense) {
	a := mat.NewVecDense(len(input), append([]float64(nil), input...))
	as = append(as, a)
	for i, layer := range m.layers {
		z := mat.NewVecDense(layer.out, nil)
		z.MulVec(layer.weights, a)
		z.AddVec(z, layer.bias)
		zs = append(zs, z)
		if i == len(m.layers)-1 {
			a = softmaxVec(z)
		} else {
			a = reluVec(z)
		}
		as = append(as, a)
	}
	return zs, as
}

// backprop applies one SGD step for a single sample. The error is propagated
// with the pre-update weights of each layer.
func (m *MLP) backprop(zs, as []*mat.VecDense, target int, sampleWeight, lr float64) {
	out := as[len(as)-1]
	delta := mat.NewVecDense(out.Len(), nil)
	for i := 0; i < out.Len(); i++ {
		v := out.AtVec(i)
		if i == target {
			v -= 1.0
		}
		delta.SetVec(i, v*sampleWeight)
	}

	for l := len(m.layers) - 1; l >= 0; l-- {
		layer := m.layers[l]

		var next *mat.VecDense
		if l > 0 {
			next = mat.NewVecDense(layer.in, nil)
			next.MulVec(layer.weights.T(), delta)
			z := zs[l-1]
			for i := 0; i < next.Len(); i++ {
				if z.AtVec(i) <= 0 {
					next.SetVec(i, 0)
				}
			}
		}

		var grad mat.Dense
		grad.Outer(lr, delta, as[l])
		layer.weights.Sub(layer.weights, &grad)
		layer.bias.AddScaledVec(layer.bias, -lr, delta)

		delta = next
	}
}

// Weights exports every parameter tensor: the input normalization statistics
// first, then the weight matrix and bias vector of each layer.
func (m *MLP) Weights() ([]model.Tensor, error) {
	if err := m.ready(); err != nil {
		return nil, err
	}
	tensors := make([]model.Tensor, 0, 2*len(m.layers)+2)
	tensors = append(tensors, model.Tensor{
		Name:   "input_means",
		Values: append([]float64(nil), m.norm.Means...),
		Shape:  []int{m.cfg.Features},
		DType:  "float64",
	}, model.Tensor{
		Name:   "input_stddevs",
		Values: append([]float64(nil), m.norm.Stddevs...),
		Shape:  []int{m.cfg.Features},
		DType:  "float64",
	})
	for i, layer := range m.layers {
		raw := layer.weights.RawMatrix()
		tensors = append(tensors, model.Tensor{
			Name:   fmt.Sprintf("layer%d_weights", i),
			Values: append([]float64(nil), raw.Data...),
			Shape:  []int{layer.out, layer.in},
			DType:  "float64",
		})
		tensors = append(tensors, model.Tensor{
			Name:   fmt.Sprintf("layer%d_bias", i),
			Values: append([]float64(nil), layer.bias.RawVector().Data...),
			Shape:  []int{layer.out},
			DType:  "float64",
		})
	}
	return tensors, nil
}

// SetWeights replaces every parameter from a snapshot taken by Weights. The
// tensor values are copied, never aliased.
func (m *MLP) SetWeights(tensors []model.Tensor) error {
	if err := m.ready(); err != nil {
		return err
	}
	if len(tensors) != 2*len(m.layers)+2 {
		return fmt.Errorf("mlp: %w: %d tensors for %d layers", domain.ErrInvalidArgument, len(tensors), len(m.layers))
	}

	means, stddevs := tensors[0], tensors[1]
	for _, t := range []model.Tensor{means, stddevs} {
		if len(t.Shape) != 1 || t.Shape[0] != m.cfg.Features {
			return fmt.Errorf("mlp: tensor %s shape %v does not fit %d input features", t.Name, t.Shape, m.cfg.Features)
		}
	}
	for i, sd := range stddevs.Values {
		if sd <= 0 {
			return fmt.Errorf("mlp: tensor %s has non-positive stddev at %d", stddevs.Name, i)
		}
	}

	for i, layer := range m.layers {
		w := tensors[2*i+2]
		b := tensors[2*i+3]
		if len(w.Shape) != 2 || w.Shape[0] != layer.out || w.Shape[1] != layer.in {
			return fmt.Errorf("mlp: tensor %s shape %v does not fit layer %dx%d", w.Name, w.Shape, layer.out, layer.in)
		}
		if len(b.Shape) != 1 || b.Shape[0] != layer.out {
			return fmt.Errorf("mlp: tensor %s shape %v does not fit bias of %d", b.Name, b.Shape, layer.out)
		}
		layer.weights = mat.NewDense(layer.out, layer.in, append([]float64(nil), w.Values...))
		layer.bias = mat.NewVecDense(layer.out, append([]float64(nil), b.Values...))
	}
	m.norm = &features.Normalizer{
		Means:   append([]float64(nil), means.Values...),
		Stddevs: append([]float64(nil), stddevs.Values...),
		Fitted:  true,
	}
	return nil
}

// Dispose releases the parameter matrices. The handle is unusable afterwards.
func (m *MLP) Dispose() {
	m.layers = nil
	m.norm = nil
	m.disposed = true
}

func (m *MLP) Summary() adapter.ModelSummary {
	parts := make([]string, 0, len(m.cfg.HiddenLayers)+2)
	for _, d := range m.dims() {
		parts = append(parts, strconv.Itoa(d))
	}
	return adapter.ModelSummary{
		Config:       m.cfg,
		Architecture: "mlp-" + strings.Join(parts, "-"),
	}
}

// classWeightsOf returns inverse-frequency sample weights so sparse classes
// are not drowned out by the sideways majority.
func classWeightsOf(y []int, classes int) []float64 {
	counts := make([]int, classes)
	for _, c := range y {
		if c >= 0 && c < classes {
			counts[c]++
		}
	}
	weights := make([]float64, classes)
	for c := range weights {
		if counts[c] == 0 {
			weights[c] = 1
			continue
		}
		weights[c] = float64(len(y)) / (float64(classes) * float64(counts[c]))
	}
	return weights
}

func reluVec(z *mat.VecDense) *mat.VecDense {
	out := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		if v := z.AtVec(i); v > 0 {
			out.SetVec(i, v)
		}
	}
	return out
}

func softmaxVec(z *mat.VecDense) *mat.VecDense {
	max := z.AtVec(0)
	for i := 1; i < z.Len(); i++ {
		if v := z.AtVec(i); v > max {
			max = v
		}
	}
	sum := 0.0
	out := mat.NewVecDense(z.Len(), nil)
	for i := 0; i < z.Len(); i++ {
		e := math.Exp(z.AtVec(i) - max)
		out.SetVec(i, e)
		sum += e
	}
	for i := 0; i < z.Len(); i++ {
		out.SetVec(i, out.AtVec(i)/sum)
	}
	return out
}

func argmaxVec(v *mat.VecDense) int {
	idx := 0
	best := v.AtVec(0)
	for i := 1; i < v.Len(); i++ {
		if p := v.AtVec(i); p > best {
			best = p
			idx = i
		}
	}
	return idx
}
