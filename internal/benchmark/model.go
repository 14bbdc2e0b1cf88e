package benchmark

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Model is one trainable baseline. Implementations must be deterministic:
// the same data always produces the same fitted model.
type Model interface {
	Fit(X [][]float64, y []float64) error
	PredictProba(X [][]float64) ([]float64, error)
	Name() string
}

// Registered model names.
const (
	ModelLogisticRegression = "logistic_regression"
	ModelMajority           = "majority"
)

// New returns a fresh model for a registered name.
func New(name string) (Model, error) {
	switch name {
	case ModelLogisticRegression:
		return NewLogisticRegression(), nil
	case ModelMajority:
		return &MajorityBaseline{}, nil
	}
	return nil, fmt.Errorf("unknown model %q", name)
}

func IsRegistered(name string) bool {
	_, err := New(name)
	return err == nil
}

func RegisteredModels() []string {
	return []string{ModelLogisticRegression, ModelMajority}
}

// LogisticRegression is a full-batch gradient descent classifier with L2
// regularization. Weights start at zero, so fitting is deterministic.
type LogisticRegression struct {
	LearningRate float64
	Epochs       int
	L2           float64

	weights []float64
	bias    float64
}

func NewLogisticRegression() *LogisticRegression {
	return &LogisticRegression{
		LearningRate: 0.1,
		Epochs:       300,
		L2:           1e-3,
	}
}

func (m *LogisticRegression) Name() string { return ModelLogisticRegression }

func (m *LogisticRegression) Fit(X [][]float64, y []float64) error {
	if len(X) == 0 {
		return fmt.Errorf("fit requires at least one sample")
	}
	if len(X) != len(y) {
		return fmt.Errorf("fit: %d samples but %d labels", len(X), len(y))
	}
	features := len(X[0])
	for i, row := range X {
		if len(row) != features {
			return fmt.Errorf("fit: sample %d has %d features, expected %d", i, len(row), features)
		}
	}

	m.weights = make([]float64, features)
	m.bias = 0
	n := float64(len(X))

	gradW := make([]float64, features)
	for epoch := 0; epoch < m.Epochs; epoch++ {
		for j := range gradW {
			gradW[j] = 0
		}
		gradB := 0.0
		for i, row := range X {
			diff := sigmoid(floats.Dot(m.weights, row)+m.bias) - y[i]
			floats.AddScaled(gradW, diff, row)
			gradB += diff
		}
		for j := range m.weights {
			m.weights[j] -= m.LearningRate * (gradW[j]/n + m.L2*m.weights[j])
		}
		m.bias -= m.LearningRate * gradB / n
	}
	return nil
}

func (m *LogisticRegression) PredictProba(X [][]float64) ([]float64, error) {
	if m.weights == nil {
		return nil, fmt.Errorf("model is not fitted")
	}
	out := make([]float64, len(X))
	for i, row := range X {
		if len(row) != len(m.weights) {
			return nil, fmt.Errorf("predict: sample %d has %d features, expected %d", i, len(row), len(m.weights))
		}
		out[i] = sigmoid(floats.Dot(m.weights, row) + m.bias)
	}
	return out, nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

// MajorityBaseline scores every sample with the training set's positive
// rate. It anchors the grid: anything real has to beat it.
type MajorityBaseline struct {
	rate   float64
	fitted bool
}

func (m *MajorityBaseline) Name() string { return ModelMajority }

func (m *MajorityBaseline) Fit(X [][]float64, y []float64) error {
	if len(y) == 0 {
		return fmt.Errorf("fit requires at least one sample")
	}
	sum := 0.0
	for _, v := range y {
		sum += v
	}
	m.rate = sum / float64(len(y))
	m.fitted = true
	return nil
}

func (m *MajorityBaseline) PredictProba(X [][]float64) ([]float64, error) {
	if !m.fitted {
		return nil, fmt.Errorf("model is not fitted")
	}
	out := make([]float64, len(X))
	for i := range out {
		out[i] = m.rate
	}
	return out, nil
}
