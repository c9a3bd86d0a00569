package ml

import (
	"fmt"
	"math"
	"math/rand"

	"signalcast/dataset"
)

const (
	DefaultIterations   = 1000
	DefaultLearningRate = 0.01

	// randomInitScale bounds the uniform draw used when RandomInit is set.
	randomInitScale = 0.01
)

// Model maps a normalized combined feature to a normalized signal level.
type Model struct {
	Weight float64 `json:"weight"`
	Bias   float64 `json:"bias"`
}

func (m Model) Apply(x float64) float64 {
	return m.Weight*x + m.Bias
}

// TrainConfig holds the gradient descent settings.
//
// With RandomInit unset the model starts at Weight=0, Bias=0. Otherwise both
// are drawn from [-0.01, 0.01) with a source seeded by Seed.
type TrainConfig struct {
	Iterations   int     `yaml:"iterations" json:"iterations"`
	LearningRate float64 `yaml:"learning_rate" json:"learning_rate"`
	RandomInit   bool    `yaml:"random_init" json:"random_init"`
	Seed         int64   `yaml:"seed" json:"seed"`
}

func DefaultTrainConfig() TrainConfig {
	return TrainConfig{
		Iterations:   DefaultIterations,
		LearningRate: DefaultLearningRate,
	}
}

func (c TrainConfig) withDefaults() TrainConfig {
	if c.Iterations <= 0 {
		c.Iterations = DefaultIterations
	}
	if c.LearningRate <= 0 {
		c.LearningRate = DefaultLearningRate
	}
	return c
}

// Train fits the normalizers and the linear model on observations.
func Train(observations []dataset.Observation, cfg TrainConfig) (*Artifacts, error) {
	cfg = cfg.withDefaults()
	if len(observations) == 0 {
		return nil, ErrEmptyDataset
	}

	features := make([]float64, len(observations))
	targets := make([]float64, len(observations))
	for i, o := range observations {
		features[i] = o.Combined()
		targets[i] = o.Signal
	}

	nx, err := Fit(features)
	if err != nil {
		return nil, fmt.Errorf("fit feature normalizer: %w", err)
	}
	ny, err := Fit(targets)
	if err != nil {
		return nil, fmt.Errorf("fit target normalizer: %w", err)
	}

	xs := make([]float64, len(features))
	ys := make([]float64, len(targets))
	for i := range features {
		xs[i] = nx.Normalize(features[i])
		ys[i] = ny.Normalize(targets[i])
	}

	model := initialModel(cfg)
	model = descend(model, xs, ys, cfg.Iterations, cfg.LearningRate)

	loss := meanSquaredError(model, xs, ys)
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return nil, fmt.Errorf("training diverged (loss %v); lower the learning rate", loss)
	}

	return &Artifacts{
		Kind:         KindLinear,
		Model:        model,
		X:            nx,
		Y:            ny,
		Rows:         len(observations),
		FinalLoss:    loss,
		RSquared:     1 - loss, // targets are standardized, so their variance is 1
		Iterations:   cfg.Iterations,
		LearningRate: cfg.LearningRate,
		RandomInit:   cfg.RandomInit,
		Seed:         cfg.Seed,
	}, nil
}

func initialModel(cfg TrainConfig) Model {
	if !cfg.RandomInit {
		return Model{}
	}
	rnd := rand.New(rand.NewSource(cfg.Seed))
	return Model{
		Weight: (rnd.Float64()*2 - 1) * randomInitScale,
		Bias:   (rnd.Float64()*2 - 1) * randomInitScale,
	}
}

// descend runs full-batch gradient descent on the mean squared error.
func descend(m Model, xs, ys []float64, iterations int, lr float64) Model {
	n := float64(len(xs))
	for it := 0; it < iterations; it++ {
		var gw, gb float64
		for i := range xs {
			e := m.Apply(xs[i]) - ys[i]
			gw += e * xs[i]
			gb += e
		}
		m.Weight -= lr * 2 * gw / n
		m.Bias -= lr * 2 * gb / n
	}
	return m
}

func meanSquaredError(m Model, xs, ys []float64) float64 {
	var sum float64
	for i := range xs {
		e := m.Apply(xs[i]) - ys[i]
		sum += e * e
	}
	return sum / float64(len(xs))
}
