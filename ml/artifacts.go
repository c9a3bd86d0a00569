package ml

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"signalcast/dataset"
	"signalcast/pathloss"
)

const KindLinear = "linear"

// Artifacts is a trained model with the normalizers it was fit with.
// It is never modified after Train returns and may be shared freely.
type Artifacts struct {
	Kind         string     `json:"kind"`
	Model        Model      `json:"model"`
	X            Normalizer `json:"x"`
	Y            Normalizer `json:"y"`
	Source       string     `json:"source,omitempty"`
	Fingerprint  uint64     `json:"fingerprint"`
	Rows         int        `json:"rows"`
	FinalLoss    float64    `json:"final_loss"`
	RSquared     float64    `json:"r_squared"`
	Iterations   int        `json:"iterations"`
	LearningRate float64    `json:"learning_rate"`
	RandomInit   bool       `json:"random_init"`
	Seed         int64      `json:"seed"`
	TrainedAt    time.Time  `json:"trained_at"`
}

// TrainSnapshot trains on a loaded snapshot and stamps its provenance.
func TrainSnapshot(snap *dataset.Snapshot, cfg TrainConfig) (*Artifacts, error) {
	if snap == nil {
		return nil, ErrEmptyDataset
	}
	a, err := Train(snap.Observations, cfg)
	if err != nil {
		return nil, err
	}
	a.Source = snap.Source
	a.Fingerprint = snap.Fingerprint
	a.TrainedAt = time.Now().UTC()
	return a, nil
}

// Infer predicts the signal level for raw inputs.
func Infer(distance, height, power float64, model Model, nx, ny Normalizer) float64 {
	x := nx.Normalize(dataset.CombinedFeature(distance, height, power))
	return ny.Denormalize(model.Apply(x))
}

// Predict validates the inputs and applies Infer with the stored model.
func (a *Artifacts) Predict(distance, height, power float64) (float64, error) {
	if err := pathloss.Validate(distance, height, power); err != nil {
		return 0, err
	}
	v := Infer(distance, height, power, a.Model, a.X, a.Y)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("model produced non-finite prediction %v", v)
	}
	return v, nil
}

// Metrics summarises prediction error in dBm.
type Metrics struct {
	Count    int     `json:"count"`
	MAE      float64 `json:"mae"`
	RMSE     float64 `json:"rmse"`
	RSquared float64 `json:"r_squared"`
}

// Evaluate scores the artifacts against observations, with errors in dBm.
func (a *Artifacts) Evaluate(observations []dataset.Observation) Metrics {
	m := Metrics{Count: len(observations)}
	if len(observations) == 0 {
		return m
	}
	var mean float64
	for _, o := range observations {
		mean += o.Signal
	}
	mean /= float64(len(observations))

	var absSum, sqSum, totSum float64
	for _, o := range observations {
		e := Infer(o.Distance, o.Height, o.Power, a.Model, a.X, a.Y) - o.Signal
		absSum += math.Abs(e)
		sqSum += e * e
		d := o.Signal - mean
		totSum += d * d
	}
	n := float64(len(observations))
	m.MAE = absSum / n
	m.RMSE = math.Sqrt(sqSum / n)
	if totSum > 0 {
		m.RSquared = 1 - sqSum/totSum
	}
	return m
}

func (a *Artifacts) Save(path string) error {
	if a == nil || a.Kind == "" {
		return errors.New("model not trained")
	}
	payload, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o600)
}

func (a *Artifacts) Load(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var loaded Artifacts
	if err := json.Unmarshal(payload, &loaded); err != nil {
		return fmt.Errorf("decode model %s: %w", path, err)
	}
	if loaded.Kind != KindLinear {
		return fmt.Errorf("unsupported model kind %q", loaded.Kind)
	}
	if !loaded.X.valid() || !loaded.Y.valid() {
		return fmt.Errorf("%w: model %s has an invalid normalizer", ErrDegenerateDataset, path)
	}
	*a = loaded
	return nil
}
