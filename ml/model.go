package ml

// Estimator predicts a signal level in dBm from raw inputs.
type Estimator interface {
	Predict(distance, height, power float64) (float64, error)
}

var _ Estimator = (*Artifacts)(nil)
