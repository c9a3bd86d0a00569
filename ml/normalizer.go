package ml

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrEmptyDataset      = errors.New("empty dataset")
	ErrDegenerateDataset = errors.New("degenerate dataset")
)

// Normalizer is a fitted z-score transform.
type Normalizer struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
}

// Fit computes the mean and population standard deviation of values.
// A zero spread is rejected because Normalize would divide by it.
func Fit(values []float64) (Normalizer, error) {
	if len(values) == 0 {
		return Normalizer{}, ErrEmptyDataset
	}

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	std := math.Sqrt(sq / float64(len(values)))

	if std == 0 || math.IsNaN(std) || math.IsInf(std, 0) {
		return Normalizer{}, fmt.Errorf("%w: standard deviation is %v over %d values", ErrDegenerateDataset, std, len(values))
	}
	return Normalizer{Mean: mean, Std: std}, nil
}

func (n Normalizer) Normalize(x float64) float64 {
	return (x - n.Mean) / n.Std
}

func (n Normalizer) Denormalize(x float64) float64 {
	return x*n.Std + n.Mean
}

func (n Normalizer) valid() bool {
	return n.Std != 0 && !math.IsNaN(n.Std) && !math.IsInf(n.Std, 0) && !math.IsNaN(n.Mean)
}
