// Package pathloss implements the closed-form received signal estimate.
//
// Formula version fspl-2.4ghz-v1, power in milliwatts:
//
//	P_dBm  = 10*log10(P_mW)
//	L_path = 20*log10(d_cm/100) + 20*log10(2.4e9) - 147.55
//	signal = P_dBm - L_path - 0.1*h_cm
//
// The path term is the free-space path loss at 2.4 GHz with distance in metres.
// The height term is an empirical correction fitted to indoor measurements.
package pathloss

import (
	"errors"
	"fmt"
	"math"
)

const (
	// Version identifies the coefficient set below. Bump it when any constant changes.
	Version = "fspl-2.4ghz-v1"

	CarrierHz         = 2.4e9
	FSPLConstant      = 147.55
	HeightCorrection  = 0.1 // dB per cm
	CentimetresPerRef = 100.0
)

var ErrInvalidInput = errors.New("invalid input")

// Params describes the active formula for API consumers.
type Params struct {
	Version          string  `json:"version"`
	CarrierHz        float64 `json:"carrier_hz"`
	FSPLConstant     float64 `json:"fspl_constant"`
	HeightCorrection float64 `json:"height_correction_db_per_cm"`
	PowerUnit        string  `json:"power_unit"`
}

func Describe() Params {
	return Params{
		Version:          Version,
		CarrierHz:        CarrierHz,
		FSPLConstant:     FSPLConstant,
		HeightCorrection: HeightCorrection,
		PowerUnit:        "mW",
	}
}

// Predict returns the expected signal level in dBm.
// Distance and power must be positive and height non-negative.
func Predict(distanceCm, heightCm, powerMw float64) (float64, error) {
	if err := Validate(distanceCm, heightCm, powerMw); err != nil {
		return 0, err
	}
	powerDBm := 10 * math.Log10(powerMw)
	return powerDBm - PathLoss(distanceCm) - heightCm*HeightCorrection, nil
}

// PathLoss is the free-space loss in dB at the carrier frequency.
// The caller guarantees distanceCm > 0.
func PathLoss(distanceCm float64) float64 {
	return 20*math.Log10(distanceCm/CentimetresPerRef) + 20*math.Log10(CarrierHz) - FSPLConstant
}

// Validate reports whether the inputs are in the formula's domain.
func Validate(distanceCm, heightCm, powerMw float64) error {
	switch {
	case !finite(distanceCm) || !finite(heightCm) || !finite(powerMw):
		return fmt.Errorf("%w: inputs must be finite numbers", ErrInvalidInput)
	case distanceCm <= 0:
		return fmt.Errorf("%w: distance must be greater than 0 cm, got %g", ErrInvalidInput, distanceCm)
	case heightCm < 0:
		return fmt.Errorf("%w: height must not be negative, got %g", ErrInvalidInput, heightCm)
	case powerMw <= 0:
		return fmt.Errorf("%w: power must be greater than 0 mW, got %g", ErrInvalidInput, powerMw)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
