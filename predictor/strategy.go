package predictor

import (
	"fmt"
	"strings"

	"signalcast/pathloss"
)

// Strategy selects how a signal level is computed.
type Strategy string

const (
	Formula    Strategy = "formula"
	Regression Strategy = "regression"
)

// ParseStrategy accepts a strategy name in any case.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case Formula:
		return Formula, nil
	case Regression:
		return Regression, nil
	default:
		return "", fmt.Errorf("%w: unknown strategy %q (want formula or regression)", pathloss.ErrInvalidInput, s)
	}
}

func (s Strategy) String() string {
	return string(s)
}
