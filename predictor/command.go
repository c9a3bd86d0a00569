package predictor

import (
	"signalcast/ledger"
	"signalcast/monitoring"
)

// Command is one "predict and record" request.
type Command struct {
	Session  string   `json:"-"`
	Title    string   `json:"title"`
	Distance float64  `json:"distance_cm"`
	Height   float64  `json:"height_cm"`
	Power    float64  `json:"power_mw"`
	Strategy Strategy `json:"strategy,omitempty"`
}

// Execute validates cmd, computes the prediction and records it in l.
// Nothing is computed for a blank title, and l is only changed on success.
func (e *Engine) Execute(l *ledger.Ledger, cmd Command) (ledger.Entry, error) {
	title, err := ledger.NormalizeTitle(cmd.Title)
	if err != nil {
		return ledger.Entry{}, err
	}

	strategy := e.cfg.DefaultStrategy
	if cmd.Strategy != "" {
		if strategy, err = ParseStrategy(string(cmd.Strategy)); err != nil {
			return ledger.Entry{}, err
		}
	}

	signal, err := e.Predict(strategy, cmd.Distance, cmd.Height, cmd.Power)
	if err != nil {
		return ledger.Entry{}, err
	}

	entry, err := l.Record(ledger.Entry{
		Title:    title,
		Distance: cmd.Distance,
		Height:   cmd.Height,
		Power:    cmd.Power,
		Signal:   signal,
		Strategy: string(strategy),
	})
	if err != nil {
		return ledger.Entry{}, err
	}

	if cmd.Session != "" {
		e.hub.Publish(monitoring.PredictionRecorded, cmd.Session, entry)
	}
	return entry, nil
}
