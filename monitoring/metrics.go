package monitoring

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles the Prometheus metrics exported by the service.
// A nil *Collector is valid and records nothing.
type Collector struct {
	gatherer prometheus.Gatherer

	Predictions        *prometheus.CounterVec
	PredictionDuration *prometheus.HistogramVec
	TrainingRuns       *prometheus.CounterVec
	TrainingDuration   prometheus.Histogram
	ModelLoss          prometheus.Gauge
	DatasetRows        prometheus.Gauge
	ActiveSessions     prometheus.Gauge
	HTTPRequests       *prometheus.CounterVec
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice against the same registry reuses the
// existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	c := &Collector{gatherer: gatherer}
	var err error

	if c.Predictions, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalcast_predictions_total",
		Help: "Predictions handled, labeled by strategy and outcome.",
	}, []string{"strategy", "outcome"})); err != nil {
		return nil, err
	}
	if c.PredictionDuration, err = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "signalcast_prediction_duration_seconds",
		Help:    "Prediction latency in seconds.",
		Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1},
	}, []string{"strategy"})); err != nil {
		return nil, err
	}
	if c.TrainingRuns, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalcast_training_runs_total",
		Help: "Model training runs, labeled by outcome.",
	}, []string{"outcome"})); err != nil {
		return nil, err
	}
	if c.TrainingDuration, err = register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "signalcast_training_duration_seconds",
		Help:    "Wall time of load plus train in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})); err != nil {
		return nil, err
	}
	if c.ModelLoss, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signalcast_model_loss",
		Help: "Final training MSE of the active model in standardized units.",
	})); err != nil {
		return nil, err
	}
	if c.DatasetRows, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signalcast_dataset_rows",
		Help: "Rows in the dataset the active model was trained on.",
	})); err != nil {
		return nil, err
	}
	if c.ActiveSessions, err = register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "signalcast_active_sessions",
		Help: "Sessions currently holding a prediction ledger.",
	})); err != nil {
		return nil, err
	}
	if c.HTTPRequests, err = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "signalcast_http_requests_total",
		Help: "HTTP requests, labeled by method and status code.",
	}, []string{"method", "code"})); err != nil {
		return nil, err
	}
	return c, nil
}

// ObservePrediction records one prediction attempt.
func (c *Collector) ObservePrediction(strategy string, seconds float64, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.Predictions.WithLabelValues(strategy, outcome).Inc()
	c.PredictionDuration.WithLabelValues(strategy).Observe(seconds)
}

// ObserveTraining records a training run and, on success, the new model state.
func (c *Collector) ObserveTraining(seconds float64, rows int, loss float64, err error) {
	if c == nil {
		return
	}
	c.TrainingDuration.Observe(seconds)
	if err != nil {
		c.TrainingRuns.WithLabelValues("error").Inc()
		return
	}
	c.TrainingRuns.WithLabelValues("ok").Inc()
	c.DatasetRows.Set(float64(rows))
	c.ModelLoss.Set(loss)
}

// ObserveSkippedTraining counts a refresh that found the data unchanged.
func (c *Collector) ObserveSkippedTraining() {
	if c == nil {
		return
	}
	c.TrainingRuns.WithLabelValues("unchanged").Inc()
}

func (c *Collector) SetActiveSessions(n int) {
	if c == nil {
		return
	}
	c.ActiveSessions.Set(float64(n))
}

func (c *Collector) ObserveHTTP(method string, code int) {
	if c == nil {
		return
	}
	c.HTTPRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := prometheus.DefaultGatherer
	if c != nil && c.gatherer != nil {
		gatherer = c.gatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func register[T prometheus.Collector](reg prometheus.Registerer, collector T) (T, error) {
	if err := reg.Register(collector); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector already registered with incompatible type: %w", err)
		}
		var zero T
		return zero, err
	}
	return collector, nil
}
