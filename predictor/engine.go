// Package predictor serves signal predictions from either the closed-form
// formula or the trained regression model.
//
// The regression artifacts are built by an explicit Initialize call and then
// shared read-only. Refresh reloads the dataset and retrains only when the
// content fingerprint changed, so repeated refreshes of static data are cheap.
package predictor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"signalcast/dataset"
	"signalcast/ml"
	"signalcast/monitoring"
	"signalcast/pathloss"
)

var ErrNotInitialized = errors.New("regression model not initialized")

// Config controls strategy selection and training.
type Config struct {
	DefaultStrategy Strategy       `yaml:"default_strategy"`
	ModelPath       string         `yaml:"model_path"`
	Training        ml.TrainConfig `yaml:"training"`
}

func DefaultConfig() Config {
	return Config{
		DefaultStrategy: Formula,
		Training:        ml.DefaultTrainConfig(),
	}
}

// TrainingRecorder persists a summary of each successful training run.
type TrainingRecorder interface {
	RecordTraining(a *ml.Artifacts) error
}

// RecorderFunc adapts a function to TrainingRecorder.
type RecorderFunc func(a *ml.Artifacts) error

func (f RecorderFunc) RecordTraining(a *ml.Artifacts) error { return f(a) }

// Engine owns the cached regression artifacts.
type Engine struct {
	loader   *dataset.Loader
	cfg      Config
	logger   *zap.Logger
	metrics  *monitoring.Collector
	hub      *monitoring.Hub
	recorder TrainingRecorder

	mu        sync.Mutex // serializes Initialize and Refresh
	artifacts atomic.Pointer[ml.Artifacts]
}

type Option func(*Engine)

func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

func WithMetrics(c *monitoring.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

func WithHub(h *monitoring.Hub) Option {
	return func(e *Engine) { e.hub = h }
}

func WithRecorder(r TrainingRecorder) Option {
	return func(e *Engine) { e.recorder = r }
}

func NewEngine(loader *dataset.Loader, cfg Config, opts ...Option) *Engine {
	if cfg.DefaultStrategy == "" {
		cfg.DefaultStrategy = Formula
	}
	e := &Engine{
		loader: loader,
		cfg:    cfg,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Artifacts returns the active regression artifacts, if any.
func (e *Engine) Artifacts() (*ml.Artifacts, bool) {
	a := e.artifacts.Load()
	return a, a != nil
}

func (e *Engine) DefaultStrategy() Strategy {
	return e.cfg.DefaultStrategy
}

// Initialize makes the regression artifacts available. A model file is
// reused when it was trained on the configured source and its fingerprint
// matches the current data, or when the data cannot be loaded. Otherwise the
// dataset is trained on. Calling it again returns the cached artifacts.
func (e *Engine) Initialize(ctx context.Context) (*ml.Artifacts, error) {
	if a := e.artifacts.Load(); a != nil {
		return a, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if a := e.artifacts.Load(); a != nil {
		return a, nil
	}

	warm := e.loadModelFile()

	if e.loader == nil {
		if warm != nil {
			e.artifacts.Store(warm)
			return warm, nil
		}
		return nil, fmt.Errorf("%w: no dataset configured", ErrNotInitialized)
	}
	snap, err := e.loader.Snapshot(ctx)
	if err != nil {
		if warm != nil {
			e.logger.Warn("dataset unavailable, serving model file until a refresh succeeds",
				zap.String("path", e.cfg.ModelPath), zap.Error(err))
			e.artifacts.Store(warm)
			return warm, nil
		}
		e.metrics.ObserveTraining(0, 0, 0, err)
		e.logger.Error("dataset load failed", zap.Error(err))
		return nil, err
	}
	if warm != nil && warm.Fingerprint == snap.Fingerprint {
		e.metrics.ObserveSkippedTraining()
		e.artifacts.Store(warm)
		e.logger.Info("model file matches dataset, skipping training",
			zap.String("path", e.cfg.ModelPath),
			zap.Uint64("fingerprint", snap.Fingerprint),
		)
		return warm, nil
	}
	if warm != nil {
		e.logger.Info("model file is stale, retraining",
			zap.String("path", e.cfg.ModelPath),
			zap.Uint64("file_fingerprint", warm.Fingerprint),
			zap.Uint64("dataset_fingerprint", snap.Fingerprint),
		)
	}
	return e.train(snap)
}

// loadModelFile reads the configured model file. It returns nil when there is
// none, when it cannot be read, or when it was trained on another source.
func (e *Engine) loadModelFile() *ml.Artifacts {
	if e.cfg.ModelPath == "" {
		return nil
	}
	a, err := ml.LoadModel(ml.KindLinear, e.cfg.ModelPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		e.logger.Warn("ignoring unreadable model file", zap.String("path", e.cfg.ModelPath), zap.Error(err))
		return nil
	}
	if e.loader != nil && a.Source != e.loader.Config().Source {
		e.logger.Warn("ignoring model file trained on another source",
			zap.String("path", e.cfg.ModelPath),
			zap.String("model_source", a.Source),
			zap.String("dataset_source", e.loader.Config().Source),
		)
		return nil
	}
	e.logger.Info("model file loaded",
		zap.String("path", e.cfg.ModelPath),
		zap.Int("rows", a.Rows),
		zap.Time("trained_at", a.TrainedAt),
	)
	return a
}

// Refresh reloads the dataset and retrains if its content changed or force
// is set. The current artifacts stay active when anything fails.
func (e *Engine) Refresh(ctx context.Context, force bool) (bool, error) {
	if e.loader == nil {
		return false, fmt.Errorf("%w: no dataset configured", ErrNotInitialized)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	snap, err := e.loader.Reload(ctx)
	if err != nil {
		e.metrics.ObserveTraining(0, 0, 0, err)
		e.logger.Error("dataset reload failed", zap.Error(err))
		return false, err
	}

	if cur := e.artifacts.Load(); !force && cur != nil &&
		cur.Source == snap.Source && cur.Fingerprint == snap.Fingerprint {
		e.metrics.ObserveSkippedTraining()
		e.logger.Debug("dataset unchanged, keeping model", zap.Uint64("fingerprint", snap.Fingerprint))
		return false, nil
	}

	if _, err := e.train(snap); err != nil {
		return false, err
	}
	return true, nil
}

// train must be called with e.mu held.
func (e *Engine) train(snap *dataset.Snapshot) (*ml.Artifacts, error) {
	start := time.Now()
	a, err := ml.TrainSnapshot(snap, e.cfg.Training)
	elapsed := time.Since(start)
	if err != nil {
		e.metrics.ObserveTraining(elapsed.Seconds(), 0, 0, err)
		e.logger.Error("training failed", zap.String("source", snap.Source), zap.Error(err))
		return nil, err
	}
	e.metrics.ObserveTraining(elapsed.Seconds(), a.Rows, a.FinalLoss, nil)
	e.artifacts.Store(a)

	e.logger.Info("model trained",
		zap.String("source", a.Source),
		zap.Int("rows", a.Rows),
		zap.Float64("weight", a.Model.Weight),
		zap.Float64("bias", a.Model.Bias),
		zap.Float64("loss", a.FinalLoss),
		zap.Float64("r_squared", a.RSquared),
		zap.Duration("elapsed", elapsed),
	)

	if e.recorder != nil {
		if err := e.recorder.RecordTraining(a); err != nil {
			e.logger.Warn("training log write failed", zap.Error(err))
		}
	}
	if e.cfg.ModelPath != "" {
		if err := a.Save(e.cfg.ModelPath); err != nil {
			e.logger.Warn("model save failed", zap.String("path", e.cfg.ModelPath), zap.Error(err))
		}
	}
	e.hub.Publish(monitoring.ModelTrained, "", Summarize(a))
	return a, nil
}

// Predict computes a signal level in dBm with the given strategy.
func (e *Engine) Predict(strategy Strategy, distance, height, power float64) (float64, error) {
	start := time.Now()
	v, err := e.predict(strategy, distance, height, power)
	e.metrics.ObservePrediction(string(strategy), time.Since(start).Seconds(), err)
	return v, err
}

func (e *Engine) predict(strategy Strategy, distance, height, power float64) (float64, error) {
	switch strategy {
	case Formula:
		return pathloss.Predict(distance, height, power)
	case Regression:
		a := e.artifacts.Load()
		if a == nil {
			return 0, ErrNotInitialized
		}
		return a.Predict(distance, height, power)
	default:
		_, err := ParseStrategy(string(strategy))
		return 0, err
	}
}

// Watch refreshes the model whenever a local dataset file changes.
// Remote sources are not watched. It blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context, debounce time.Duration) error {
	if e.loader == nil {
		return nil
	}
	source := e.loader.Config().Source
	if dataset.IsRemote(source) {
		return nil
	}
	return dataset.Watch(ctx, source, debounce, e.logger, func() {
		refreshed, err := e.Refresh(ctx, false)
		if err != nil {
			e.logger.Warn("refresh after file change failed", zap.Error(err))
			return
		}
		e.logger.Info("dataset file changed", zap.Bool("retrained", refreshed))
	})
}

// Summary is the public view of the active model.
type Summary struct {
	Kind         string        `json:"kind"`
	Weight       float64       `json:"weight"`
	Bias         float64       `json:"bias"`
	X            ml.Normalizer `json:"feature_normalizer"`
	Y            ml.Normalizer `json:"target_normalizer"`
	Source       string        `json:"source"`
	Fingerprint  string        `json:"fingerprint"`
	Rows         int           `json:"rows"`
	FinalLoss    float64       `json:"final_loss"`
	RSquared     float64       `json:"r_squared"`
	Iterations   int           `json:"iterations"`
	LearningRate float64       `json:"learning_rate"`
	TrainedAt    time.Time     `json:"trained_at"`
}

func Summarize(a *ml.Artifacts) Summary {
	return Summary{
		Kind:         a.Kind,
		Weight:       a.Model.Weight,
		Bias:         a.Model.Bias,
		X:            a.X,
		Y:            a.Y,
		Source:       a.Source,
		Fingerprint:  fmt.Sprintf("%016x", a.Fingerprint),
		Rows:         a.Rows,
		FinalLoss:    a.FinalLoss,
		RSquared:     a.RSquared,
		Iterations:   a.Iterations,
		LearningRate: a.LearningRate,
		TrainedAt:    a.TrainedAt,
	}
}
