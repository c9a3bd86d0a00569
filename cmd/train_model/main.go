package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/lmittmann/tint"

	"signalcast/config"
	"signalcast/dataset"
	"signalcast/db"
	"signalcast/ml"
)

func init() {
	slog.SetDefault(slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: "15:04:05",
		}),
	))
}

func main() {
	configPath := flag.String("config", "", "optional config.yaml supplying dataset and training settings")
	source := flag.String("source", "", "dataset URL or file (overrides config)")
	powerUnit := flag.String("power_unit", "", "power column unit, mW or W (overrides config)")
	modelPath := flag.String("model_path", "./models/linear.json", "model output path")
	iterations := flag.Int("iterations", 0, "gradient descent iterations (0 keeps the configured value)")
	lr := flag.Float64("lr", 0, "learning rate (0 keeps the configured value)")
	seed := flag.Int64("seed", 1, "seed for the train/test split and random init")
	randomInit := flag.Bool("random_init", false, "draw the initial weight and bias from a seeded RNG")
	testRatio := flag.Float64("test_ratio", 0.2, "share of rows held out for evaluation")
	dbPath := flag.String("db", "", "also append the run to this training log database")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fatal("failed to load config", err)
		}
		cfg = loaded
	}

	dcfg := cfg.Dataset.Config
	if *source != "" {
		dcfg.Source = *source
	}
	if *powerUnit != "" {
		dcfg.PowerUnit = *powerUnit
	}
	dcfg = dcfg.WithDefaults()
	if err := dcfg.Validate(); err != nil {
		fatal("invalid dataset settings", err)
	}

	tcfg := cfg.Predictor.Training
	if *iterations > 0 {
		tcfg.Iterations = *iterations
	}
	if *lr > 0 {
		tcfg.LearningRate = *lr
	}
	if *randomInit {
		tcfg.RandomInit = true
		tcfg.Seed = *seed
	}

	ctx, cancel := context.WithTimeout(context.Background(), dcfg.Timeout+time.Second)
	defer cancel()
	snap, err := dataset.NewLoader(dcfg, nil).Reload(ctx)
	if err != nil {
		fatal("failed to load dataset", err)
	}
	slog.Info("dataset loaded", "source", snap.Source, "rows", len(snap.Observations))

	train, test := splitDataset(snap.Observations, *testRatio, *seed)
	artifacts, err := ml.TrainSnapshot(&dataset.Snapshot{
		Source:       snap.Source,
		Observations: train,
		Fingerprint:  snap.Fingerprint,
		LoadedAt:     snap.LoadedAt,
	}, tcfg)
	if err != nil {
		fatal("failed to train model", err)
	}
	slog.Info("model trained",
		"weight", artifacts.Model.Weight,
		"bias", artifacts.Model.Bias,
		"loss", artifacts.FinalLoss,
		"train_r2", artifacts.RSquared,
		"train_rows", len(train),
	)

	if len(test) > 0 {
		m := artifacts.Evaluate(test)
		slog.Info("holdout evaluation", "rows", m.Count, "mae_db", m.MAE, "rmse_db", m.RMSE, "r2", m.RSquared)
	} else {
		slog.Warn("dataset too small for a holdout split, skipping evaluation")
	}

	if err := os.MkdirAll(filepath.Dir(*modelPath), 0o755); err != nil {
		fatal("failed to create model dir", err)
	}
	if err := artifacts.Save(*modelPath); err != nil {
		fatal("failed to save model", err)
	}

	if *dbPath != "" {
		if err := db.InitDB(*dbPath); err != nil {
			fatal("failed to open training log", err)
		}
		defer db.Close()
		if err := db.SaveTrainingRun(db.RunFromArtifacts(artifacts)); err != nil {
			slog.Warn("training log write failed", "err", err)
		}
	}

	fmt.Printf("model saved to %s\n", *modelPath)
}

// splitDataset shuffles a copy of observations with seed and holds out
// testRatio of them. At least two rows always stay in the training set.
func splitDataset(observations []dataset.Observation, testRatio float64, seed int64) (train, test []dataset.Observation) {
	if testRatio < 0 || testRatio >= 1 {
		testRatio = 0.2
	}
	rnd := rand.New(rand.NewSource(seed))
	indices := rnd.Perm(len(observations))

	split := int(math.Round(float64(len(observations)) * (1 - testRatio)))
	if split < 2 {
		split = min(2, len(observations))
	}
	for i, idx := range indices {
		if i < split {
			train = append(train, observations[idx])
		} else {
			test = append(test, observations[idx])
		}
	}
	return train, test
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}
