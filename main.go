package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"signalcast/config"
	"signalcast/dataset"
	"signalcast/db"
	shttp "signalcast/http"
	"signalcast/logger"
	"signalcast/ml"
	"signalcast/monitoring"
	"signalcast/predictor"
	"signalcast/session"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	// 1. Load config
	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// 2. Logger
	zl, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer zl.Sync()

	// 3. Initialize database
	if err := db.InitDB(cfg.Database.Path); err != nil {
		zl.Fatal("failed to initialize database", zap.String("path", cfg.Database.Path), zap.Error(err))
	}
	zl.Info("database initialized", zap.String("path", cfg.Database.Path))

	// 4. Metrics, realtime hub and sessions
	metrics, err := monitoring.NewCollector(prometheus.DefaultRegisterer)
	if err != nil {
		zl.Fatal("failed to register metrics", zap.Error(err))
	}
	hub := monitoring.NewHub(zl.Named("ws"))
	go hub.Run()
	sessions := session.NewStore(cfg.Sessions.Capacity, zl.Named("session"), metrics.SetActiveSessions)

	// 5. Predictor
	var loader *dataset.Loader
	if cfg.RegressionEnabled() {
		loader = dataset.NewLoader(cfg.Dataset.Config, zl.Named("dataset"))
	}
	engine := predictor.NewEngine(loader, cfg.Predictor,
		predictor.WithLogger(zl.Named("predictor")),
		predictor.WithMetrics(metrics),
		predictor.WithHub(hub),
		predictor.WithRecorder(predictor.RecorderFunc(func(a *ml.Artifacts) error {
			return db.SaveTrainingRun(db.RunFromArtifacts(a))
		})),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if loader != nil {
		if _, err := engine.Initialize(ctx); err != nil {
			zl.Error("regression model unavailable, serving formula predictions only", zap.Error(err))
		}
		if cfg.Dataset.Watch {
			go func() {
				if err := engine.Watch(ctx, cfg.Dataset.Debounce); err != nil && !errors.Is(err, context.Canceled) {
					zl.Warn("dataset watch stopped", zap.Error(err))
				}
			}()
		}
	}

	// 6. Start HTTP server
	server := shttp.NewServer(shttp.ServerConfig{
		Port:           cfg.Http.Port,
		Timeout:        cfg.Http.Timeout,
		MaxBodyBytes:   cfg.Http.MaxBodyBytes,
		AllowedOrigins: cfg.Http.AllowedOrigins,
	}, &shttp.API{
		Engine:   engine,
		Sessions: sessions,
		Hub:      hub,
		Metrics:  metrics,
		Logger:   zl.Named("http"),
	})
	server.OnShutdown(func() error {
		hub.Stop()
		return nil
	})
	server.OnShutdown(db.Close)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	// 7. Handle graceful shutdown
	select {
	case <-ctx.Done():
		zl.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			zl.Error("HTTP server failed", zap.Error(err))
		}
	}

	if err := server.Stop(); err != nil {
		zl.Warn("shutdown finished with errors", zap.Error(err))
	}
	zl.Info("exiting")
}

// loadConfig reads the given path, falling back to the usual locations when
// none is given.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	for _, candidate := range []string{"config.yaml", "../config.yaml"} {
		if _, err := os.Stat(candidate); err == nil {
			return config.Load(candidate)
		}
	}
	log.Printf("No config.yaml found, using defaults")
	return config.Default(), nil
}
