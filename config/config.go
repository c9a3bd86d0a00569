// Package config loads the service configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"signalcast/dataset"
	"signalcast/logger"
	"signalcast/predictor"
)

type Config struct {
	Http struct {
		Port           int           `yaml:"port"`
		Timeout        time.Duration `yaml:"timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
		MaxBodyBytes   int64         `yaml:"max_body_bytes"`
	} `yaml:"http"`
	Log      logger.Config `yaml:"log"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Dataset struct {
		dataset.Config `yaml:",inline"`
		Watch          bool          `yaml:"watch"`
		Debounce       time.Duration `yaml:"debounce"`
	} `yaml:"dataset"`
	Predictor predictor.Config `yaml:"predictor"`
	Sessions  struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"sessions"`
}

// Default returns a configuration that serves formula predictions only.
func Default() *Config {
	var c Config
	c.Http.Port = 8080
	c.Http.Timeout = 30 * time.Second
	c.Http.AllowedOrigins = []string{"*"}
	c.Http.MaxBodyBytes = 1 << 20
	c.Log.Level = "info"
	c.Log.Console = true
	c.Database.Path = "signalcast.db"
	c.Dataset.Config = dataset.DefaultConfig()
	c.Dataset.Debounce = 500 * time.Millisecond
	c.Predictor = predictor.DefaultConfig()
	c.Sessions.Capacity = 1024
	return &c
}

// Load reads path over the defaults and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	c := Default()
	if err := yaml.UnmarshalStrict(data, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.Dataset.Config = c.Dataset.Config.WithDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks values that would otherwise fail later at runtime and
// normalizes the default strategy name.
func (c *Config) Validate() error {
	if c.Http.Port <= 0 || c.Http.Port > 65535 {
		return fmt.Errorf("http.port %d out of range", c.Http.Port)
	}
	strategy, err := predictor.ParseStrategy(string(c.Predictor.DefaultStrategy))
	if err != nil {
		return fmt.Errorf("predictor.default_strategy: %w", err)
	}
	c.Predictor.DefaultStrategy = strategy
	if c.Predictor.Training.LearningRate < 0 || c.Predictor.Training.Iterations < 0 {
		return errors.New("predictor.training: learning_rate and iterations must not be negative")
	}
	if c.Dataset.Source == "" {
		if c.Predictor.DefaultStrategy == predictor.Regression {
			return errors.New("dataset.source is required for the regression strategy")
		}
		return nil
	}
	if err := c.Dataset.Config.Validate(); err != nil {
		return fmt.Errorf("dataset: %w", err)
	}
	return nil
}

// RegressionEnabled reports whether a dataset is configured.
func (c *Config) RegressionEnabled() bool {
	return c.Dataset.Source != ""
}
