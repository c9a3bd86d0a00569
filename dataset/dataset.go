// Package dataset loads signal measurement observations from a CSV source.
//
// A source is either an http(s) URL or a local file. The body may be compressed
// (gzip, zstd or lz4) and in any WHATWG character set. Header cells are trimmed
// before lookup and the column names come from Config, so spreadsheet exports
// with different headings can be used without code changes.
//
// Successful loads are cached process-wide by source. A Snapshot carries an
// xxhash fingerprint of the decoded body, which callers use to decide whether
// a reload actually changed the data.
package dataset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrDataUnavailable means the source could not be fetched or lacks expected columns.
	ErrDataUnavailable = errors.New("data unavailable")
	// ErrInvalidData means a row holds a missing or non-numeric value.
	ErrInvalidData = errors.New("invalid data")
)

// Observation is one measured row. Power is always in milliwatts.
type Observation struct {
	Distance float64 `json:"distance_cm"`
	Height   float64 `json:"height_cm"`
	Power    float64 `json:"power_mw"`
	Signal   float64 `json:"signal_dbm"`
}

// Combined is the single regression feature: the mean of the three covariates.
func (o Observation) Combined() float64 {
	return CombinedFeature(o.Distance, o.Height, o.Power)
}

func CombinedFeature(distance, height, power float64) float64 {
	return (distance + height + power) / 3
}

// Columns maps the logical fields to CSV header names.
type Columns struct {
	Distance string `yaml:"distance" json:"distance"`
	Height   string `yaml:"height" json:"height"`
	Power    string `yaml:"power" json:"power"`
	Signal   string `yaml:"signal" json:"signal"`
}

// Config controls where and how the dataset is read.
type Config struct {
	Source       string        `yaml:"source"`
	Timeout      time.Duration `yaml:"timeout"`
	Encoding     string        `yaml:"encoding"`
	Compression  string        `yaml:"compression"` // auto, none, gzip, zstd, lz4
	Delimiter    string        `yaml:"delimiter"`
	DecimalComma bool          `yaml:"decimal_comma"`
	PowerUnit    string        `yaml:"power_unit"` // mW or W
	MaxBytes     int64         `yaml:"max_bytes"`
	Columns      Columns       `yaml:"columns"`
}

const (
	CompressionAuto = "auto"
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
	CompressionLZ4  = "lz4"
)

// DefaultConfig returns the loader defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:     5 * time.Second,
		Encoding:    "utf-8",
		Compression: CompressionAuto,
		Delimiter:   ",",
		PowerUnit:   "mW",
		MaxBytes:    32 << 20,
		Columns: Columns{
			Distance: "distance",
			Height:   "height",
			Power:    "power",
			Signal:   "signal",
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.Encoding == "" {
		c.Encoding = d.Encoding
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.Delimiter == "" {
		c.Delimiter = d.Delimiter
	}
	if c.PowerUnit == "" {
		c.PowerUnit = d.PowerUnit
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = d.MaxBytes
	}
	if c.Columns.Distance == "" {
		c.Columns.Distance = d.Columns.Distance
	}
	if c.Columns.Height == "" {
		c.Columns.Height = d.Columns.Height
	}
	if c.Columns.Power == "" {
		c.Columns.Power = d.Columns.Power
	}
	if c.Columns.Signal == "" {
		c.Columns.Signal = d.Columns.Signal
	}
	return c
}

// Validate checks option values that would otherwise fail at load time.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Source) == "" {
		return errors.New("dataset source is required")
	}
	switch strings.ToLower(c.Compression) {
	case "", CompressionAuto, CompressionNone, CompressionGzip, CompressionZstd, CompressionLZ4:
	default:
		return fmt.Errorf("unsupported compression %q", c.Compression)
	}
	if _, err := powerScale(c.PowerUnit); err != nil {
		return err
	}
	if err := c.checkDelimiter(); err != nil {
		return err
	}
	if _, err := lookupEncoding(c.Encoding); err != nil {
		return err
	}
	return nil
}

func (c Config) checkDelimiter() error {
	d := c.Delimiter
	if d == "" {
		d = ","
	}
	if len([]rune(d)) > 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", c.Delimiter)
	}
	if c.DecimalComma && d == "," {
		return errors.New("decimal_comma needs a delimiter other than \",\"")
	}
	return nil
}

func powerScale(unit string) (float64, error) {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "", "mw":
		return 1, nil
	case "w":
		return 1000, nil
	default:
		return 0, fmt.Errorf("unsupported power unit %q (want mW or W)", unit)
	}
}

// IsRemote reports whether source is fetched over HTTP.
func IsRemote(source string) bool {
	s := strings.ToLower(source)
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
