// Package config holds the explicit configuration value passed to every
// pipeline component. There is no global configuration: callers build a
// Config with Default or Load and hand it down.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects whether annotations are required.
type Mode string

const (
	// ModeTrain requires stage annotations for every recording.
	ModeTrain Mode = "train"
	// ModeInfer tolerates recordings without stage annotations.
	ModeInfer Mode = "infer"
)

// Config is the full pipeline configuration.
type Config struct {
	Iteration     int           `yaml:"iteration"`
	Mode          Mode          `yaml:"mode"`
	EpochDuration float64       `yaml:"epoch_duration"`
	TrainingDir   string        `yaml:"training_dir"`
	HoldoutDir    string        `yaml:"holdout_dir"`
	Workers       int           `yaml:"workers"`
	Cache         CacheConfig   `yaml:"cache"`
	Groups        []GroupConfig `yaml:"groups"`
	Strategies    Strategies    `yaml:"strategies"`
	Filter        FilterConfig  `yaml:"filter"`
	Training      TrainConfig   `yaml:"training"`
	Log           LogConfig     `yaml:"log"`
	MetricsFile   string        `yaml:"metrics_file"`
}

// CacheConfig controls the stage cache.
type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// GroupConfig maps EDF channel labels onto one channel group.
type GroupConfig struct {
	Name string `yaml:"name"`
	// Rate is the declared group rate in Hz; zero selects the highest channel rate.
	Rate float64 `yaml:"rate"`
	// Channels are matched case-insensitively against trimmed EDF labels.
	Channels []string `yaml:"channels"`
}

// Strategies overrides the registered strategy name per stage. Empty fields
// keep the iteration's default.
type Strategies struct {
	Preprocess string `yaml:"preprocess"`
	Features   string `yaml:"features"`
	Selection  string `yaml:"selection"`
	Classifier string `yaml:"classifier"`
}

// FilterConfig parameterises the low-pass preprocessor.
type FilterConfig struct {
	CutoffHz float64 `yaml:"cutoff_hz"`
	Order    int     `yaml:"order"`
}

// TrainConfig parameterises training and evaluation.
type TrainConfig struct {
	TestFraction float64 `yaml:"test_fraction"`
	Seed         int64   `yaml:"seed"`
	Neighbors    int     `yaml:"neighbors"`
	// MinVariance is the variance threshold of the variance selector.
	MinVariance float64 `yaml:"min_variance"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Iteration:     1,
		Mode:          ModeTrain,
		EpochDuration: 30,
		TrainingDir:   "data/training",
		HoldoutDir:    "data/holdout",
		Workers:       1,
		Cache:         CacheConfig{Enabled: true, Dir: "cache"},
		Groups: []GroupConfig{
			{Name: "eeg", Channels: []string{"EEG", "EEG(sec)", "EEG2"}},
			{Name: "eog", Channels: []string{"EOG(L)", "EOG(R)"}},
			{Name: "emg", Channels: []string{"EMG"}},
		},
		Filter:   FilterConfig{CutoffHz: 40, Order: 4},
		Training: TrainConfig{TestFraction: 0.2, Seed: 42, Neighbors: 5, MinVariance: 1e-9},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads a YAML file over Default. Unknown keys are rejected.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over Default and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration and normalizes case-insensitive fields.
func (c *Config) Validate() error {
	if c.Iteration < 1 {
		return fmt.Errorf("iteration must be >= 1, got %d", c.Iteration)
	}
	c.Mode = Mode(strings.ToLower(string(c.Mode)))
	if c.Mode != ModeTrain && c.Mode != ModeInfer {
		return fmt.Errorf("mode must be %q or %q, got %q", ModeTrain, ModeInfer, c.Mode)
	}
	if !(c.EpochDuration > 0) {
		return fmt.Errorf("epoch_duration must be positive, got %v", c.EpochDuration)
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Cache.Enabled && c.Cache.Dir == "" {
		return errors.New("cache.dir is required when the cache is enabled")
	}
	if len(c.Groups) == 0 {
		return errors.New("at least one channel group is required")
	}
	seen := make(map[string]bool, len(c.Groups))
	for i, g := range c.Groups {
		if g.Name == "" {
			return fmt.Errorf("groups[%d]: name is required", i)
		}
		if seen[g.Name] {
			return fmt.Errorf("groups[%d]: duplicate group %q", i, g.Name)
		}
		seen[g.Name] = true
		if len(g.Channels) == 0 {
			return fmt.Errorf("group %s: at least one channel label is required", g.Name)
		}
		if g.Rate < 0 {
			return fmt.Errorf("group %s: rate must not be negative", g.Name)
		}
	}
	if !(c.Filter.CutoffHz > 0) {
		return fmt.Errorf("filter.cutoff_hz must be positive, got %v", c.Filter.CutoffHz)
	}
	if c.Filter.Order < 1 {
		return fmt.Errorf("filter.order must be >= 1, got %d", c.Filter.Order)
	}
	if c.Training.TestFraction < 0 || c.Training.TestFraction >= 1 {
		return fmt.Errorf("training.test_fraction must be in [0, 1), got %v", c.Training.TestFraction)
	}
	if c.Training.Neighbors < 1 {
		return fmt.Errorf("training.neighbors must be >= 1, got %d", c.Training.Neighbors)
	}
	if c.Training.MinVariance < 0 {
		return fmt.Errorf("training.min_variance must not be negative, got %v", c.Training.MinVariance)
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

func (l LogConfig) level() (slog.Level, error) {
	switch strings.ToLower(l.Level) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("log.level %q is not one of debug, info, warn, error", l.Level)
	}
}

// NewLogger builds the slog logger described by l, writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lvl, err := l.level()
	if err != nil {
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
