// Package config provides configuration loading and management for
// tractscore. It handles loading configuration from YAML files and provides
// default values; command-line flags override whatever the file sets.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Fitting parameters
	Fitting struct {
		// Lambda is the regularization strength modifier
		Lambda float64 `yaml:"lambda"`

		// Regularization names the penalty term: MSM, Variance,
		// VoxelVariance, Lasso, GroupLasso, GroupVariance or NONE
		Regularization string `yaml:"regularization"`

		// FilterOutliers enables the second solve with the 99th-percentile
		// upper weight bound
		FilterOutliers bool `yaml:"filterOutliers"`

		// MaxIterations bounds the projected gradient solver
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the solver convergence threshold
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"fitting"`

	// Scoring parameters
	Scoring struct {
		// AngularThreshold is the directional overlap agreement threshold
		// in degrees
		AngularThreshold float64 `yaml:"angularThreshold"`
	} `yaml:"scoring"`

	// Mode selection; at most one of Greedy, UseWeights and
	// UseNumStreamlines may be set, otherwise joint fitting runs
	Mode struct {
		// Greedy selects candidates one after the other instead of fitting
		// them jointly
		Greedy bool `yaml:"greedy"`

		// UseWeights skips fitting and scores each candidate by its first
		// fiber's input weight
		UseWeights bool `yaml:"useWeights"`

		// UseNumStreamlines skips fitting and scores each candidate by its
		// fiber count
		UseNumStreamlines bool `yaml:"useNumStreamlines"`
	} `yaml:"mode"`

	// Flip parameters correct sign conventions of the input peak image
	Flip struct {
		X bool `yaml:"x"`
		Y bool `yaml:"y"`
		Z bool `yaml:"z"`
	} `yaml:"flip"`

	// Output parameters
	Output struct {
		// FilterZeroWeights removes zero-weight fibers from candidates
		// before saving them
		FilterZeroWeights bool `yaml:"filterZeroWeights"`

		// LogFile is the report filename written into the output folder
		LogFile string `yaml:"logFile"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Fitting.Lambda = 0.1
	cfg.Fitting.Regularization = "NONE"
	cfg.Fitting.FilterOutliers = false
	cfg.Fitting.MaxIterations = 1000
	cfg.Fitting.Tolerance = 1e-8

	cfg.Scoring.AngularThreshold = 25.0

	cfg.Output.LogFile = "log.txt"
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints that yaml decoding cannot.
func (c *Config) Validate() error {
	if c.Fitting.Lambda < 0 {
		return fmt.Errorf("fitting.lambda must be non-negative, got %g", c.Fitting.Lambda)
	}
	modes := 0
	if c.Mode.Greedy {
		modes++
	}
	if c.Mode.UseWeights {
		modes++
	}
	if c.Mode.UseNumStreamlines {
		modes++
	}
	if modes > 1 {
		return fmt.Errorf("at most one of mode.greedy, mode.useWeights and mode.useNumStreamlines may be enabled")
	}
	if c.Scoring.AngularThreshold <= 0 || c.Scoring.AngularThreshold >= 90 {
		return fmt.Errorf("scoring.angularThreshold must be in (0, 90) degrees, got %g", c.Scoring.AngularThreshold)
	}
	return nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}
