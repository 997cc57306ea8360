// Package config provides configuration management.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"

	"gpu-index/core/engine"
	"gpu-index/core/guard"
	"gpu-index/core/history"
	"gpu-index/core/outlier"
	"gpu-index/internal/errors"
	"gpu-index/internal/logging"
)

// Config is the main application configuration
type Config struct {
	// Version is the configuration version
	Version string `json:"version"`

	// Engine contains computation thresholds
	Engine EngineConfig `json:"engine"`

	// Registry contains provider registry settings
	Registry RegistryConfig `json:"registry"`

	// History contains history store settings
	History HistoryConfig `json:"history"`

	// State contains rerun marker settings
	State StateConfig `json:"state"`

	// Publish contains publication sink settings
	Publish PublishConfig `json:"publish"`

	// Metrics contains metrics export settings
	Metrics MetricsConfig `json:"metrics"`

	// AWS contains the live AWS price collector settings
	AWS AWSConfig `json:"aws,omitempty"`

	// Logging contains logging configuration
	Logging logging.Config `json:"logging"`
}

// EngineConfig contains computation thresholds
type EngineConfig struct {
	// OutlierMultiplier is the IQR fence multiplier
	OutlierMultiplier float64 `json:"outlier_multiplier"`

	// MinOutlierSample is the smallest sample the outlier filter acts on
	MinOutlierSample int `json:"min_outlier_sample"`

	// SwingThreshold rejects day-over-day moves at or above this fraction
	SwingThreshold float64 `json:"swing_threshold"`

	// SanityCeiling flags values above this hourly price
	SanityCeiling float64 `json:"sanity_ceiling"`

	// WeightTolerance bounds weight-sum drift
	WeightTolerance float64 `json:"weight_tolerance"`

	// RerunMateriality is the relative difference that tags a rerun result
	RerunMateriality float64 `json:"rerun_materiality"`

	// Concurrency bounds parallel provider resolution
	Concurrency int `json:"concurrency"`
}

// RegistryConfig contains provider registry settings
type RegistryConfig struct {
	// Path is an HCL registry file; empty means the built-in table
	Path string `json:"path,omitempty"`
}

// HistoryConfig contains history store settings
type HistoryConfig struct {
	// Backend is file, sqlite or memory
	Backend string `json:"backend"`

	// Path is the directory (file) or database file (sqlite)
	Path string `json:"path"`
}

// StateConfig contains rerun marker settings
type StateConfig struct {
	// MarkerPath is where the rerun marker lives
	MarkerPath string `json:"marker_path"`
}

// PublishConfig contains publication sink settings
type PublishConfig struct {
	Journal    JournalConfig    `json:"journal"`
	Postgres   PostgresConfig   `json:"postgres"`
	ClickHouse ClickHouseConfig `json:"clickhouse"`
}

// JournalConfig configures the local publication journal
type JournalConfig struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxEntries int    `json:"max_entries"`
}

// PostgresConfig configures the PostgreSQL sink
type PostgresConfig struct {
	Enabled            bool   `json:"enabled"`
	DSN                string `json:"dsn,omitempty"`
	IndexTable         string `json:"index_table"`
	ContributionsTable string `json:"contributions_table"`
}

// ClickHouseConfig configures the ClickHouse sink
type ClickHouseConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

// MetricsConfig contains metrics export settings
type MetricsConfig struct {
	// TextfilePath is a node-exporter textfile target; empty disables it
	TextfilePath string `json:"textfile_path,omitempty"`
}

// AWSConfig contains the live AWS price collector settings
type AWSConfig struct {
	// Enabled turns on the AWS Pricing API collector
	Enabled bool `json:"enabled"`

	// Region is the Pricing API endpoint region
	Region string `json:"region"`

	// InstanceType is the H100 instance to price
	InstanceType string `json:"instance_type"`

	// GPUCount divides the instance price into a per-GPU price
	GPUCount int `json:"gpu_count"`

	// Location is the Pricing API location filter
	Location string `json:"location"`
}

// Default returns a default configuration
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".gpu-index")

	return &Config{
		Version: "1.0",
		Engine: EngineConfig{
			OutlierMultiplier: outlier.DefaultMultiplier,
			MinOutlierSample:  outlier.DefaultMinSample,
			SwingThreshold:    guard.DefaultSwingThreshold,
			SanityCeiling:     guard.DefaultSanityCeiling,
			WeightTolerance:   1e-6,
			RerunMateriality:  0.001,
			Concurrency:       8,
		},
		History: HistoryConfig{
			Backend: history.BackendFile,
			Path:    filepath.Join(base, "history"),
		},
		State: StateConfig{
			MarkerPath: filepath.Join(base, "rerun.marker"),
		},
		Publish: PublishConfig{
			Journal: JournalConfig{
				Enabled:    true,
				Path:       filepath.Join(base, "publications.json"),
				MaxEntries: 100,
			},
			Postgres: PostgresConfig{
				IndexTable:         "gpu_index_values",
				ContributionsTable: "gpu_index_contributions",
			},
			ClickHouse: ClickHouseConfig{
				Host:     "localhost",
				Port:     9000,
				Database: "default",
				Username: "default",
			},
		},
		AWS: AWSConfig{
			Region:       "us-east-1",
			InstanceType: "p5.48xlarge",
			GPUCount:     8,
			Location:     "US East (N. Virginia)",
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, errors.Config("failed to read config", err)
	}

	config := Default()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, errors.Config("failed to parse config", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks values the engine cannot run with
func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.OutlierMultiplier <= 0:
		return errors.Config("engine.outlier_multiplier must be positive", nil)
	case e.SwingThreshold <= 0:
		return errors.Config("engine.swing_threshold must be positive", nil)
	case e.SanityCeiling <= 0:
		return errors.Config("engine.sanity_ceiling must be positive", nil)
	case e.WeightTolerance <= 0:
		return errors.Config("engine.weight_tolerance must be positive", nil)
	case e.Concurrency < 1:
		return errors.Config("engine.concurrency must be at least 1", nil)
	}
	switch c.History.Backend {
	case history.BackendFile, history.BackendSQLite, history.BackendMemory:
	default:
		return errors.Config("unknown history backend "+c.History.Backend, nil)
	}
	if c.AWS.Enabled && c.AWS.GPUCount < 1 {
		return errors.Config("aws.gpu_count must be at least 1", nil)
	}
	return nil
}

// EngineSettings converts to the engine's configuration
func (c *Config) EngineSettings() engine.EngineConfig {
	return engine.EngineConfig{
		OutlierMultiplier: c.Engine.OutlierMultiplier,
		MinOutlierSample:  c.Engine.MinOutlierSample,
		SwingThreshold:    c.Engine.SwingThreshold,
		SanityCeiling:     c.Engine.SanityCeiling,
		WeightTolerance:   decimal.NewFromFloat(c.Engine.WeightTolerance),
		RerunMateriality:  decimal.NewFromFloat(c.Engine.RerunMateriality),
		Concurrency:       c.Engine.Concurrency,
	}
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Global configuration instance
var globalConfig = Default()

// Get returns the global configuration
func Get() *Config {
	return globalConfig
}

// Set sets the global configuration
func Set(config *Config) {
	globalConfig = config
}
