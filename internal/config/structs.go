// Package config loads and validates service configuration from YAML
// files, environment variables and command-line flags.
package config

import (
	"fmt"
	"time"
)

// Config is the root configuration structure.
type Config struct {
	ModelsDir string `mapstructure:"models_dir"`
	LogLevel  string `mapstructure:"log_level"`
	Verbose   bool   `mapstructure:"verbose"`
	// Language is the BCP 47 tag used for localized disease labels.
	Language string `mapstructure:"language"`

	Database DatabaseConfig `mapstructure:"database"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Server   ServerConfig   `mapstructure:"server"`
	GPU      GPUSettings    `mapstructure:"gpu"`
}

// DatabaseConfig controls the diagnosis record store.
type DatabaseConfig struct {
	Path         string `mapstructure:"path"`
	CacheTTLDays int    `mapstructure:"cache_ttl_days"`
}

// CacheTTL returns the configured cache window as a duration.
func (d DatabaseConfig) CacheTTL() time.Duration {
	return time.Duration(d.CacheTTLDays) * 24 * time.Hour
}

// PipelineConfig groups inference settings.
type PipelineConfig struct {
	Models             []ModelConfig   `mapstructure:"models"`
	ZeroShot           ZeroShotConfig  `mapstructure:"zero_shot"`
	Aggregate          AggregateConfig `mapstructure:"aggregate"`
	InferenceBudgetSec int             `mapstructure:"inference_budget_sec"`
}

// ModelConfig describes one ensemble classifier.
type ModelConfig struct {
	ID         string  `mapstructure:"id"`
	Weight     float64 `mapstructure:"weight"`
	ModelPath  string  `mapstructure:"model_path"`
	LabelsPath string  `mapstructure:"labels_path"`
	InputSize  int     `mapstructure:"input_size"`
	NumThreads int     `mapstructure:"num_threads"`
}

// ZeroShotConfig describes the optional zero-shot scorer.
type ZeroShotConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ModelPath   string  `mapstructure:"model_path"`
	BankPath    string  `mapstructure:"bank_path"`
	InputSize   int     `mapstructure:"input_size"`
	Temperature float64 `mapstructure:"temperature"`
	NumThreads  int     `mapstructure:"num_threads"`
}

// AggregateConfig controls vote aggregation.
type AggregateConfig struct {
	Threshold      float64  `mapstructure:"threshold"`
	ZeroShotWeight float64  `mapstructure:"zero_shot_weight"`
	Ignore         []string `mapstructure:"ignore"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	CORSOrigin      string `mapstructure:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"`
	// RateLimitPerMin caps requests per client IP; 0 disables.
	RateLimitPerMin int `mapstructure:"rate_limit_per_min"`
}

// GPUSettings contains GPU acceleration settings.
type GPUSettings struct {
	Enabled     bool   `mapstructure:"enabled"`
	Device      int    `mapstructure:"device"`
	MemoryLimit uint64 `mapstructure:"memory_limit"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ModelsDir: "models",
		LogLevel:  "info",
		Verbose:   false,
		Language:  "ko",
		Database: DatabaseConfig{
			Path:         "leafdx.db",
			CacheTTLDays: 90,
		},
		Pipeline: PipelineConfig{
			Models: []ModelConfig{
				{
					ID:         "plantdx-general",
					Weight:     1.0,
					ModelPath:  "models/plantdx_general.onnx",
					LabelsPath: "models/plantdx_general_labels.txt",
					InputSize:  224,
				},
			},
			ZeroShot: ZeroShotConfig{
				Enabled:     true,
				ModelPath:   "models/clip_image_encoder.onnx",
				BankPath:    "models/clip_text_bank.json",
				InputSize:   224,
				Temperature: 100.0,
			},
			Aggregate: AggregateConfig{
				Threshold:      0.25,
				ZeroShotWeight: 0.8,
				Ignore:         []string{"invalid"},
			},
			InferenceBudgetSec: 30,
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     20,
			TimeoutSec:      60,
			ShutdownTimeout: 10,
			RateLimitPerMin: 0,
		},
		GPU: GPUSettings{
			Enabled:     false,
			Device:      0,
			MemoryLimit: 0,
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.MaxUploadMB < 1 {
		return fmt.Errorf("max upload size must be at least 1 MB, got %d", c.Server.MaxUploadMB)
	}
	if c.Database.CacheTTLDays < 1 {
		return fmt.Errorf("cache TTL must be at least 1 day, got %d", c.Database.CacheTTLDays)
	}
	if c.Pipeline.Aggregate.Threshold < 0 || c.Pipeline.Aggregate.Threshold > 1 {
		return fmt.Errorf("aggregation threshold must be in [0, 1], got %f", c.Pipeline.Aggregate.Threshold)
	}
	if c.Pipeline.Aggregate.ZeroShotWeight < 0 {
		return fmt.Errorf("zero-shot weight must be non-negative, got %f", c.Pipeline.Aggregate.ZeroShotWeight)
	}
	seen := make(map[string]struct{}, len(c.Pipeline.Models))
	for i, m := range c.Pipeline.Models {
		if m.ID == "" {
			return fmt.Errorf("model %d has no id", i)
		}
		if _, dup := seen[m.ID]; dup {
			return fmt.Errorf("duplicate model id %q", m.ID)
		}
		seen[m.ID] = struct{}{}
		if m.ModelPath == "" {
			return fmt.Errorf("model %q has no model_path", m.ID)
		}
		if m.LabelsPath == "" {
			return fmt.Errorf("model %q has no labels_path", m.ID)
		}
		if m.Weight < 0 {
			return fmt.Errorf("model %q has negative weight", m.ID)
		}
	}
	if c.Pipeline.ZeroShot.Enabled {
		if c.Pipeline.ZeroShot.ModelPath == "" {
			return fmt.Errorf("zero_shot is enabled but has no model_path")
		}
		if c.Pipeline.ZeroShot.BankPath == "" {
			return fmt.Errorf("zero_shot is enabled but has no bank_path")
		}
	}
	if c.GPU.Enabled && c.GPU.Device < 0 {
		return fmt.Errorf("GPU device must be non-negative, got %d", c.GPU.Device)
	}
	return nil
}
