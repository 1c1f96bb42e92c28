package config

import "time"

// Config represents the main engine configuration
type Config struct {
	LogLevel   string           `yaml:"log_level"`
	HTTPAddr   string           `yaml:"http_addr"`
	Database   Database         `yaml:"database"`
	Workers    int              `yaml:"workers"`
	Progress   ProgressConfig   `yaml:"progress"`
	Admission  AdmissionLimits  `yaml:"admission"`
	Submission SubmissionLimits `yaml:"submission"`
	Retry      RetryConfig      `yaml:"retry"`
	Retention  RetentionConfig  `yaml:"retention"`
}

// Database selects the job store backend
type Database struct {
	Driver string `yaml:"driver"` // memory or sqlite
	Path   string `yaml:"path"`   // sqlite file path
}

// ProgressConfig configures progress snapshot delivery
type ProgressConfig struct {
	// BufferSize is the capacity of the per-job progress channel.
	// When full, the oldest unread snapshot is dropped.
	BufferSize int `yaml:"buffer_size"`
}

// AdmissionLimits caps concurrently active jobs per user and per scenario
type AdmissionLimits struct {
	MaxJobsPerUser     int `yaml:"max_jobs_per_user"`
	MaxJobsPerScenario int `yaml:"max_jobs_per_scenario"`
}

// SubmissionLimits throttles raw submission requests at the HTTP layer,
// independently of the admission controller's active-job ceilings
type SubmissionLimits struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

// RetryConfig bounds retries of persistence writes inside the task runner
type RetryConfig struct {
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"` // exponential, linear, constant
	BaseMs   int    `yaml:"base_ms"`
	MaxMs    int    `yaml:"max_ms"`
}

// RetentionConfig controls age-based garbage collection of terminal jobs
type RetentionConfig struct {
	Enabled  bool   `yaml:"enabled"`
	MaxAge   string `yaml:"max_age"`  // e.g. "720h"
	Interval string `yaml:"interval"` // e.g. "1h"
}

// GetMaxAge parses the retention max age
func (r *RetentionConfig) GetMaxAge() (time.Duration, error) {
	return time.ParseDuration(r.MaxAge)
}

// GetInterval parses the retention sweep interval
func (r *RetentionConfig) GetInterval() (time.Duration, error) {
	return time.ParseDuration(r.Interval)
}

// Default returns the default engine configuration
func Default() *Config {
	return &Config{
		LogLevel: "info",
		HTTPAddr: ":8080",
		Database: Database{Driver: "memory"},
		Workers:  4,
		Progress: ProgressConfig{BufferSize: 64},
		Admission: AdmissionLimits{
			MaxJobsPerUser:     5,
			MaxJobsPerScenario: 1,
		},
		Submission: SubmissionLimits{
			RatePerSecond: 10,
			Burst:         20,
		},
		Retry: RetryConfig{
			Attempts: 3,
			Backoff:  "exponential",
			BaseMs:   50,
			MaxMs:    2000,
		},
		Retention: RetentionConfig{
			Enabled:  true,
			MaxAge:   "720h",
			Interval: "1h",
		},
	}
}
