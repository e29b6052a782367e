// Package config provides centralized configuration management for the
// rowsort CLI and pgload loader. It loads configuration from
// environment variables (honoring env/default/required struct tags)
// with sensible defaults and validates all settings on startup to fail
// fast on misconfiguration.
package config

// Config holds every setting the rowsort CLI and pgload loader read
// from the environment.
type Config struct {
	// BufferMB is the soft in-memory cap, in megabytes, before a
	// Sorter spills a run to disk (default: 100).
	BufferMB int `env:"ROWSORT_BUFFER_MB" default:"100"`

	// MaxRecordsPerKey is the per-digest retention cap applied during
	// merge (default: 200).
	MaxRecordsPerKey int `env:"ROWSORT_MAX_RECORDS_PER_KEY" default:"200"`

	// TempDir is the directory run files are created in (default: OS
	// temp directory).
	TempDir string `env:"ROWSORT_TEMP_DIR"`

	// LogLevel is one of debug, info, warn, error (default: info).
	LogLevel string `env:"ROWSORT_LOG_LEVEL" default:"info"`

	// LogFormat is text or json (default: text).
	LogFormat string `env:"ROWSORT_LOG_FORMAT" default:"text"`

	// MetricsAddr is the listen address for the /metrics HTTP handler.
	// Empty disables it.
	MetricsAddr string `env:"ROWSORT_METRICS_ADDR"`

	// DatabaseURL is the PostgreSQL connection string consumed by
	// pgload. Only required when pgload is actually invoked.
	DatabaseURL string `env:"DATABASE_URL"`
}

// Validate checks that the configuration is internally consistent,
// returning every problem found rather than just the first.
func (c *Config) Validate() error {
	var errs []string

	if c.BufferMB <= 0 {
		errs = append(errs, "ROWSORT_BUFFER_MB must be positive")
	}
	if c.MaxRecordsPerKey < 0 {
		errs = append(errs, "ROWSORT_MAX_RECORDS_PER_KEY must be non-negative")
	}
	if !validLogLevels[lower(c.LogLevel)] {
		errs = append(errs, "ROWSORT_LOG_LEVEL must be one of: debug, info, warn, error")
	}
	if !validLogFormats[lower(c.LogFormat)] {
		errs = append(errs, "ROWSORT_LOG_FORMAT must be one of: text, json")
	}

	return joinErrs(errs)
}

var (
	validLogLevels  = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	validLogFormats = map[string]bool{"text": true, "json": true}
)
