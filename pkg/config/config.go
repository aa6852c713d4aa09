// Package config loads service configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Environment names. Production hides error details in HTTP responses.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// Config is the full service configuration.
type Config struct {
	Environment string
	LogLevel    slog.Level
	HTTPPort    string

	Pipedrive  PipedriveConfig
	Newsletter NewsletterConfig
	Archive    ArchiveConfig
	Scheduler  SchedulerConfig
	RateLimit  RateLimitConfig

	// TickSecret guards the POST /internal/tick endpoint used by
	// platform cron. Empty disables the endpoint.
	TickSecret string
}

// PipedriveConfig configures the outbound CRM adapter.
type PipedriveConfig struct {
	APIKey  string // injected via PIPEDRIVE_API_KEY, never stored in source
	BaseURL string
}

// Enabled reports whether CRM reconciliation is configured at all.
func (c PipedriveConfig) Enabled() bool { return c.APIKey != "" }

// NewsletterConfig configures the optional form-submission side-effect.
type NewsletterConfig struct {
	APIURL    string
	AuthToken string
}

// Enabled reports whether the newsletter side-effect is configured.
func (c NewsletterConfig) Enabled() bool { return c.APIURL != "" }

// ArchiveConfig configures the external archival collaborator.
type ArchiveConfig struct {
	Endpoint string
	Days     int
}

// Enabled reports whether event archival is configured.
func (c ArchiveConfig) Enabled() bool { return c.Endpoint != "" }

// SchedulerConfig controls the deferred CRM sync queue.
type SchedulerConfig struct {
	// TickInterval is how often the internal ticker fires.
	TickInterval time.Duration

	// SyncDelay is how long after a form submission the CRM sync runs.
	// Intentionally generous so the CRM's own form intake lands first.
	SyncDelay time.Duration

	// JobTTLBuffer is added to SyncDelay for the job key TTL.
	JobTTLBuffer time.Duration

	// BatchSize and BatchConcurrency bound per-tick work.
	BatchSize        int
	BatchConcurrency int
	BatchPause       time.Duration

	// MaxScanPages caps the prefix scan per tick (~1000 keys per page).
	MaxScanPages int

	// JobTimeout is the hard wall-clock cap for one job execution.
	JobTimeout time.Duration

	// Stalled-event recovery knobs.
	StalledAfter time.Duration
	StalledLimit int
	MaxRetries   int
	RetryDelay   time.Duration
	RetryJobTTL  time.Duration

	// GracefulStop bounds how long shutdown waits for an in-flight tick.
	GracefulStop time.Duration
}

// RateLimitConfig holds per-route-class fixed-window limits.
type RateLimitConfig struct {
	TrackingPerMin int
	AdminPerHour   int
	PublicPerHour  int
}

// DefaultSchedulerConfig returns the built-in scheduler defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		TickInterval:     5 * time.Minute,
		SyncDelay:        7 * time.Minute,
		JobTTLBuffer:     30 * time.Minute,
		BatchSize:        50,
		BatchConcurrency: 8,
		BatchPause:       100 * time.Millisecond,
		MaxScanPages:     10,
		JobTimeout:       30 * time.Second,
		StalledAfter:     15 * time.Minute,
		StalledLimit:     10,
		MaxRetries:       3,
		RetryDelay:       1 * time.Minute,
		RetryJobTTL:      10 * time.Minute,
		GracefulStop:     45 * time.Second,
	}
}

// Load reads configuration from the environment, applying defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvOrDefault("ENVIRONMENT", EnvDevelopment),
		LogLevel:    parseLogLevel(getEnvOrDefault("LOG_LEVEL", "info")),
		HTTPPort:    getEnvOrDefault("HTTP_PORT", "8080"),
		Pipedrive: PipedriveConfig{
			APIKey:  os.Getenv("PIPEDRIVE_API_KEY"),
			BaseURL: getEnvOrDefault("PIPEDRIVE_BASE_URL", "https://api.pipedrive.com/v1"),
		},
		Newsletter: NewsletterConfig{
			APIURL:    os.Getenv("NEWSLETTER_API_URL"),
			AuthToken: os.Getenv("NEWSLETTER_AUTH_TOKEN"),
		},
		Archive: ArchiveConfig{
			Endpoint: os.Getenv("ARCHIVE_ENDPOINT"),
		},
		Scheduler: DefaultSchedulerConfig(),
		RateLimit: RateLimitConfig{
			TrackingPerMin: 100,
			AdminPerHour:   100,
			PublicPerHour:  1000,
		},
		TickSecret: os.Getenv("TICK_SECRET"),
	}

	archiveDays, err := strconv.Atoi(getEnvOrDefault("ARCHIVE_DAYS", "90"))
	if err != nil {
		return nil, fmt.Errorf("invalid ARCHIVE_DAYS: %w", err)
	}
	cfg.Archive.Days = archiveDays

	if v := os.Getenv("SYNC_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid SYNC_DELAY: %w", err)
		}
		cfg.Scheduler.SyncDelay = d
	}
	if v := os.Getenv("TICK_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid TICK_INTERVAL: %w", err)
		}
		cfg.Scheduler.TickInterval = d
	}

	return cfg, nil
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool { return c.Environment == EnvProduction }

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
