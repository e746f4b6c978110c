package media

import (
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores connectivity information for the HTTP engine adapter.
type Config struct {
	BaseURL string
	Token   string

	HTTPClient *http.Client

	// MaxAttempts and RetryInterval bound retries for control requests that
	// fail with a retryable status (502/503/504).
	MaxAttempts   int
	RetryInterval time.Duration

	// WatchInterval controls how often spawned workers are polled for
	// liveness. Zero disables the watcher.
	WatchInterval time.Duration
}

// Enabled reports whether an engine endpoint has been configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:       strings.TrimSpace(os.Getenv("VELOSTREAM_MEDIA_API")),
		Token:         strings.TrimSpace(os.Getenv("VELOSTREAM_MEDIA_TOKEN")),
		MaxAttempts:   3,
		RetryInterval: 500 * time.Millisecond,
		WatchInterval: 5 * time.Second,
	}

	if attempts := strings.TrimSpace(os.Getenv("VELOSTREAM_MEDIA_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse VELOSTREAM_MEDIA_MAX_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.MaxAttempts = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("VELOSTREAM_MEDIA_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse VELOSTREAM_MEDIA_RETRY_INTERVAL: %w", err)
		}
		if parsed > 0 {
			cfg.RetryInterval = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("VELOSTREAM_MEDIA_WATCH_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse VELOSTREAM_MEDIA_WATCH_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.WatchInterval = parsed
		}
	}

	return cfg, nil
}
