// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// APIBaseURL is the Sourcely backend root.
	APIBaseURL string
	// APIVersion is the version segment of API paths.
	APIVersion string
	// RequestTimeout bounds every HTTP call, including token refresh.
	RequestTimeout time.Duration
	// KeystorePath is the SQLite file holding the token and theme slots.
	KeystorePath string
	// MinCheckingTime is the minimum time the session spends in the
	// checking state; it overlaps the verification call.
	MinCheckingTime time.Duration
	// ChatPollInterval is the chat indexing-status polling period.
	ChatPollInterval time.Duration
	// ChatPollFailureBudget is how many consecutive failed polls are
	// tolerated before the chat session is declared failed.
	ChatPollFailureBudget int
	// StubPort is the listen port for the stub backend command.
	StubPort string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		APIBaseURL:            getEnv("SOURCELY_API_URL", "http://localhost:8080"),
		APIVersion:            getEnv("SOURCELY_API_VERSION", "v1"),
		RequestTimeout:        getEnvDuration("SOURCELY_REQUEST_TIMEOUT", 30*time.Second),
		KeystorePath:          getEnv("SOURCELY_KEYSTORE_PATH", defaultKeystorePath()),
		MinCheckingTime:       getEnvDuration("SOURCELY_MIN_CHECKING_TIME", 300*time.Millisecond),
		ChatPollInterval:      getEnvDuration("SOURCELY_CHAT_POLL_INTERVAL", 800*time.Millisecond),
		ChatPollFailureBudget: getEnvInt("SOURCELY_CHAT_POLL_FAILURE_BUDGET", 3),
		StubPort:              getEnv("SOURCELY_STUB_PORT", "8080"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("SOURCELY_API_URL cannot be empty")
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("SOURCELY_API_URL must be an http(s) URL")
	}
	if c.APIVersion == "" {
		return fmt.Errorf("SOURCELY_API_VERSION cannot be empty")
	}
	if c.KeystorePath == "" {
		return fmt.Errorf("SOURCELY_KEYSTORE_PATH cannot be empty")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("SOURCELY_REQUEST_TIMEOUT must be > 0")
	}
	if c.ChatPollInterval <= 0 {
		return fmt.Errorf("SOURCELY_CHAT_POLL_INTERVAL must be > 0")
	}
	if c.ChatPollFailureBudget <= 0 {
		return fmt.Errorf("SOURCELY_CHAT_POLL_FAILURE_BUDGET must be > 0")
	}
	if c.StubPort == "" {
		return fmt.Errorf("SOURCELY_STUB_PORT cannot be empty")
	}
	return nil
}

func defaultKeystorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data/sourcely.db"
	}
	return home + "/.sourcely/sourcely.db"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
