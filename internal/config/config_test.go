package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "http://localhost:8080" {
		t.Errorf("Expected default API URL, got %q", cfg.APIBaseURL)
	}
	if cfg.APIVersion != "v1" {
		t.Errorf("Expected default API version v1, got %q", cfg.APIVersion)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("Expected default request timeout 30s, got %v", cfg.RequestTimeout)
	}
	if cfg.ChatPollInterval != 800*time.Millisecond {
		t.Errorf("Expected default poll interval 800ms, got %v", cfg.ChatPollInterval)
	}
	if cfg.ChatPollFailureBudget != 3 {
		t.Errorf("Expected default poll failure budget 3, got %d", cfg.ChatPollFailureBudget)
	}
	if cfg.KeystorePath == "" {
		t.Error("Expected a non-empty default keystore path")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("SOURCELY_API_URL", "https://api.sourcely.dev")
	t.Setenv("SOURCELY_API_VERSION", "v2")
	t.Setenv("SOURCELY_CHAT_POLL_INTERVAL", "250ms")
	t.Setenv("SOURCELY_CHAT_POLL_FAILURE_BUDGET", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.APIBaseURL != "https://api.sourcely.dev" {
		t.Errorf("Expected overridden API URL, got %q", cfg.APIBaseURL)
	}
	if cfg.APIVersion != "v2" {
		t.Errorf("Expected overridden API version, got %q", cfg.APIVersion)
	}
	if cfg.ChatPollInterval != 250*time.Millisecond {
		t.Errorf("Expected overridden poll interval, got %v", cfg.ChatPollInterval)
	}
	if cfg.ChatPollFailureBudget != 1 {
		t.Errorf("Expected overridden poll failure budget, got %d", cfg.ChatPollFailureBudget)
	}
}

func TestLoad_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("SOURCELY_REQUEST_TIMEOUT", "not-a-duration")
	t.Setenv("SOURCELY_CHAT_POLL_FAILURE_BUDGET", "lots")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("Expected fallback request timeout, got %v", cfg.RequestTimeout)
	}
	if cfg.ChatPollFailureBudget != 3 {
		t.Errorf("Expected fallback poll failure budget, got %d", cfg.ChatPollFailureBudget)
	}
}

func TestLoad_RejectsNonHTTPURL(t *testing.T) {
	t.Setenv("SOURCELY_API_URL", "ftp://example.com")

	if _, err := Load(); err == nil {
		t.Error("Expected an error for a non-http(s) API URL")
	}
}

func TestValidate(t *testing.T) {
	valid := Config{
		APIBaseURL:            "http://localhost:8080",
		APIVersion:            "v1",
		RequestTimeout:        time.Second,
		KeystorePath:          "/tmp/sourcely.db",
		MinCheckingTime:       0,
		ChatPollInterval:      time.Second,
		ChatPollFailureBudget: 1,
		StubPort:              "8080",
	}
	if err := valid.Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base URL", func(c *Config) { c.APIBaseURL = "" }},
		{"empty version", func(c *Config) { c.APIVersion = "" }},
		{"empty keystore path", func(c *Config) { c.KeystorePath = "" }},
		{"zero timeout", func(c *Config) { c.RequestTimeout = 0 }},
		{"zero poll interval", func(c *Config) { c.ChatPollInterval = 0 }},
		{"zero failure budget", func(c *Config) { c.ChatPollFailureBudget = 0 }},
		{"empty stub port", func(c *Config) { c.StubPort = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Expected validation error")
			}
		})
	}
}
