package ghl

import (
	"strings"
	"time"

	"github.com/wagginmeals/storefront/internal/pkg/env"
)

const (
	defaultAPIBaseURL = "https://services.leadconnectorhq.com"
	defaultAPIVersion = "2021-07-28"
	defaultRetryMax   = 2
	defaultRetryStep  = time.Second
	defaultTimeout    = 15 * time.Second
)

// Config holds the CRM credentials and transport tuning. Every field is
// optional: a missing key or webhook URL disables the matching integration.
type Config struct {
	APIKey     string
	LocationID string
	WebhookURL string
	BaseURL    string
	APIVersion string

	// RetryMax is the number of retries after the first attempt.
	RetryMax int
	// RetryStep is multiplied by the retry number to get the wait before it.
	RetryStep time.Duration
	Timeout   time.Duration
}

// ConfigFromEnv reads GHL_* settings.
func ConfigFromEnv() Config {
	cfg := Config{
		APIKey:     strings.TrimSpace(env.GetEnv("GHL_API_KEY", "")),
		LocationID: strings.TrimSpace(env.GetEnv("GHL_LOCATION_ID", "")),
		WebhookURL: strings.TrimSpace(env.GetEnv("GHL_WEBHOOK_URL", "")),
		BaseURL:    strings.TrimSpace(env.GetEnv("GHL_API_BASE_URL", defaultAPIBaseURL)),
		APIVersion: strings.TrimSpace(env.GetEnv("GHL_API_VERSION", defaultAPIVersion)),
		RetryMax:   defaultRetryMax,
		RetryStep:  defaultRetryStep,
		Timeout:    defaultTimeout,
	}
	cfg.RetryMax = env.GetEnvInt("GHL_RETRY_MAX", defaultRetryMax, 0)
	if secs := env.GetEnvInt("GHL_TIMEOUT_SECONDS", 0, 1); secs > 0 {
		cfg.Timeout = time.Duration(secs) * time.Second
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = defaultAPIBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.APIVersion == "" {
		c.APIVersion = defaultAPIVersion
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryStep <= 0 {
		c.RetryStep = defaultRetryStep
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return c
}

// HasCredentials reports whether contact sync can run.
func (c Config) HasCredentials() bool {
	return c.APIKey != "" && c.LocationID != ""
}
