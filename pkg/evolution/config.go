package evolution

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/issuer"
	"github.com/evolution-openai/evolution-bridge/internal/token"
	"github.com/evolution-openai/evolution-bridge/internal/transport"
)

const (
	DefaultTokenURL   = issuer.DefaultTokenURL
	DefaultTimeout    = 10 * time.Minute
	DefaultMaxRetries = transport.DefaultMaxRetries

	// NoSafetyMargin disables the safety margin, so that tokens are reused
	// until their literal expiry.
	NoSafetyMargin time.Duration = -1
)

// Config describes the API a Client talks to and how it obtains tokens.
// Zero durations and an empty TokenURL take their defaults; use
// NoSafetyMargin to disable the margin. MaxRetries is used as given, so
// start from DefaultConfig to get the default retry budget.
type Config struct {
	KeyID  string
	Secret string

	// ProjectID is sent as the x-project-id header on every request.
	ProjectID string
	BaseURL   string

	TokenURL         string
	TokenTimeout     time.Duration
	SafetyMargin     time.Duration
	FallbackLifetime time.Duration

	// Timeout bounds a whole logical request, resends included.
	Timeout    time.Duration
	MaxRetries int

	// RateLimit is the maximum number of attempts per second; zero
	// disables limiting.
	RateLimit      float64
	RateLimitBurst int

	// DefaultHeaders and DefaultQuery are added to every request built
	// with NewRequest. Values set on the request itself take precedence.
	DefaultHeaders http.Header
	DefaultQuery   url.Values
}

func DefaultConfig() Config {
	return Config{
		TokenURL:         DefaultTokenURL,
		TokenTimeout:     token.DefaultIssueTimeout,
		SafetyMargin:     token.DefaultSafetyMargin,
		FallbackLifetime: issuer.DefaultFallbackLifetime,
		Timeout:          DefaultTimeout,
		MaxRetries:       DefaultMaxRetries,
		RateLimitBurst:   10,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()

	if c.TokenURL == "" {
		c.TokenURL = d.TokenURL
	}
	if c.TokenTimeout <= 0 {
		c.TokenTimeout = d.TokenTimeout
	}
	if c.SafetyMargin == 0 {
		c.SafetyMargin = d.SafetyMargin
	}
	if c.FallbackLifetime <= 0 {
		c.FallbackLifetime = d.FallbackLifetime
	}
	if c.Timeout <= 0 {
		c.Timeout = d.Timeout
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = d.RateLimitBurst
	}

	return c
}

// safetyMargin is the margin handed to the token manager.
func (c Config) safetyMargin() time.Duration {
	return max(0, c.SafetyMargin)
}

func (c Config) baseURL() (*url.URL, error) {
	if c.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", c.BaseURL)
	}

	return u, nil
}

func (c Config) validate() error {
	if c.ProjectID == "" {
		return errors.New("project ID is required")
	}
	if c.MaxRetries < 0 {
		return errors.New("max retries must not be negative")
	}

	_, err := c.baseURL()
	return err
}

// sameIssuance reports whether both configurations obtain tokens for the
// same credential from the same place, so that a token manager can be
// shared between them.
func (c Config) sameIssuance(o Config) bool {
	return c.KeyID == o.KeyID &&
		c.Secret == o.Secret &&
		c.TokenURL == o.TokenURL &&
		c.TokenTimeout == o.TokenTimeout &&
		c.SafetyMargin == o.SafetyMargin &&
		c.FallbackLifetime == o.FallbackLifetime
}
