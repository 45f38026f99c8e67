package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	IssuanceConfig

	API     APIConfig
	Observe ObserveConfig
	Server  ServerConfig
}

// IssuanceConfig is the subset of configuration needed to obtain tokens
// without talking to the API itself.
type IssuanceConfig struct {
	Credential CredentialConfig
	Identity   IdentityConfig
	Token      TokenConfig
}

type CredentialConfig struct {
	KeyID  string `env:"EVOLUTION_KEY_ID"`
	Secret string `env:"EVOLUTION_SECRET"`

	// SecretKMSCiphertext is the base64 encoded, AWS KMS encrypted secret. It
	// is an alternative to Secret.
	SecretKMSCiphertext string `env:"EVOLUTION_SECRET_KMS_CIPHERTEXT"`
}

type IdentityConfig struct {
	TokenURL            string `env:"EVOLUTION_TOKEN_URL, default=https://iam.api.cloud.ru/api/v1/auth/token"`
	TokenTimeoutSeconds int    `env:"EVOLUTION_TOKEN_TIMEOUT_SECS, default=30"`
}

type TokenConfig struct {
	SafetyMarginSeconds     int `env:"EVOLUTION_TOKEN_SAFETY_MARGIN_SECS, default=30"`
	FallbackLifetimeSeconds int `env:"EVOLUTION_TOKEN_FALLBACK_LIFETIME_SECS, default=300"`
}

type APIConfig struct {
	BaseURL   string `env:"EVOLUTION_BASE_URL, required"`
	ProjectID string `env:"EVOLUTION_PROJECT_ID, required"`

	TimeoutSeconds int     `env:"EVOLUTION_TIMEOUT_SECS, default=600"`
	MaxRetries     int     `env:"EVOLUTION_MAX_RETRIES, default=2"`
	RateLimitRPS   float64 `env:"EVOLUTION_RATE_LIMIT_RPS, default=0"`
	RateLimitBurst int     `env:"EVOLUTION_RATE_LIMIT_BURST, default=10"`
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`

	// TenantCacheSize bounds the number of per-project clients kept by the
	// proxy.
	TenantCacheSize          int `env:"SERVER_TENANT_CACHE_SIZE, default=1000"`
	TenantIdleTimeoutSeconds int `env:"SERVER_TENANT_IDLE_TIMEOUT_SECS, default=900"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=evolution-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	if err := process(ctx, &cfg, lookup); err != nil {
		return cfg, err
	}

	if err := cfg.IssuanceConfig.Validate(); err != nil {
		return cfg, err
	}

	if err := cfg.API.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid API configuration: %w", err)
	}

	if err := cfg.Observe.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid observability configuration: %w", err)
	}

	return cfg, nil
}

// LoadIssuance reads only the settings required to obtain tokens.
func LoadIssuance(ctx context.Context) (IssuanceConfig, error) {
	return loadIssuance(ctx, nil)
}

func loadIssuance(ctx context.Context, lookup envconfig.Lookuper) (IssuanceConfig, error) {
	var cfg IssuanceConfig
	if err := process(ctx, &cfg, lookup); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

func process(ctx context.Context, target any, lookup envconfig.Lookuper) error {
	return envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   target,
		Lookuper: lookup, // nil defaults to OS environment
	})
}

func (c IssuanceConfig) Validate() error {
	if err := c.Credential.Validate(); err != nil {
		return fmt.Errorf("invalid credential configuration: %w", err)
	}

	if err := c.Identity.Validate(); err != nil {
		return fmt.Errorf("invalid identity configuration: %w", err)
	}

	if c.Token.SafetyMarginSeconds < 0 {
		return errors.New("EVOLUTION_TOKEN_SAFETY_MARGIN_SECS must not be negative")
	}
	if c.Token.FallbackLifetimeSeconds <= 0 {
		return errors.New("EVOLUTION_TOKEN_FALLBACK_LIFETIME_SECS must be positive")
	}

	return nil
}

// Validate checks that exactly one source for the secret is configured.
// Content checks of the key and secret happen when the credential is built.
func (c CredentialConfig) Validate() error {
	if c.KeyID == "" {
		return errors.New("EVOLUTION_KEY_ID is required")
	}

	switch {
	case c.Secret == "" && c.SecretKMSCiphertext == "":
		return errors.New("one of EVOLUTION_SECRET or EVOLUTION_SECRET_KMS_CIPHERTEXT is required")
	case c.Secret != "" && c.SecretKMSCiphertext != "":
		return errors.New("EVOLUTION_SECRET and EVOLUTION_SECRET_KMS_CIPHERTEXT are mutually exclusive")
	}

	return nil
}

// Resolve builds the credential, decrypting the secret with AWS KMS when it
// was supplied as ciphertext.
func (c CredentialConfig) Resolve(ctx context.Context) (credential.Credential, error) {
	return c.resolve(ctx, credential.NewKMSClient)
}

func (c CredentialConfig) resolve(ctx context.Context, newKMS func(context.Context) (credential.KMSClient, error)) (credential.Credential, error) {
	if c.SecretKMSCiphertext == "" {
		return credential.New(c.KeyID, c.Secret)
	}

	client, err := newKMS(ctx)
	if err != nil {
		return credential.Credential{}, err
	}

	return credential.FromKMS(ctx, client, c.KeyID, c.SecretKMSCiphertext)
}

func (c IdentityConfig) Validate() error {
	if err := validateURL(c.TokenURL); err != nil {
		return fmt.Errorf("EVOLUTION_TOKEN_URL: %w", err)
	}
	if c.TokenTimeoutSeconds <= 0 {
		return errors.New("EVOLUTION_TOKEN_TIMEOUT_SECS must be positive")
	}
	return nil
}

func (c IdentityConfig) TokenTimeout() time.Duration {
	return time.Duration(c.TokenTimeoutSeconds) * time.Second
}

func (c TokenConfig) SafetyMargin() time.Duration {
	return time.Duration(c.SafetyMarginSeconds) * time.Second
}

func (c TokenConfig) FallbackLifetime() time.Duration {
	return time.Duration(c.FallbackLifetimeSeconds) * time.Second
}

func (c APIConfig) Validate() error {
	if err := validateURL(c.BaseURL); err != nil {
		return fmt.Errorf("EVOLUTION_BASE_URL: %w", err)
	}
	if c.MaxRetries < 0 {
		return errors.New("EVOLUTION_MAX_RETRIES must not be negative")
	}
	if c.RateLimitRPS < 0 {
		return errors.New("EVOLUTION_RATE_LIMIT_RPS must not be negative")
	}
	return nil
}

func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Validate checks the exporter type is one that can be configured.
func (c ObserveConfig) Validate() error {
	switch c.Type {
	case "grpc", "stdout":
		return nil
	default:
		return fmt.Errorf("unsupported OBSERVE_TYPE %q, expected grpc or stdout", c.Type)
	}
}

func (c ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

func (c ServerConfig) TenantIdleTimeout() time.Duration {
	return time.Duration(c.TenantIdleTimeoutSeconds) * time.Second
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is required")
	}
	return nil
}
