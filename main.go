package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"runtime/debug"
	"strings"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/config"
	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/evolution-openai/evolution-bridge/internal/issuer"
	"github.com/evolution-openai/evolution-bridge/internal/observe"
	"github.com/evolution-openai/evolution-bridge/internal/proxy"
	"github.com/evolution-openai/evolution-bridge/internal/server"
	"github.com/evolution-openai/evolution-bridge/pkg/evolution"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/justinas/alice"
)

func configureServerRoutes(registry *proxy.Registry) http.Handler {
	// wrap a mux such that HTTP telemetry is configured by default
	mux := observe.NewMux(http.NewServeMux())

	// The token routes take no meaningful body, so what they accept is
	// limited. Proxied bodies are passed through unrestricted.
	requestLimitBytes := int64(20 << 10) // 20 KB
	requestLimiter := maxRequestSize(requestLimitBytes)

	tokenRouteMiddleware := alice.New(proxy.Correlation, requestLimiter)
	proxyRouteMiddleware := alice.New(proxy.Correlation)

	mux.Handle("GET /token/info", tokenRouteMiddleware.Then(handleTokenInfo(registry)))
	mux.Handle("POST /token/refresh", tokenRouteMiddleware.Then(handleTokenRefresh(registry)))

	mux.Handle("/", proxyRouteMiddleware.Then(handleProxy(registry)))

	// healthchecks are not included in telemetry
	mux.HandleUnobserved("GET /healthcheck", alice.New(requestLimiter).Then(handleHealthCheck()))

	return mux
}

func main() {
	configureLogging()

	logBuildInfo()

	err := launchServer()
	if err != nil {
		log.Fatal().Err(err).Msg("server failed to start")
	}
}

func launchServer() error {
	ctx := context.Background()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("configuration load failed: %w", err)
	}

	// configure telemetry, including wrapping default HTTP client
	shutdownTelemetry, err := observe.Configure(ctx, cfg.Observe)
	if err != nil {
		return fmt.Errorf("telemetry bootstrap failed: %w", err)
	}

	http.DefaultTransport = observe.HTTPTransport(
		configureHTTPTransport(cfg.Server),
		cfg.Observe,
	)
	http.DefaultClient = &http.Client{
		Transport: http.DefaultTransport,
	}

	cred, err := cfg.Credential.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("credential configuration failed: %w", err)
	}

	client, err := evolution.New(ctx, clientConfig(cfg, cred),
		evolution.WithLazyToken(),
		evolution.WithHTTPTransport(http.DefaultTransport),
		evolution.WithIdentityHTTPClient(http.DefaultClient),
	)
	if err != nil {
		return fmt.Errorf("client configuration failed: %w", err)
	}

	if err := warmToken(ctx, client); err != nil {
		return err
	}

	registry, err := proxy.NewRegistry(client, cfg.Server.TenantCacheSize, cfg.Server.TenantIdleTimeout())
	if err != nil {
		return fmt.Errorf("tenant registry configuration failed: %w", err)
	}

	var hooks server.ShutdownHooks
	hooks.AddClose("tenant clients", registry)
	hooks.AddClose("client", client)
	hooks.AddContext("telemetry", shutdownTelemetry)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           configureServerRoutes(registry),
		MaxHeaderBytes:    20 << 10,         // 20 KB
		ReadHeaderTimeout: 20 * time.Second, // Prevent Slowloris attacks
	}

	err = server.Serve(ctx, srv, cfg.Server.ShutdownTimeout(), &hooks)
	if err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// warmToken obtains the first token before serving. A refused credential
// stops startup; a transient failure only delays issuance to the first
// request.
func warmToken(ctx context.Context, client *evolution.Client) error {
	_, err := client.CurrentToken(ctx)
	if err == nil {
		log.Info().Msg("initial access token obtained")
		return nil
	}

	if issuer.IsRejected(err) {
		return fmt.Errorf("credential rejected by identity service: %w", err)
	}

	log.Warn().Err(err).Msg("initial access token unavailable, continuing")
	return nil
}

func clientConfig(cfg config.Config, cred credential.Credential) evolution.Config {
	margin := cfg.Token.SafetyMargin()
	if margin == 0 {
		margin = evolution.NoSafetyMargin
	}

	return evolution.Config{
		KeyID:            cred.KeyID(),
		Secret:           cred.Secret(),
		ProjectID:        cfg.API.ProjectID,
		BaseURL:          cfg.API.BaseURL,
		TokenURL:         cfg.Identity.TokenURL,
		TokenTimeout:     cfg.Identity.TokenTimeout(),
		SafetyMargin:     margin,
		FallbackLifetime: cfg.Token.FallbackLifetime(),
		Timeout:          cfg.API.Timeout(),
		MaxRetries:       cfg.API.MaxRetries,
		RateLimit:        cfg.API.RateLimitRPS,
		RateLimitBurst:   cfg.API.RateLimitBurst,
	}
}

func configureLogging() {
	// Set global level to the minimum: allows the Open Telemetry logging to be
	// configured separately. However, it means that any logger that sets its
	// level will log as this effectively disables the global level.
	zerolog.SetGlobalLevel(zerolog.Level(-128))

	// default level is Info
	log.Logger = log.Level(zerolog.InfoLevel)

	if os.Getenv("ENV") == "development" {
		log.Logger = log.
			Output(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.DebugLevel)
	}

	zerolog.DefaultContextLogger = &log.Logger
}

func logBuildInfo() {
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	ev := log.Info()
	for _, v := range buildInfo.Settings {
		if strings.HasPrefix(v.Key, "vcs.") ||
			strings.HasPrefix(v.Key, "GO") ||
			v.Key == "CGO_ENABLED" {
			ev = ev.Str(v.Key, v.Value)
		}
	}

	ev.Msg("build information")
}

func configureHTTPTransport(cfg config.ServerConfig) *http.Transport {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	transport.MaxIdleConns = cfg.OutgoingHTTPMaxIdleConns
	transport.MaxConnsPerHost = cfg.OutgoingHTTPMaxConnsPerHost

	return transport
}
