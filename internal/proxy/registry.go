// Package proxy holds the pieces of the authenticating sidecar that sit
// between inbound requests and the API client: the per-tenant client
// registry and request correlation.
package proxy

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/cache"
	"github.com/evolution-openai/evolution-bridge/pkg/evolution"
	"github.com/rs/zerolog/log"
)

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// InvalidProjectError reports a tenant identifier that cannot be used.
type InvalidProjectError struct {
	ProjectID string
}

func (e InvalidProjectError) Error() string {
	return fmt.Sprintf("invalid project id %q", e.ProjectID)
}

func (e InvalidProjectError) Status() (int, string) {
	return http.StatusBadRequest, "invalid " + evolution.ProjectIDHeader + " header"
}

// Registry hands out one client per tenant. Tenant clients are derived from
// the default client, so all of them share its token manager; only the
// tenant header and pending refresh state differ.
type Registry struct {
	defaultClient *evolution.Client
	clients       cache.Store[*evolution.Client]
	memory        *cache.Memory[*evolution.Client]
}

// NewRegistry creates a registry holding at most size tenant clients.
// Clients unused for idle are closed and dropped.
func NewRegistry(defaultClient *evolution.Client, size int, idle time.Duration) (*Registry, error) {
	memory, err := cache.NewMemory(cache.MemoryOptions[*evolution.Client]{
		MaxSize: size,
		TTL:     idle,
		Expiry:  cache.ExpireAfterAccess,
		OnRemove: func(projectID string, c *evolution.Client) {
			log.Debug().Str("projectID", projectID).Msg("tenant client released")
			c.Close()
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tenant cache: %w", err)
	}

	return &Registry{
		defaultClient: defaultClient,
		clients:       cache.NewInstrumented[*evolution.Client](memory, "tenant_clients"),
		memory:        memory,
	}, nil
}

// Default returns the client for the configured project.
func (r *Registry) Default() *evolution.Client {
	return r.defaultClient
}

// Client returns the client for projectID, or the default client when
// projectID is empty or names the default project.
func (r *Registry) Client(ctx context.Context, projectID string) (*evolution.Client, error) {
	if projectID == "" || projectID == r.defaultClient.ProjectID() {
		return r.defaultClient, nil
	}

	if !projectIDPattern.MatchString(projectID) {
		return nil, InvalidProjectError{ProjectID: projectID}
	}

	return r.clients.Load(ctx, projectID, func(ctx context.Context, projectID string) (*evolution.Client, error) {
		log.Ctx(ctx).Info().Str("projectID", projectID).Msg("creating tenant client")

		return r.defaultClient.WithOptions(func(cfg *evolution.Config) {
			cfg.ProjectID = projectID
		})
	})
}

// Len returns the number of cached tenant clients.
func (r *Registry) Len() int {
	return r.memory.Len()
}

// Close releases all tenant clients. The default client is left open.
func (r *Registry) Close() {
	if err := r.clients.Close(); err != nil {
		log.Warn().Err(err).Msg("closing tenant clients failed")
	}
}

type clientKey struct{}

// WithClient returns a context carrying the client selected for a request.
func WithClient(ctx context.Context, c *evolution.Client) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// ClientFromContext returns the client stored by WithClient.
func ClientFromContext(ctx context.Context) (*evolution.Client, bool) {
	c, ok := ctx.Value(clientKey{}).(*evolution.Client)
	return c, ok
}

// Transport sends each request through the authenticating transport of the
// client stored in its context.
func Transport() http.RoundTripper {
	return roundTripperFunc(func(req *http.Request) (*http.Response, error) {
		c, ok := ClientFromContext(req.Context())
		if !ok {
			return nil, fmt.Errorf("no client selected for request to %s", req.URL.Redacted())
		}
		return c.HTTPClient().Transport.RoundTrip(req)
	})
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}
