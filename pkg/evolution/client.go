// Package evolution is an HTTP client for bearer token protected APIs that
// authenticate with a key/secret pair. Tokens are obtained, cached and
// refreshed transparently; a request refused with 401 or 403 is resent once
// a replacement token has been issued.
package evolution

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/evolution-openai/evolution-bridge/internal/authn"
	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/evolution-openai/evolution-bridge/internal/issuer"
	"github.com/evolution-openai/evolution-bridge/internal/server"
	"github.com/evolution-openai/evolution-bridge/internal/token"
	"github.com/evolution-openai/evolution-bridge/internal/transport"
	"golang.org/x/oauth2"
)

// ErrInvalidCredential matches a CredentialError with errors.Is.
var ErrInvalidCredential = credential.ErrInvalidCredential

type (
	// CredentialError reports a missing or malformed key id or secret.
	CredentialError = credential.Error

	// IssuanceError reports a failed token exchange.
	IssuanceError = issuer.Error

	TokenInfo = token.Info
)

// ProjectIDHeader is the tenant header sent with every request.
const ProjectIDHeader = authn.ProjectIDHeader

type options struct {
	lazyToken      bool
	transport      http.RoundTripper
	identityClient *http.Client
	retryPolicy    transport.RetryPolicy
}

type Option func(*options)

// WithLazyToken defers the first token exchange to the first request
// instead of performing it in New.
func WithLazyToken() Option {
	return func(o *options) {
		o.lazyToken = true
	}
}

// WithHTTPTransport sets the transport API requests are sent through. The
// default is http.DefaultTransport.
func WithHTTPTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// WithIdentityHTTPClient sets the client used for token exchanges.
func WithIdentityHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.identityClient = c
	}
}

// WithRetryPolicy replaces the policy for responses other than
// authorization failures.
func WithRetryPolicy(p transport.RetryPolicy) Option {
	return func(o *options) {
		o.retryPolicy = p
	}
}

// Client sends authenticated requests to the API. It is safe for concurrent
// use.
type Client struct {
	cfg        Config
	opts       options
	baseURL    *url.URL
	tokens     *token.Manager
	httpClient *http.Client

	closeOnce sync.Once
	shutdown  server.ShutdownHooks
}

// New validates the configuration and credential and, unless WithLazyToken
// is given, obtains the first token so that a bad credential surfaces here.
func New(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tokens, err := newTokenManager(cfg, o)
	if err != nil {
		return nil, err
	}

	c, err := build(cfg, o, tokens)
	if err != nil {
		return nil, err
	}

	// derived clients share the transport, so only the root closes its
	// connections
	c.shutdown.Add("idle connections", func() error {
		c.httpClient.CloseIdleConnections()
		return nil
	})

	if !o.lazyToken {
		if _, err := tokens.GetValidToken(ctx); err != nil {
			return nil, fmt.Errorf("obtaining initial token: %w", err)
		}
	}

	return c, nil
}

func newTokenManager(cfg Config, o options) (*token.Manager, error) {
	cred, err := credential.New(cfg.KeyID, cfg.Secret)
	if err != nil {
		return nil, err
	}

	issuerOpts := []issuer.Option{issuer.WithFallbackLifetime(cfg.FallbackLifetime)}
	if o.identityClient != nil {
		issuerOpts = append(issuerOpts, issuer.WithHTTPClient(o.identityClient))
	}

	return token.NewManager(
		cred,
		issuer.NewInstrumented(issuer.New(cfg.TokenURL, issuerOpts...)),
		token.WithSafetyMargin(cfg.safetyMargin()),
		token.WithIssueTimeout(cfg.TokenTimeout),
	), nil
}

func build(cfg Config, o options, tokens *token.Manager) (*Client, error) {
	base, err := cfg.baseURL()
	if err != nil {
		return nil, err
	}

	auth := authn.New(tokens, cfg.ProjectID, o.retryPolicy)
	rt := transport.New(o.transport, auth,
		transport.WithMaxRetries(cfg.MaxRetries),
		transport.WithRateLimit(cfg.RateLimit, cfg.RateLimitBurst),
	)

	return &Client{
		cfg:        cfg,
		opts:       o,
		baseURL:    base,
		tokens:     tokens,
		httpClient: &http.Client{Transport: rt, Timeout: cfg.Timeout},
	}, nil
}

// WithOptions returns a client with a modified copy of this client's
// configuration. The token manager is shared when the credential and
// identity settings are unchanged; pending refresh state never is. The
// derived client sends through the same transport, and closing it leaves
// that transport's connections open.
func (c *Client) WithOptions(modify func(*Config)) (*Client, error) {
	cfg := c.cfg
	cfg.DefaultHeaders = c.cfg.DefaultHeaders.Clone()
	cfg.DefaultQuery = cloneValues(c.cfg.DefaultQuery)
	modify(&cfg)

	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tokens := c.tokens
	if !cfg.sameIssuance(c.cfg) {
		var err error
		if tokens, err = newTokenManager(cfg, c.opts); err != nil {
			return nil, err
		}
	}

	return build(cfg, c.opts, tokens)
}

// HTTPClient returns the authenticating client. Requests sent through it
// are not resolved against the base URL; use NewRequest for that.
func (c *Client) HTTPClient() *http.Client {
	return c.httpClient
}

func (c *Client) ProjectID() string {
	return c.cfg.ProjectID
}

func (c *Client) BaseURL() *url.URL {
	u := *c.baseURL
	return &u
}

// NewRequest creates a request for path relative to the base URL, carrying
// the configured default headers and query parameters. Absolute URLs are
// used as given apart from the defaults.
func (c *Client) NewRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, err
	}

	for k, vs := range c.cfg.DefaultHeaders {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if body != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	return req, nil
}

func (c *Client) resolve(path string) (*url.URL, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("invalid request path %q: %w", path, err)
	}

	u := ref
	if !ref.IsAbs() {
		u = c.baseURL.JoinPath(ref.Path)
		u.RawQuery = ref.RawQuery
	}

	if len(c.cfg.DefaultQuery) > 0 {
		q := u.Query()
		for k, vs := range c.cfg.DefaultQuery {
			if !q.Has(k) {
				q[k] = append([]string(nil), vs...)
			}
		}
		u.RawQuery = q.Encode()
	}

	return u, nil
}

func cloneValues(v url.Values) url.Values {
	if v == nil {
		return nil
	}

	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

// Do sends the request, authenticating every attempt.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.httpClient.Do(req)
}

// CurrentToken returns a valid access token, issuing one when needed.
func (c *Client) CurrentToken(ctx context.Context) (string, error) {
	t, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return "", err
	}
	return t.Value, nil
}

// RefreshToken discards the current token and issues a replacement.
func (c *Client) RefreshToken(ctx context.Context) (string, error) {
	t, err := c.tokens.Refresh(ctx, "")
	if err != nil {
		return "", err
	}
	return t.Value, nil
}

func (c *Client) IsTokenValid() bool {
	return c.tokens.IsTokenValid()
}

func (c *Client) TokenInfo() TokenInfo {
	return c.tokens.TokenInfo()
}

// TokenSource adapts the client's tokens for golang.org/x/oauth2 consumers.
func (c *Client) TokenSource(ctx context.Context) oauth2.TokenSource {
	return c.tokens.TokenSource(ctx)
}

// Close releases idle connections. Failures are logged, never returned, and
// calls after the first do nothing.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.shutdown.Execute(context.Background())
	})
}
