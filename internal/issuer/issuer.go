// Package issuer exchanges a key/secret credential for an access token at an
// HTTP identity endpoint.
package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/evolution-openai/evolution-bridge/internal/token"
	"github.com/golang-jwt/jwt/v4"
	"github.com/rs/zerolog/log"
)

const (
	DefaultTokenURL         = "https://iam.api.cloud.ru/api/v1/auth/token"
	DefaultFallbackLifetime = 5 * time.Minute

	// declared lifetimes beyond this are clamped; larger values would
	// overflow time.Duration
	maxTokenLifetime = 365 * 24 * time.Hour

	// error bodies are only read for diagnostics
	maxErrorBodyBytes = 4 << 10
	maxBodyBytes      = 1 << 20
)

type tokenRequest struct {
	KeyID  string `json:"keyId"`
	Secret string `json:"secret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// HTTPIssuer performs the token exchange with a single POST. It does not
// retry; retrying is decided by its callers.
type HTTPIssuer struct {
	tokenURL         string
	client           *http.Client
	fallbackLifetime time.Duration
	now              func() time.Time
}

// Option configures an HTTPIssuer.
type Option func(*HTTPIssuer)

// WithHTTPClient sets the client used for the exchange. The default is
// http.DefaultClient, which is instrumented at startup.
func WithHTTPClient(client *http.Client) Option {
	return func(i *HTTPIssuer) {
		i.client = client
	}
}

// WithFallbackLifetime sets the lifetime assumed when the endpoint declares
// none and the token carries no readable expiry.
func WithFallbackLifetime(lifetime time.Duration) Option {
	return func(i *HTTPIssuer) {
		i.fallbackLifetime = lifetime
	}
}

func New(tokenURL string, opts ...Option) *HTTPIssuer {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}

	i := &HTTPIssuer{
		tokenURL:         tokenURL,
		client:           http.DefaultClient,
		fallbackLifetime: DefaultFallbackLifetime,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}

	return i
}

// Issue exchanges the credential for a token. The context deadline bounds
// the whole exchange, including reading the response.
func (i *HTTPIssuer) Issue(ctx context.Context, cred credential.Credential) (token.Token, error) {
	body, err := json.Marshal(tokenRequest{
		KeyID:  cred.KeyID(),
		Secret: cred.Secret(),
	})
	if err != nil {
		return token.Token{}, &Error{Kind: KindMalformed, Err: fmt.Errorf("encoding token request: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, i.tokenURL, bytes.NewReader(body))
	if err != nil {
		return token.Token{}, &Error{Kind: KindNetwork, Err: fmt.Errorf("creating token request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	issuedAt := i.now()

	resp, err := i.client.Do(req)
	if err != nil {
		return token.Token{}, transportError(ctx, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return token.Token{}, statusError(resp)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return token.Token{}, transportError(ctx, err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(payload, &tr); err != nil {
		return token.Token{}, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding token response: %w", err)}
	}

	if tr.AccessToken == "" {
		return token.Token{}, &Error{Kind: KindMalformed, StatusCode: resp.StatusCode, Err: errors.New("token response has no access_token")}
	}

	return token.Token{
		Value:     tr.AccessToken,
		Type:      tokenType(tr.TokenType),
		IssuedAt:  issuedAt,
		ExpiresAt: i.expiry(issuedAt, tr),
	}, nil
}

// expiry prefers the declared lifetime, then the JWT exp claim, then the
// fallback lifetime.
func (i *HTTPIssuer) expiry(issuedAt time.Time, tr tokenResponse) time.Time {
	if tr.ExpiresIn > 0 {
		if tr.ExpiresIn > int64(maxTokenLifetime/time.Second) {
			log.Warn().Int64("expiresIn", tr.ExpiresIn).Msg("declared token lifetime clamped")
			return issuedAt.Add(maxTokenLifetime)
		}
		return issuedAt.Add(time.Duration(tr.ExpiresIn) * time.Second)
	}

	if exp, ok := jwtExpiry(tr.AccessToken); ok && exp.After(issuedAt) {
		log.Debug().Time("expiresAt", exp).Msg("token lifetime taken from JWT exp claim")
		return exp
	}

	log.Warn().
		Dur("fallbackLifetime", i.fallbackLifetime).
		Msg("identity endpoint declared no token lifetime, using fallback")
	return issuedAt.Add(i.fallbackLifetime)
}

// jwtExpiry reads the exp claim without verifying the signature: the token
// was just received from the trusted identity endpoint, and the value only
// schedules the next refresh.
func jwtExpiry(raw string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(raw, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}

	return claims.ExpiresAt.Time, true
}

func tokenType(t string) string {
	if t == "" {
		return "Bearer"
	}
	return t
}

func transportError(ctx context.Context, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}

	return &Error{Kind: KindNetwork, Err: err}
}

func statusError(resp *http.Response) *Error {
	kind := KindStatus
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		kind = KindRejected
	}

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))

	issueErr := &Error{Kind: kind, StatusCode: resp.StatusCode}
	if len(bytes.TrimSpace(detail)) > 0 {
		issueErr.Err = fmt.Errorf("identity endpoint responded: %s", bytes.TrimSpace(detail))
	}

	return issueErr
}
