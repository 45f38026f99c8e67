// Package authn attaches a valid bearer token and the tenant header to
// outgoing API requests, and turns authorization failures into a forced
// token refresh followed by a resend.
package authn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/evolution-openai/evolution-bridge/internal/token"
	"github.com/evolution-openai/evolution-bridge/internal/transport"
	"github.com/rs/zerolog/log"
)

// ProjectIDHeader carries the tenant identifier on every API request.
const ProjectIDHeader = "x-project-id"

// TokenProvider supplies bearer tokens. It is satisfied by *token.Manager.
type TokenProvider interface {
	GetValidToken(ctx context.Context) (token.Token, error)
	Refresh(ctx context.Context, stale string) (token.Token, error)
}

// Authenticator implements transport.Hooks. A pending forced refresh is
// owned by the instance: a 401 seen by one client never forces a refresh in
// another, although both may share a TokenProvider.
type Authenticator struct {
	tokens    TokenProvider
	projectID string
	fallback  transport.RetryPolicy

	// rejected bearer value awaiting a forced refresh, nil when none
	pending atomic.Pointer[string]
}

var _ transport.Hooks = (*Authenticator)(nil)

// New creates an Authenticator. Responses other than authorization
// failures are judged by fallback, or by transport.DefaultShouldRetry when
// fallback is nil.
func New(tokens TokenProvider, projectID string, fallback transport.RetryPolicy) *Authenticator {
	if fallback == nil {
		fallback = transport.DefaultShouldRetry
	}

	return &Authenticator{
		tokens:    tokens,
		projectID: projectID,
		fallback:  fallback,
	}
}

// ProjectID returns the tenant this authenticator stamps on requests.
func (a *Authenticator) ProjectID() string {
	return a.projectID
}

// ShouldRetry flags a forced refresh and requests a resend when the API
// refused the request's credentials (401 or 403).
func (a *Authenticator) ShouldRetry(resp *http.Response) bool {
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return a.fallback(resp)
	}

	ctx := context.Background()
	rejected := ""
	if resp.Request != nil {
		ctx = resp.Request.Context()
		rejected = bearerValue(resp.Request)
	}

	a.pending.Store(&rejected)
	recordForcedRefresh(ctx, resp.StatusCode)

	log.Ctx(ctx).Info().
		Int("status", resp.StatusCode).
		Str("projectID", a.projectID).
		Msg("authorization refused, token refresh scheduled")

	return true
}

// PrepareRequest sets the Authorization and tenant headers. When a forced
// refresh is pending it is consumed here, and the token that the API refused
// is replaced before the request is sent. Calling it again for a resend of
// the same request overwrites the headers rather than adding to them.
func (a *Authenticator) PrepareRequest(req *http.Request) error {
	ctx := req.Context()

	var (
		t   token.Token
		err error
	)
	if rejected := a.pending.Swap(nil); rejected != nil {
		t, err = a.tokens.Refresh(ctx, *rejected)
	} else {
		t, err = a.tokens.GetValidToken(ctx)
	}
	if err != nil {
		return fmt.Errorf("obtaining access token: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+t.Value)
	req.Header.Set(ProjectIDHeader, a.projectID)

	return nil
}

func bearerValue(req *http.Request) string {
	v, ok := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return ""
	}
	return v
}
