package token

import (
	"context"

	"golang.org/x/oauth2"
)

// tokenSource adapts the Manager to oauth2.TokenSource so that clients built
// on golang.org/x/oauth2 share the managed token.
type tokenSource struct {
	ctx     context.Context
	manager *Manager
}

// TokenSource returns an oauth2.TokenSource backed by the manager. The
// manager already caches, so the source is not wrapped in
// oauth2.ReuseTokenSource.
func (m *Manager) TokenSource(ctx context.Context) oauth2.TokenSource {
	return &tokenSource{
		ctx:     ctx,
		manager: m,
	}
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	t, err := s.manager.GetValidToken(s.ctx)
	if err != nil {
		return nil, err
	}

	tokenType := t.Type
	if tokenType == "" {
		tokenType = "Bearer"
	}

	return &oauth2.Token{
		AccessToken: t.Value,
		TokenType:   tokenType,
		Expiry:      t.ExpiresAt,
	}, nil
}
