package token

import (
	"context"
	"errors"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultSafetyMargin = 30 * time.Second
	DefaultIssueTimeout = 30 * time.Second

	// there is a single credential per manager, so all issuance shares one
	// flight
	flightKey = "issue"
)

// Info is a diagnostic snapshot of the managed token. It never includes the
// token value or any part of the credential.
type Info struct {
	IsValid          bool      `json:"isValid"`
	HasToken         bool      `json:"hasToken"`
	Invalidated      bool      `json:"invalidated"`
	IssuedAt         time.Time `json:"issuedAt,omitzero"`
	ExpiresAt        time.Time `json:"expiresAt,omitzero"`
	SecondsRemaining int64     `json:"secondsRemaining"`
}

type managerOptions struct {
	margin       time.Duration
	issueTimeout time.Duration
	now          func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

// WithSafetyMargin sets how long before its literal expiry a token stops
// being reused.
func WithSafetyMargin(margin time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.margin = margin
	}
}

// WithIssueTimeout bounds each issuance exchange. A non-positive value
// disables the bound, leaving only the issuer's own transport timeouts.
func WithIssueTimeout(timeout time.Duration) ManagerOption {
	return func(o *managerOptions) {
		o.issueTimeout = timeout
	}
}

func withClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) {
		o.now = now
	}
}

// Manager supplies valid tokens for a single credential. It is safe for
// concurrent use: concurrent callers that miss the cache share a single
// in-flight issuance, and its result (or error) is delivered to each of
// them. Failures are not cached.
type Manager struct {
	cred   credential.Credential
	issuer Issuer
	cache  *Cache
	flight singleflight.Group

	issueTimeout time.Duration
	now          func() time.Time
}

func NewManager(cred credential.Credential, issuer Issuer, opts ...ManagerOption) *Manager {
	options := &managerOptions{
		margin:       DefaultSafetyMargin,
		issueTimeout: DefaultIssueTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(options)
	}

	return &Manager{
		cred:         cred,
		issuer:       issuer,
		cache:        newCache(options.margin, options.now),
		issueTimeout: options.issueTimeout,
		now:          options.now,
	}
}

// GetValidToken returns the cached token, or issues a new one when the cache
// is empty, expired or invalidated.
//
// Failures are returned as *IssueError. The issuance itself is detached from
// the caller's cancellation, as other callers may be waiting on the same
// flight, and completes to populate the cache for later calls. A caller
// whose deadline passes first gets a KindTimeout *IssueError wrapping
// context.DeadlineExceeded; a cancelled caller gets context.Canceled.
func (m *Manager) GetValidToken(ctx context.Context) (Token, error) {
	if t, ok := m.cache.Get(); ok {
		return t, nil
	}

	ch := m.flight.DoChan(flightKey, func() (any, error) {
		return m.issue(ctx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	case <-ctx.Done():
		return Token{}, waitError(ctx.Err())
	}
}

func waitError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &IssueError{Kind: KindTimeout, Err: err}
	}
	return err
}

// asIssueError classifies a failure from an Issuer that did not return an
// *IssueError itself.
func asIssueError(err error) error {
	var issueErr *IssueError
	if errors.As(err, &issueErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &IssueError{Kind: KindTimeout, Err: err}
	}
	return &IssueError{Kind: KindNetwork, Err: err}
}

func (m *Manager) issue(ctx context.Context) (Token, error) {
	// A flight that finished between this caller's cache miss and it
	// starting a new flight has already stored a usable token.
	if t, ok := m.cache.Get(); ok {
		return t, nil
	}

	issueCtx := context.WithoutCancel(ctx)
	if m.issueTimeout > 0 {
		var cancel context.CancelFunc
		issueCtx, cancel = context.WithTimeout(issueCtx, m.issueTimeout)
		defer cancel()
	}

	logger := log.Ctx(ctx).With().Object("credential", m.cred).Logger()
	logger.Debug().Msg("issuing access token")

	start := m.now()
	t, err := m.issuer.Issue(issueCtx, m.cred)
	if err != nil {
		err = asIssueError(err)
		logger.Warn().Err(err).Dur("elapsed", m.now().Sub(start)).Msg("access token issuance failed")
		return Token{}, err
	}

	m.cache.Set(t)

	logger.Info().Object("token", t).Msg("access token issued")
	return t, nil
}

// InvalidateToken marks the current token unusable so the next
// GetValidToken issues a replacement. Idempotent.
func (m *Manager) InvalidateToken() {
	m.cache.Invalidate()
}

// Refresh forces a replacement of a token that the API refused. When stale
// no longer matches the cached token another caller has already replaced it,
// and that replacement is returned without a further issuance. An empty
// stale value invalidates unconditionally.
func (m *Manager) Refresh(ctx context.Context, stale string) (Token, error) {
	if stale == "" {
		m.cache.Invalidate()
	} else {
		m.cache.InvalidateIfCurrent(stale)
	}

	return m.GetValidToken(ctx)
}

// IsTokenValid reports whether GetValidToken would currently return without
// issuing.
func (m *Manager) IsTokenValid() bool {
	_, ok := m.cache.Get()
	return ok
}

// TokenInfo describes the current token for diagnostics. All fields come
// from a single snapshot of the cache.
func (m *Manager) TokenInfo() Info {
	state := m.cache.Describe()

	info := Info{
		IsValid:     state.Valid,
		HasToken:    state.HasToken,
		Invalidated: state.Invalidated,
		IssuedAt:    state.IssuedAt,
		ExpiresAt:   state.ExpiresAt,
	}

	if state.HasToken {
		remaining := state.ExpiresAt.Sub(m.now())
		info.SecondsRemaining = max(0, int64(remaining/time.Second))
	}

	return info
}
