// Package token holds the access token lifecycle: the immutable Token value,
// the concurrency-safe single slot Cache and the Manager that coordinates
// reuse and single-flight issuance.
package token

import (
	"context"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/rs/zerolog"
)

// Issuer exchanges a credential for a new token. Implementations perform
// network I/O, must honour the context deadline and must not retry.
type Issuer interface {
	Issue(ctx context.Context, cred credential.Credential) (Token, error)
}

// IssuerFunc adapts a function to the Issuer interface.
type IssuerFunc func(ctx context.Context, cred credential.Credential) (Token, error)

func (f IssuerFunc) Issue(ctx context.Context, cred credential.Credential) (Token, error) {
	return f(ctx, cred)
}

// Token is an immutable bearer token value. A refresh produces a new Token;
// existing values are never modified.
type Token struct {
	Value     string
	Type      string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// ExpiredAt reports whether the token should be treated as expired at the
// given instant. The margin brings the practical expiry forward to absorb
// clock skew and in-flight request latency.
func (t Token) ExpiredAt(now time.Time, margin time.Duration) bool {
	return !now.Add(margin).Before(t.ExpiresAt)
}

// IsZero reports whether the token carries no value.
func (t Token) IsZero() bool {
	return t.Value == ""
}

// MarshalZerologObject logs the token lifetime only; the bearer value is
// omitted.
func (t Token) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", t.Type).
		Time("issuedAt", t.IssuedAt).
		Time("expiresAt", t.ExpiresAt)
}
