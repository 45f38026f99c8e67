package issuer

import (
	"github.com/evolution-openai/evolution-bridge/internal/token"
)

type (
	// Kind classifies an issuance failure.
	Kind = token.IssueKind

	// Error is returned for every failed token exchange.
	Error = token.IssueError
)

const (
	KindNetwork   = token.KindNetwork
	KindTimeout   = token.KindTimeout
	KindRejected  = token.KindRejected
	KindStatus    = token.KindStatus
	KindMalformed = token.KindMalformed
)

// IsRejected reports whether err is an issuance failure caused by the
// endpoint refusing the credential.
func IsRejected(err error) bool {
	return token.IsRejected(err)
}
