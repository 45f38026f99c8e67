package token

import (
	"errors"
	"fmt"
	"net/http"
)

// IssueKind classifies an issuance failure.
type IssueKind int

const (
	// KindNetwork covers failures to reach the identity endpoint.
	KindNetwork IssueKind = iota
	// KindTimeout is an issuance that did not complete within a deadline,
	// either the exchange's own or that of the caller waiting for it.
	KindTimeout
	// KindRejected means the endpoint refused the credential.
	KindRejected
	// KindStatus is any other non-success response.
	KindStatus
	// KindMalformed means the response could not be interpreted.
	KindMalformed
)

func (k IssueKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindRejected:
		return "rejected"
	case KindStatus:
		return "status"
	case KindMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IssueError is returned for every failed token issuance. StatusCode is set
// when the endpoint responded; Err holds the root cause otherwise.
type IssueError struct {
	Kind       IssueKind
	StatusCode int
	Err        error
}

func (e *IssueError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("token issuance failed (%s, HTTP %d): %v", e.Kind, e.StatusCode, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("token issuance failed (%s, HTTP %d)", e.Kind, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("token issuance failed (%s): %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("token issuance failed (%s)", e.Kind)
	}
}

func (e *IssueError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure may succeed when attempted again
// without changing the credential.
func (e *IssueError) Temporary() bool {
	switch e.Kind {
	case KindNetwork, KindTimeout:
		return true
	case KindStatus:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	default:
		return false
	}
}

// Status maps the failure to the response a gateway should give its own
// caller.
func (e *IssueError) Status() (int, string) {
	if e.Kind == KindTimeout {
		return http.StatusGatewayTimeout, "token issuance timed out"
	}

	return http.StatusBadGateway, fmt.Sprintf("token issuance failed: %s", e.Kind)
}

// IsRejected reports whether err is an issuance failure caused by the
// endpoint refusing the credential.
func IsRejected(err error) bool {
	var issueErr *IssueError
	return errors.As(err, &issueErr) && issueErr.Kind == KindRejected
}
