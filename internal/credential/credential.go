package credential

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

const fingerprintBytes = 6

// ErrInvalidCredential is matched by every *Error using errors.Is.
var ErrInvalidCredential = errors.New("invalid credential")

// Error reports a missing or malformed key/secret supplied at construction.
// It is never retryable.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid credential: %s %s", e.Field, e.Reason)
}

func (e *Error) Is(target error) bool {
	return target == ErrInvalidCredential
}

// Credential is the long-lived key/secret pair exchanged for access tokens.
// The zero value is not usable: construct with New.
type Credential struct {
	keyID  string
	secret string
}

// New validates and returns a credential. Surrounding whitespace is treated
// as a configuration mistake rather than silently trimmed, as the identity
// endpoint would otherwise reject the pair with an opaque error.
func New(keyID, secret string) (Credential, error) {
	if err := validate("key id", keyID); err != nil {
		return Credential{}, err
	}
	if err := validate("secret", secret); err != nil {
		return Credential{}, err
	}

	return Credential{keyID: keyID, secret: secret}, nil
}

func validate(field, value string) error {
	switch {
	case value == "":
		return &Error{Field: field, Reason: "is required"}
	case strings.TrimSpace(value) != value:
		return &Error{Field: field, Reason: "has leading or trailing whitespace"}
	case strings.ContainsAny(value, "\r\n"):
		return &Error{Field: field, Reason: "contains a line break"}
	}
	return nil
}

func (c Credential) KeyID() string {
	return c.keyID
}

func (c Credential) Secret() string {
	return c.secret
}

// Equal reports whether both credentials hold the same key/secret pair.
func (c Credential) Equal(other Credential) bool {
	return c.keyID == other.keyID && c.secret == other.secret
}

// Fingerprint identifies the key id in diagnostics without revealing it: a
// truncated SHA-256 of the key id. Empty for the zero value.
func (c Credential) Fingerprint() string {
	if c.keyID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(c.keyID))
	return hex.EncodeToString(sum[:fingerprintBytes])
}

// String never includes the key id or the secret.
func (c Credential) String() string {
	return fmt.Sprintf("credential(%s)", c.Fingerprint())
}

// GoString keeps %#v from printing the secret field.
func (c Credential) GoString() string {
	return c.String()
}

// MarshalZerologObject emits only the fingerprint.
func (c Credential) MarshalZerologObject(e *zerolog.Event) {
	e.Str("fingerprint", c.Fingerprint())
}
