package issuer_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/evolution-openai/evolution-bridge/internal/credential"
	"github.com/evolution-openai/evolution-bridge/internal/issuer"
	"github.com/evolution-openai/evolution-bridge/internal/testhelpers"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCredential(t *testing.T) credential.Credential {
	t.Helper()
	cred, err := credential.New("key-id", "secret-value")
	require.NoError(t, err)
	return cred
}

func TestIssue_Success(t *testing.T) {
	identity := testhelpers.SetupMockIdentityServer(t)
	iss := issuer.New(identity.URL())

	before := time.Now()
	tok, err := iss.Issue(context.Background(), testCredential(t))
	require.NoError(t, err)

	assert.Equal(t, "access-token-1", tok.Value)
	assert.Equal(t, "Bearer", tok.Type)
	assert.WithinDuration(t, before, tok.IssuedAt, time.Second)
	assert.Equal(t, tok.IssuedAt.Add(time.Hour), tok.ExpiresAt)

	keyID, secret := identity.LastCredential()
	assert.Equal(t, "key-id", keyID)
	assert.Equal(t, "secret-value", secret)
}

func TestIssue_FallbackLifetime(t *testing.T) {
	identity := testhelpers.SetupMockIdentityServer(t)
	identity.Configure(testhelpers.IdentityConfig{ExpiresIn: 0})

	iss := issuer.New(identity.URL(), issuer.WithFallbackLifetime(2*time.Minute))

	tok, err := iss.Issue(context.Background(), testCredential(t))
	require.NoError(t, err)

	assert.Equal(t, tok.IssuedAt.Add(2*time.Minute), tok.ExpiresAt)
}

func TestIssue_HugeDeclaredLifetimeIsClamped(t *testing.T) {
	identity := testhelpers.SetupMockIdentityServer(t)
	identity.Configure(testhelpers.IdentityConfig{ExpiresIn: 1 << 62})

	iss := issuer.New(identity.URL())

	tok, err := iss.Issue(context.Background(), testCredential(t))
	require.NoError(t, err)

	assert.True(t, tok.ExpiresAt.After(tok.IssuedAt))
	assert.Equal(t, tok.IssuedAt.Add(365*24*time.Hour), tok.ExpiresAt)
}

func TestIssue_LifetimeFromJWTClaim(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Truncate(time.Second)
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-signing-key"))
	require.NoError(t, err)

	identity := testhelpers.SetupMockIdentityServer(t)
	identity.Configure(testhelpers.IdentityConfig{
		RawBody: `{"access_token":"` + signed + `"}`,
	})

	iss := issuer.New(identity.URL())

	tok, err := iss.Issue(context.Background(), testCredential(t))
	require.NoError(t, err)

	assert.Equal(t, signed, tok.Value)
	assert.True(t, exp.Equal(tok.ExpiresAt), "expected %v, got %v", exp, tok.ExpiresAt)
}

func TestIssue_StatusFailures(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		kind      issuer.Kind
		temporary bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, kind: issuer.KindRejected},
		{name: "forbidden", status: http.StatusForbidden, kind: issuer.KindRejected},
		{name: "bad request", status: http.StatusBadRequest, kind: issuer.KindRejected},
		{name: "server error", status: http.StatusInternalServerError, kind: issuer.KindStatus, temporary: true},
		{name: "throttled", status: http.StatusTooManyRequests, kind: issuer.KindStatus, temporary: true},
		{name: "not found", status: http.StatusNotFound, kind: issuer.KindStatus},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identity := testhelpers.SetupMockIdentityServer(t)
			identity.Configure(testhelpers.IdentityConfig{StatusCode: tc.status})

			_, err := issuer.New(identity.URL()).Issue(context.Background(), testCredential(t))
			require.Error(t, err)

			var issueErr *issuer.Error
			require.True(t, errors.As(err, &issueErr))
			assert.Equal(t, tc.kind, issueErr.Kind)
			assert.Equal(t, tc.status, issueErr.StatusCode)
			assert.Equal(t, tc.temporary, issueErr.Temporary())
			assert.Equal(t, tc.kind == issuer.KindRejected, issuer.IsRejected(err))
		})
	}
}

func TestIssue_MalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{name: "not json", body: "<html>oops</html>"},
		{name: "missing token", body: `{"expires_in":3600}`},
		{name: "wrong type", body: `{"access_token":42}`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			identity := testhelpers.SetupMockIdentityServer(t)
			identity.Configure(testhelpers.IdentityConfig{RawBody: tc.body})

			_, err := issuer.New(identity.URL()).Issue(context.Background(), testCredential(t))

			var issueErr *issuer.Error
			require.True(t, errors.As(err, &issueErr))
			assert.Equal(t, issuer.KindMalformed, issueErr.Kind)
			assert.False(t, issueErr.Temporary())
		})
	}
}

func TestIssue_Timeout(t *testing.T) {
	identity := testhelpers.SetupMockIdentityServer(t)
	identity.Configure(testhelpers.IdentityConfig{ExpiresIn: 3600, Delay: time.Second})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := issuer.New(identity.URL()).Issue(ctx, testCredential(t))

	var issueErr *issuer.Error
	require.True(t, errors.As(err, &issueErr))
	assert.Equal(t, issuer.KindTimeout, issueErr.Kind)
	assert.True(t, issueErr.Temporary())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	status, _ := issueErr.Status()
	assert.Equal(t, http.StatusGatewayTimeout, status)
}

func TestIssue_NetworkFailure(t *testing.T) {
	identity := testhelpers.SetupMockIdentityServer(t)
	url := identity.URL()
	identity.Close()

	_, err := issuer.New(url).Issue(context.Background(), testCredential(t))

	var issueErr *issuer.Error
	require.True(t, errors.As(err, &issueErr))
	assert.Equal(t, issuer.KindNetwork, issueErr.Kind)
	assert.Zero(t, issueErr.StatusCode)
	assert.NotNil(t, issueErr.Unwrap())

	status, _ := issueErr.Status()
	assert.Equal(t, http.StatusBadGateway, status)
}

func TestIssue_DoesNotRetry(t *testing.T) {
	identity := testhelpers.SetupMockIdentityServer(t)
	identity.Configure(testhelpers.IdentityConfig{StatusCode: http.StatusServiceUnavailable})

	_, err := issuer.New(identity.URL()).Issue(context.Background(), testCredential(t))

	require.Error(t, err)
	assert.Equal(t, 1, identity.RequestCount())
}

func TestError_Messages(t *testing.T) {
	assert.Equal(t, "token issuance failed (rejected, HTTP 401)", (&issuer.Error{Kind: issuer.KindRejected, StatusCode: 401}).Error())
	assert.Equal(t, "token issuance failed (network): boom", (&issuer.Error{Kind: issuer.KindNetwork, Err: errors.New("boom")}).Error())
	assert.Equal(t, "token issuance failed (status, HTTP 502): bad", (&issuer.Error{Kind: issuer.KindStatus, StatusCode: 502, Err: errors.New("bad")}).Error())
	assert.Equal(t, "token issuance failed (malformed)", (&issuer.Error{Kind: issuer.KindMalformed}).Error())
}
