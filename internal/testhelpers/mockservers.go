package testhelpers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const IdentityTokenPath = "/api/v1/auth/token"

// MockIdentityServer provides a configurable mock identity endpoint for
// testing. Each successful exchange returns a distinct token
// ("access-token-N"). Configuration fields may be changed between requests
// via Configure.
type MockIdentityServer struct {
	Server *httptest.Server

	mu         sync.Mutex
	statusCode int
	expiresIn  int64
	delay      time.Duration
	rawBody    string
	requests   int
	keyIDs     []string
	secrets    []string
}

// IdentityConfig is the mutable configuration of a MockIdentityServer.
type IdentityConfig struct {
	StatusCode int           // HTTP status code to return (200 if not set)
	ExpiresIn  int64         // expires_in to declare; zero omits the field
	Delay      time.Duration // delay before responding
	RawBody    string        // when set, returned verbatim instead of a token
}

// SetupMockIdentityServer creates a mock identity endpoint that issues
// one-hour tokens.
func SetupMockIdentityServer(t *testing.T) *MockIdentityServer {
	t.Helper()

	mock := &MockIdentityServer{
		statusCode: http.StatusOK,
		expiresIn:  3600,
	}

	router := http.NewServeMux()

	router.HandleFunc("POST "+IdentityTokenPath, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			KeyID  string `json:"keyId"`
			Secret string `json:"secret"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)

		mock.mu.Lock()
		mock.requests++
		n := mock.requests
		mock.keyIDs = append(mock.keyIDs, req.KeyID)
		mock.secrets = append(mock.secrets, req.Secret)
		status, expiresIn, delay, rawBody := mock.statusCode, mock.expiresIn, mock.delay, mock.rawBody
		mock.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}

		if status != http.StatusOK {
			http.Error(w, `{"error":"denied"}`, status)
			return
		}

		if rawBody != "" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(rawBody))
			return
		}

		response := map[string]any{
			"access_token": fmt.Sprintf("access-token-%d", n),
			"token_type":   "Bearer",
		}
		if expiresIn != 0 {
			response["expires_in"] = expiresIn
		}

		WriteJSON(w, response)
	})

	mock.Server = httptest.NewServer(router)
	t.Cleanup(mock.Close)

	return mock
}

// URL returns the full token endpoint URL.
func (m *MockIdentityServer) URL() string {
	return m.Server.URL + IdentityTokenPath
}

// Configure updates the response behaviour for subsequent requests.
func (m *MockIdentityServer) Configure(cfg IdentityConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.statusCode = cfg.StatusCode
	if m.statusCode == 0 {
		m.statusCode = http.StatusOK
	}
	m.expiresIn = cfg.ExpiresIn
	m.delay = cfg.Delay
	m.rawBody = cfg.RawBody
}

// RequestCount returns the number of exchanges received.
func (m *MockIdentityServer) RequestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests
}

// LastCredential returns the key id and secret of the most recent exchange.
func (m *MockIdentityServer) LastCredential() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.keyIDs) == 0 {
		return "", ""
	}
	return m.keyIDs[len(m.keyIDs)-1], m.secrets[len(m.secrets)-1]
}

// Close shuts down the mock server.
func (m *MockIdentityServer) Close() {
	m.Server.Close()
}

// RecordedRequest captures the headers of interest of a request received by
// MockAPIServer.
type RecordedRequest struct {
	Method        string
	Path          string
	Authorization string
	ProjectID     string
	Body          string
}

// MockAPIServer is a mock of the bearer protected API gateway. Responder
// decides the status of the n-th (1-based) request; the default accepts
// every request.
type MockAPIServer struct {
	Server *httptest.Server

	mu        sync.Mutex
	responder func(n int, r *http.Request) int
	requests  []RecordedRequest
}

// SetupMockAPIServer creates a mock API server that echoes a small JSON body
// on success.
func SetupMockAPIServer(t *testing.T) *MockAPIServer {
	t.Helper()

	mock := &MockAPIServer{
		responder: func(int, *http.Request) int { return http.StatusOK },
	}

	mock.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)

		mock.mu.Lock()
		mock.requests = append(mock.requests, RecordedRequest{
			Method:        r.Method,
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			ProjectID:     r.Header.Get("x-project-id"),
			Body:          string(body),
		})
		n := len(mock.requests)
		responder := mock.responder
		mock.mu.Unlock()

		status := responder(n, r)
		if status != http.StatusOK {
			http.Error(w, http.StatusText(status), status)
			return
		}

		WriteJSON(w, map[string]any{"ok": true, "path": r.URL.Path})
	}))
	t.Cleanup(mock.Close)

	return mock
}

// Respond replaces the responder used for subsequent requests.
func (m *MockAPIServer) Respond(responder func(n int, r *http.Request) int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responder = responder
}

// Requests returns a copy of the requests received so far.
func (m *MockAPIServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// Close shuts down the mock server.
func (m *MockAPIServer) Close() {
	m.Server.Close()
}

// WriteJSON is a helper function that writes a JSON response.
// It sets the Content-Type header and marshals the payload to JSON.
func WriteJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(payload)
	if err != nil {
		// In test context, this should never happen with valid test data
		http.Error(w, fmt.Sprintf("failed to marshal JSON: %v", err), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
