package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"

	"github.com/evolution-openai/evolution-bridge/internal/proxy"
	"github.com/evolution-openai/evolution-bridge/pkg/evolution"
	"github.com/rs/zerolog/log"
)

// HTTPStatuser provides HTTP status information for errors
type HTTPStatuser interface {
	Status() (int, string)
}

// tokenInfoResponse describes the shared token without revealing it.
type tokenInfoResponse struct {
	evolution.TokenInfo
	ProjectID     string `json:"projectId"`
	CachedTenants int    `json:"cachedTenants"`
}

func newTokenInfoResponse(registry *proxy.Registry) tokenInfoResponse {
	c := registry.Default()
	return tokenInfoResponse{
		TokenInfo:     c.TokenInfo(),
		ProjectID:     c.ProjectID(),
		CachedTenants: registry.Len(),
	}
}

func handleTokenInfo(registry *proxy.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		writeJSON(w, http.StatusOK, newTokenInfoResponse(registry))
	})
}

// handleTokenRefresh forces a replacement of the shared token, for operators
// who have rotated or revoked it out of band.
func handleTokenRefresh(registry *proxy.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		if _, err := registry.Default().RefreshToken(r.Context()); err != nil {
			status, message := errorStatus(err, http.StatusInternalServerError)
			log.Ctx(r.Context()).Info().Err(err).Msg("token refresh failed")
			writeJSONError(w, status, message)
			return
		}

		log.Ctx(r.Context()).Info().Msg("token refreshed on request")
		writeJSON(w, http.StatusOK, newTokenInfoResponse(registry))
	})
}

// handleProxy forwards any request to the API through the client of the
// tenant named by the inbound x-project-id header. Inbound credentials are
// never forwarded: the client supplies its own.
func handleProxy(registry *proxy.Registry) http.Handler {
	rp := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			c, _ := proxy.ClientFromContext(pr.In.Context())
			pr.SetURL(c.BaseURL())
			pr.SetXForwarded()

			pr.Out.Header.Del("Authorization")
			pr.Out.Header.Del(evolution.ProjectIDHeader)
		},
		Transport: proxy.Transport(),
		// responses may be streamed as server sent events
		FlushInterval: -1,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			status, message := errorStatus(err, http.StatusBadGateway)
			log.Ctx(r.Context()).Warn().Err(err).Int("status", status).Msg("proxied request failed")
			writeJSONError(w, status, message)
		},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := registry.Client(r.Context(), r.Header.Get(evolution.ProjectIDHeader))
		if err != nil {
			defer drainRequestBody(r)

			status, message := errorStatus(err, http.StatusInternalServerError)
			log.Ctx(r.Context()).Info().Err(err).Msg("tenant client unavailable")
			writeJSONError(w, status, message)
			return
		}

		rp.ServeHTTP(w, r.WithContext(proxy.WithClient(r.Context(), c)))
	})
}

func handleHealthCheck() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer drainRequestBody(r)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
}

func maxRequestSize(limit int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.MaxBytesHandler(next, limit)
	}
}

// ErrorResponse represents a JSON error response.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		// the status has been written, so this can only be logged
		log.Info().Err(err).Msg("failed to write JSON response")
	}
}

// writeJSONError writes a JSON error response with the given status code and message.
func writeJSONError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{Error: message})
}

// errorStatus extracts HTTP status code and message from an error. Errors
// that don't implement HTTPStatuser map to fallback.
func errorStatus(err error, fallback int) (int, string) {
	var statuser HTTPStatuser
	if errors.As(err, &statuser) {
		return statuser.Status()
	}
	return fallback, http.StatusText(fallback)
}

// drainRequestBody drains the request body by reading and discarding the contents.
// This is useful to ensure the request body is fully consumed, which is important
// for connection reuse in HTTP/1 clients.
func drainRequestBody(r *http.Request) {
	if r.Body != nil {
		// after 5MB we'll assume the client is broken or malicious and close
		// the connection
		_, _ = io.CopyN(io.Discard, r.Body, 5*1024*1024)
	}
}
