package proxy

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const CorrelationIDHeader = "X-Correlation-ID"

const maxCorrelationIDLength = 128

// Correlation ensures every request carries a correlation id, generating
// one when the caller did not supply a usable value. The id is echoed in the
// response, forwarded upstream and attached to the request logger.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(CorrelationIDHeader)
		if id == "" || len(id) > maxCorrelationIDLength {
			id = uuid.NewString()
			r.Header.Set(CorrelationIDHeader, id)
		}

		w.Header().Set(CorrelationIDHeader, id)

		logger := log.Ctx(r.Context()).With().Str("correlationID", id).Logger()
		ctx := logger.WithContext(r.Context())

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
