package middleware

import (
	"net/http"
	"time"

	"github.com/go-chi/httprate"

	"github.com/calcdeck/keygate/internal/model"
)

// RateLimit returns an HTTP middleware that limits requests per connection
// IP address to the specified number per minute. It guards key management
// and is independent of the per-key quota. Forwarding headers are ignored.
func RateLimit(requestsPerMinute int) func(http.Handler) http.Handler {
	return httprate.Limit(
		requestsPerMinute,
		time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			WriteError(w, http.StatusTooManyRequests, model.ErrorResponse{Error: "Too many requests"})
		}),
	)
}
