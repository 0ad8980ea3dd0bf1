package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/service"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "X-API-Key"

// ResetTimeFormat is the layout of X-RateLimit-Reset: ISO-8601 UTC with
// millisecond precision.
const ResetTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// KeyValidator decides whether a presented API key may proceed.
// *service.Gateway implements it.
type KeyValidator interface {
	Validate(ctx context.Context, rawKey string, req service.RequestInfo) (*service.Decision, error)
}

// RequireAPIKey returns an HTTP middleware that runs the X-API-Key header
// through the gateway. Rate-limit headers are set whenever a key was
// identified. Denied requests get the gateway's status and message; admitted
// requests carry the decision in the context (see GetDecision).
func RequireAPIKey(gw KeyValidator, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d, err := gw.Validate(r.Context(), r.Header.Get(APIKeyHeader), RequestInfoFrom(r))
			if err != nil {
				logger.Error("api key validation failed", "error", err, "request_id", GetRequestID(r.Context()))
				WriteError(w, service.StatusCode(err), model.ErrorResponse{Error: service.Message(err)})
				return
			}

			SetQuotaHeaders(w, d)
			if d.Key != nil {
				AddLogAttrs(r.Context(), "key_id", d.Key.ID)
			}
			AddLogAttrs(r.Context(), "outcome", d.Outcome.String())

			if !d.Admitted() {
				WriteError(w, d.Status, DenialResponse(d))
				return
			}

			ctx := context.WithValue(r.Context(), DecisionKey, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DenialResponse builds the error body for a denied decision. Rate-limited
// responses also report when the window resets.
func DenialResponse(d *service.Decision) model.ErrorResponse {
	resp := model.ErrorResponse{Error: d.Message}
	if d.Outcome == service.OutcomeRateLimited && d.Quota != nil {
		reset := d.Quota.Reset.UTC()
		resp.RateLimitReset = &reset
	}
	return resp
}

// SetQuotaHeaders writes the X-RateLimit-* headers for decisions that
// identified a key, plus Retry-After (whole seconds, rounded up) when the
// key is rate limited.
func SetQuotaHeaders(w http.ResponseWriter, d *service.Decision) {
	if d == nil || d.Quota == nil {
		return
	}
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Quota.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Quota.Remaining))
	h.Set("X-RateLimit-Reset", d.Quota.Reset.UTC().Format(ResetTimeFormat))
	if d.Outcome == service.OutcomeRateLimited {
		secs := int64((d.Quota.RetryAfter + time.Second - 1) / time.Second)
		h.Set("Retry-After", strconv.FormatInt(secs, 10))
	}
}

// RequestInfoFrom describes r for the usage log.
func RequestInfoFrom(r *http.Request) service.RequestInfo {
	return service.RequestInfo{
		Endpoint:  r.URL.Path,
		Method:    r.Method,
		IPAddress: ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// ClientIP returns the first X-Forwarded-For address, then X-Real-IP, then
// the host part of the connection's remote address.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
