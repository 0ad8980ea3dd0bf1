package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/service"
)

type contextKeyAuth string

const (
	// OwnerKey is the context key for the authenticated key owner.
	OwnerKey contextKeyAuth = "owner_principal"
	// DecisionKey is the context key for an admitted gateway decision.
	DecisionKey contextKeyAuth = "gateway_decision"
)

// RequireOwner returns an HTTP middleware that authenticates the key owner
// from an "Authorization: Bearer <jwt>" header. On success the
// service.OwnerPrincipal is attached to the request context; otherwise a 401
// JSON error is returned.
func RequireOwner(authSvc *service.AuthService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, http.StatusUnauthorized, "Missing Authorization header")
				return
			}
			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || token == "" {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			owner, err := authSvc.ValidateJWT(r.Context(), token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "Unauthorized")
				return
			}

			AddLogAttrs(r.Context(), "owner_id", owner.OwnerID)
			ctx := context.WithValue(r.Context(), OwnerKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetOwner extracts the authenticated owner from the context.
// Returns nil if no owner is present.
func GetOwner(ctx context.Context) *service.OwnerPrincipal {
	if p, ok := ctx.Value(OwnerKey).(*service.OwnerPrincipal); ok {
		return p
	}
	return nil
}

// GetDecision returns the admitted gateway decision stored by RequireAPIKey.
func GetDecision(ctx context.Context) *service.Decision {
	if d, ok := ctx.Value(DecisionKey).(*service.Decision); ok {
		return d
	}
	return nil
}

// WriteError writes the {"error": "..."} envelope. The handler package has
// its own writer; this one keeps middleware free of that import.
func WriteError(w http.ResponseWriter, status int, resp model.ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	WriteError(w, status, model.ErrorResponse{Error: message})
}
