package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/server/middleware"
	"github.com/calcdeck/keygate/internal/service"
)

// KeyHandler serves API key management and standalone validation.
type KeyHandler struct {
	keys    *service.KeyService
	gateway middleware.KeyValidator
	logger  *slog.Logger
}

// NewKeyHandler creates a new KeyHandler.
func NewKeyHandler(keys *service.KeyService, gateway middleware.KeyValidator, logger *slog.Logger) *KeyHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeyHandler{
		keys:    keys,
		gateway: gateway,
		logger:  logger,
	}
}

// createKeyRequest is the expected payload for CreateKey.
type createKeyRequest struct {
	Name          string `json:"name"`
	RateLimit     *int   `json:"rateLimit"`
	ExpiresInDays *int   `json:"expiresInDays"`
}

// CreateKey issues a key for the authenticated owner and returns the
// plaintext exactly once.
// POST /api/v1/keys
func (h *KeyHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req createKeyRequest
	if err := readJSON(w, r, &req); err != nil {
		if errors.Is(err, io.EOF) {
			// An empty body is a request without a name.
			writeError(w, http.StatusBadRequest, "API key name is required")
			return
		}
		writeError(w, http.StatusBadRequest, bodyErrorMessage(err))
		return
	}

	issued, err := h.keys.CreateKey(r.Context(), owner.OwnerID, service.CreateKeyParams{
		Name:          req.Name,
		RateLimit:     req.RateLimit,
		ExpiresInDays: req.ExpiresInDays,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("api key issued", "key_id", issued.Key.ID, "owner_id", owner.OwnerID, "prefix", issued.Key.KeyPrefix)
	writeJSON(w, http.StatusCreated, model.CreateKeyResponse{
		APIKey:  issued.Plaintext,
		KeyInfo: issued.Info(),
		Warning: service.IssueWarning,
	})
}

// ListKeys returns the owner's keys, newest first. Hashes are never included.
// GET /api/v1/keys
func (h *KeyHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	keys, err := h.keys.ListKeys(r.Context(), owner.OwnerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, model.ListKeysResponse{Keys: keys})
}

// DeactivateKey marks one of the owner's keys inactive.
// DELETE /api/v1/keys/{keyId}
func (h *KeyHandler) DeactivateKey(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwner(r.Context())
	if owner == nil {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	keyID := chi.URLParam(r, "keyId")
	if err := h.keys.DeactivateKey(r.Context(), owner.OwnerID, keyID); err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	h.logger.Info("api key deactivated", "key_id", keyID, "owner_id", owner.OwnerID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
	})
}

// Validate checks the X-API-Key header and consumes one request from the
// key's quota. Every outcome is reported as a ValidateResponse with the
// gateway's status.
// POST /api/v1/keys/validate
func (h *KeyHandler) Validate(w http.ResponseWriter, r *http.Request) {
	d, err := h.gateway.Validate(r.Context(), r.Header.Get(middleware.APIKeyHeader), middleware.RequestInfoFrom(r))
	if err != nil {
		h.logger.Error("api key validation failed", "error", err)
		writeJSON(w, service.StatusCode(err), model.ValidateResponse{Valid: false, Error: service.Message(err)})
		return
	}

	middleware.SetQuotaHeaders(w, d)
	if d.Key != nil {
		middleware.AddLogAttrs(r.Context(), "key_id", d.Key.ID)
	}
	middleware.AddLogAttrs(r.Context(), "outcome", d.Outcome.String())

	if !d.Admitted() {
		denial := middleware.DenialResponse(d)
		writeJSON(w, d.Status, model.ValidateResponse{
			Valid:          false,
			Error:          denial.Error,
			RateLimitReset: denial.RateLimitReset,
		})
		return
	}

	writeJSON(w, http.StatusOK, model.ValidateResponse{
		Valid: true,
		KeyInfo: &model.ValidatedKeyInfo{
			ID:                d.Key.ID,
			Name:              d.Key.Name,
			RateLimit:         d.Quota.Limit,
			RequestsRemaining: d.Quota.Remaining,
			RateLimitReset:    d.Quota.Reset.UTC(),
		},
	})
}
