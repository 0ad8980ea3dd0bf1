package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/calcdeck/keygate/internal/exchange"
	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/server/middleware"
)

const missingFieldsMessage = "Missing required fields: from, to, amount"

// ConvertHandler converts currency amounts for callers admitted by the API
// key gateway.
type ConvertHandler struct {
	provider exchange.Provider
	logger   *slog.Logger
	now      func() time.Time
}

// NewConvertHandler creates a new ConvertHandler.
func NewConvertHandler(provider exchange.Provider, logger *slog.Logger) *ConvertHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConvertHandler{
		provider: provider,
		logger:   logger,
		now:      time.Now,
	}
}

// Convert looks up the exchange rate for the pair and applies it to amount.
// POST /api/v1/convert
func (h *ConvertHandler) Convert(w http.ResponseWriter, r *http.Request) {
	var req model.ConvertRequest
	if err := readJSON(w, r, &req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, bodyErrorMessage(err))
			return
		}
		writeError(w, http.StatusBadRequest, missingFieldsMessage)
		return
	}
	from, to := strings.TrimSpace(req.From), strings.TrimSpace(req.To)
	if from == "" || to == "" || req.Amount == nil {
		writeError(w, http.StatusBadRequest, missingFieldsMessage)
		return
	}

	conv, err := h.provider.Convert(r.Context(), from, to, *req.Amount)
	if err != nil {
		logger := h.requestLogger(r)
		var perr *exchange.ProviderError
		switch {
		case errors.As(err, &perr):
			writeError(w, http.StatusBadRequest, perr.Error())
		case errors.Is(err, exchange.ErrNotConfigured):
			logger.Error("currency conversion unavailable", "error", err)
			writeError(w, http.StatusInternalServerError, "Exchange rate API not configured")
		case errors.Is(err, exchange.ErrUpstream):
			logger.Warn("exchange rate provider failed", "error", err, "from", from, "to", to)
			writeError(w, http.StatusBadGateway, "Failed to fetch exchange rates")
		default:
			logger.Error("currency conversion failed", "error", err)
			writeError(w, http.StatusInternalServerError, "Internal server error")
		}
		return
	}

	writeJSON(w, http.StatusOK, model.ConvertResponse{
		From:      req.From,
		To:        req.To,
		Amount:    *req.Amount,
		Result:    conv.Result,
		Rate:      conv.Rate,
		Timestamp: h.now().UTC(),
	})
}

// requestLogger tags log lines with the admitting key, when there is one.
func (h *ConvertHandler) requestLogger(r *http.Request) *slog.Logger {
	d := middleware.GetDecision(r.Context())
	if d == nil || d.Key == nil {
		return h.logger
	}
	return h.logger.With("key_id", d.Key.ID, "key_prefix", d.Key.KeyPrefix)
}
