package service

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/metrics"
	"github.com/calcdeck/keygate/internal/model"
	"github.com/calcdeck/keygate/internal/quota"
)

// Outcome classifies a gateway decision.
type Outcome int

const (
	OutcomeAdmitted Outcome = iota
	OutcomeMissingKey
	OutcomeInvalidKey
	OutcomeInactive
	OutcomeExpired
	OutcomeRateLimited
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAdmitted:
		return "admitted"
	case OutcomeMissingKey:
		return "missing_key"
	case OutcomeInvalidKey:
		return "invalid_key"
	case OutcomeInactive:
		return "inactive"
	case OutcomeExpired:
		return "expired"
	case OutcomeRateLimited:
		return "rate_limited"
	default:
		return "unknown"
	}
}

var outcomes = map[Outcome]struct {
	status  int
	message string
	kind    error
}{
	OutcomeAdmitted:    {http.StatusOK, "", nil},
	OutcomeMissingKey:  {http.StatusUnauthorized, "Missing API key in X-API-Key header", ErrUnauthorized},
	OutcomeInvalidKey:  {http.StatusUnauthorized, "Invalid API key", ErrUnauthorized},
	OutcomeInactive:    {http.StatusForbidden, "API key is inactive", ErrForbidden},
	OutcomeExpired:     {http.StatusForbidden, "API key has expired", ErrForbidden},
	OutcomeRateLimited: {http.StatusTooManyRequests, "Rate limit exceeded", ErrRateLimited},
}

// Quota is the rate-limit metadata reported to callers.
type Quota struct {
	Limit     int
	Remaining int
	Reset     time.Time
	// RetryAfter is set on rate-limited decisions only.
	RetryAfter time.Duration
}

// Decision is the gateway's answer for one presented credential.
type Decision struct {
	Outcome Outcome
	Status  int
	Message string
	// Key is the matched record, nil when no key was identified.
	Key *model.APIKey
	// Quota is set whenever a key was identified.
	Quota *Quota
}

// Admitted reports whether the request may proceed.
func (d *Decision) Admitted() bool {
	return d.Outcome == OutcomeAdmitted
}

// Err returns the denial as an error of the matching kind, or nil when admitted.
func (d *Decision) Err() error {
	if d.Admitted() {
		return nil
	}
	return newError(outcomes[d.Outcome].kind, d.Message, nil)
}

// RequestInfo describes the request being validated, for the usage log.
type RequestInfo struct {
	Endpoint  string
	Method    string
	IPAddress string
	UserAgent string
}

// UsageRecorder receives one entry per identified validation attempt.
// Implementations must not block.
type UsageRecorder interface {
	Record(entry model.UsageLogEntry)
}

// Gateway validates API keys and enforces their per-key quota.
type Gateway struct {
	store   KeyStore
	usage   UsageRecorder
	cfg     GatewayConfig
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewGateway creates a Gateway. usage and m may be nil.
func NewGateway(store KeyStore, usage UsageRecorder, cfg GatewayConfig, logger *slog.Logger, m *metrics.Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:   store,
		usage:   usage,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
	}
}

// Validate authenticates rawKey and, when the key is usable, consumes one
// request from its quota. A non-nil error means the decision could not be
// made (storage failure); every other outcome is reported in the Decision.
func (g *Gateway) Validate(ctx context.Context, rawKey string, req RequestInfo) (*Decision, error) {
	start := time.Now()
	d, err := g.validate(ctx, rawKey, req)

	outcome := "error"
	if d != nil {
		outcome = d.Outcome.String()
	}
	g.metrics.ObserveDecision(outcome, time.Since(start))
	return d, err
}

func (g *Gateway) validate(ctx context.Context, rawKey string, req RequestInfo) (*Decision, error) {
	if rawKey == "" {
		return newDecision(OutcomeMissingKey, nil, nil), nil
	}

	now := g.cfg.now()

	key, err := g.store.GetAPIKeyByHash(ctx, config.HashAPIKey(rawKey))
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			g.record(req, nil, http.StatusUnauthorized, now)
			return newDecision(OutcomeInvalidKey, nil, nil), nil
		}
		return nil, newError(ErrStorage, "Error validating API key", err)
	}

	if d := g.checkUsable(key, now); d != nil {
		g.record(req, &key.ID, d.Status, now)
		return d, nil
	}

	var (
		res      quota.Result
		unusable *Decision
	)
	locked, err := g.store.ApplyQuota(ctx, key.ID, func(k *model.APIKey) (bool, error) {
		// The key may have been deactivated between lookup and lock.
		if unusable = g.checkUsable(k, now); unusable != nil {
			return false, nil
		}
		res = quota.Evaluate(quota.State{Count: k.RequestCount, ResetAt: k.RateLimitResetAt}, k.RateLimit, now, g.cfg.Window)
		if !res.Allowed && !res.Rolled {
			return false, nil
		}
		k.RequestCount = res.State.Count
		k.RateLimitResetAt = res.State.ResetAt
		if res.Allowed {
			t := now
			k.LastRequestAt = &t
		}
		return true, nil
	})
	if err != nil {
		return nil, newError(ErrStorage, "Error validating API key", err)
	}
	if unusable != nil {
		g.record(req, &key.ID, unusable.Status, now)
		return unusable, nil
	}

	q := &Quota{Limit: res.Limit, Remaining: res.Remaining, Reset: res.ResetAt, RetryAfter: res.RetryAfter}
	if !res.Allowed {
		g.logger.Debug("api key rate limited", "key_id", locked.ID, "limit", res.Limit, "reset", res.ResetAt)
		g.record(req, &locked.ID, http.StatusTooManyRequests, now)
		return newDecision(OutcomeRateLimited, locked, q), nil
	}

	g.record(req, &locked.ID, http.StatusOK, now)
	return newDecision(OutcomeAdmitted, locked, q), nil
}

// checkUsable returns a denial for inactive or expired keys, reporting the
// stored quota without consuming it.
func (g *Gateway) checkUsable(key *model.APIKey, now time.Time) *Decision {
	var o Outcome
	switch {
	case !key.IsActive:
		o = OutcomeInactive
	case key.Expired(now):
		o = OutcomeExpired
	default:
		return nil
	}
	snap := quota.Snapshot(quota.State{Count: key.RequestCount, ResetAt: key.RateLimitResetAt}, key.RateLimit, now)
	return newDecision(o, key, &Quota{Limit: snap.Limit, Remaining: snap.Remaining, Reset: snap.ResetAt})
}

func (g *Gateway) record(req RequestInfo, keyID *string, status int, now time.Time) {
	if g.usage == nil {
		return
	}
	g.usage.Record(model.UsageLogEntry{
		APIKeyID:   keyID,
		Endpoint:   req.Endpoint,
		Method:     req.Method,
		StatusCode: status,
		IPAddress:  req.IPAddress,
		UserAgent:  req.UserAgent,
		CreatedAt:  now,
	})
}

func newDecision(o Outcome, key *model.APIKey, q *Quota) *Decision {
	meta := outcomes[o]
	return &Decision{
		Outcome: o,
		Status:  meta.status,
		Message: meta.message,
		Key:     key,
		Quota:   q,
	}
}
