package service

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/calcdeck/keygate/internal/config"
	"github.com/calcdeck/keygate/internal/metrics"
	"github.com/calcdeck/keygate/internal/model"
)

// IssueWarning accompanies every freshly issued key.
const IssueWarning = "Store this API key securely. It will not be shown again."

const (
	keyEntropyBytes = 32
	maxNameLength   = 255

	// DefaultUsageLimit bounds ListUsage when no limit is given.
	DefaultUsageLimit = 50
	maxUsageLimit     = 1000
)

// KeyStore is the persistence the key service and gateway need.
// *config.Store implements it.
type KeyStore interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*model.APIKey, error)
	ListAPIKeysByOwner(ctx context.Context, ownerID string) ([]model.APIKey, error)
	DeactivateAPIKey(ctx context.Context, ownerID, id string) error
	ApplyQuota(ctx context.Context, id string, fn config.QuotaFunc) (*model.APIKey, error)
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	ListUsageLogs(ctx context.Context, keyID string, limit int) ([]model.UsageLogEntry, error)
}

// GatewayConfig holds the key format and quota constants shared by issuance
// and validation.
type GatewayConfig struct {
	Window           time.Duration
	DefaultRateLimit int
	KeyMarker        string
	PrefixLength     int
	Now              func() time.Time
}

// DefaultGatewayConfig returns a one-hour window, 1000 requests per window
// and "ck_" keys displayed by their first 8 characters.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		Window:           time.Hour,
		DefaultRateLimit: 1000,
		KeyMarker:        "ck_",
		PrefixLength:     8,
		Now:              time.Now,
	}
}

func (c GatewayConfig) withDefaults() GatewayConfig {
	d := DefaultGatewayConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.DefaultRateLimit <= 0 {
		c.DefaultRateLimit = d.DefaultRateLimit
	}
	if c.KeyMarker == "" {
		c.KeyMarker = d.KeyMarker
	}
	if c.PrefixLength <= 0 {
		c.PrefixLength = d.PrefixLength
	}
	if c.Now == nil {
		c.Now = d.Now
	}
	return c
}

func (c GatewayConfig) now() time.Time {
	return c.Now().UTC()
}

// CreateKeyParams describes a key issuance request. Nil or zero RateLimit
// selects the default; nil or zero ExpiresInDays means the key never expires.
type CreateKeyParams struct {
	Name          string
	RateLimit     *int
	ExpiresInDays *int
}

// IssuedKey is the result of issuance. Plaintext is returned exactly once
// and is not recoverable afterwards.
type IssuedKey struct {
	Plaintext string
	Key       *model.APIKey
}

// Info returns the public metadata of the issued key.
func (k *IssuedKey) Info() model.KeyInfo {
	return model.KeyInfo{
		ID:        k.Key.ID,
		Name:      k.Key.Name,
		Prefix:    k.Key.KeyPrefix,
		RateLimit: k.Key.RateLimit,
		ExpiresAt: k.Key.ExpiresAt,
		CreatedAt: k.Key.CreatedAt,
	}
}

// KeyService issues, lists and deactivates API keys.
type KeyService struct {
	store   KeyStore
	cfg     GatewayConfig
	metrics *metrics.Metrics
	rand    io.Reader
}

// NewKeyService creates a KeyService. m may be nil.
func NewKeyService(store KeyStore, cfg GatewayConfig, m *metrics.Metrics) *KeyService {
	return &KeyService{
		store:   store,
		cfg:     cfg.withDefaults(),
		metrics: m,
		rand:    rand.Reader,
	}
}

// CreateKey issues a new key for ownerID. Only the hash of the plaintext is
// persisted.
func (s *KeyService) CreateKey(ctx context.Context, ownerID string, p CreateKeyParams) (*IssuedKey, error) {
	if ownerID == "" {
		return nil, newError(ErrUnauthorized, "Unauthorized", nil)
	}

	name := strings.TrimSpace(p.Name)
	if name == "" {
		return nil, newError(ErrInvalidRequest, "API key name is required", nil)
	}
	if len(name) > maxNameLength {
		return nil, newError(ErrInvalidRequest, fmt.Sprintf("API key name must be at most %d characters", maxNameLength), nil)
	}

	rateLimit := s.cfg.DefaultRateLimit
	if p.RateLimit != nil {
		switch {
		case *p.RateLimit < 0:
			return nil, newError(ErrInvalidRequest, "rateLimit must be a positive integer", nil)
		case *p.RateLimit > 0:
			rateLimit = *p.RateLimit
		}
	}

	now := s.cfg.now()
	var expiresAt *time.Time
	if p.ExpiresInDays != nil {
		switch {
		case *p.ExpiresInDays < 0:
			return nil, newError(ErrInvalidRequest, "expiresInDays must be a positive integer", nil)
		case *p.ExpiresInDays > 0:
			t := now.Add(time.Duration(*p.ExpiresInDays) * 24 * time.Hour)
			expiresAt = &t
		}
	}

	plaintext, err := generateKey(s.rand, s.cfg.KeyMarker)
	if err != nil {
		return nil, newError(ErrInternal, "Failed to create API key", err)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, newError(ErrInternal, "Failed to create API key", err)
	}

	prefix := plaintext
	if len(prefix) > s.cfg.PrefixLength {
		prefix = prefix[:s.cfg.PrefixLength]
	}

	key := &model.APIKey{
		ID:               id.String(),
		KeyHash:          config.HashAPIKey(plaintext),
		KeyPrefix:        prefix,
		Name:             name,
		OwnerID:          ownerID,
		IsActive:         true,
		RateLimit:        rateLimit,
		RequestCount:     0,
		RateLimitResetAt: now.Add(s.cfg.Window),
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
	}
	if err := s.store.CreateAPIKey(ctx, key); err != nil {
		return nil, newError(ErrStorage, "Failed to create API key", err)
	}

	s.metrics.KeyIssued()
	return &IssuedKey{Plaintext: plaintext, Key: key}, nil
}

// ListKeys returns ownerID's keys, newest first.
func (s *KeyService) ListKeys(ctx context.Context, ownerID string) ([]model.APIKey, error) {
	if ownerID == "" {
		return nil, newError(ErrUnauthorized, "Unauthorized", nil)
	}
	keys, err := s.store.ListAPIKeysByOwner(ctx, ownerID)
	if err != nil {
		return nil, newError(ErrStorage, "Failed to fetch API keys", err)
	}
	return keys, nil
}

// DeactivateKey marks one of ownerID's keys inactive. The record and its
// usage history are kept.
func (s *KeyService) DeactivateKey(ctx context.Context, ownerID, keyID string) error {
	if ownerID == "" {
		return newError(ErrUnauthorized, "Unauthorized", nil)
	}
	if keyID == "" {
		return newError(ErrInvalidRequest, "API key id is required", nil)
	}
	if err := s.store.DeactivateAPIKey(ctx, ownerID, keyID); err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return newError(ErrNotFound, "API key not found", nil)
		}
		return newError(ErrStorage, "Failed to deactivate API key", err)
	}
	return nil
}

// ListUsage returns the newest usage entries recorded against one of
// ownerID's keys. Keys of other owners are reported as not found.
func (s *KeyService) ListUsage(ctx context.Context, ownerID, keyID string, limit int) ([]model.UsageLogEntry, error) {
	if ownerID == "" {
		return nil, newError(ErrUnauthorized, "Unauthorized", nil)
	}
	if keyID == "" {
		return nil, newError(ErrInvalidRequest, "API key id is required", nil)
	}
	switch {
	case limit <= 0:
		limit = DefaultUsageLimit
	case limit > maxUsageLimit:
		limit = maxUsageLimit
	}

	key, err := s.store.GetAPIKey(ctx, keyID)
	if err != nil {
		if errors.Is(err, config.ErrNotFound) {
			return nil, newError(ErrNotFound, "API key not found", nil)
		}
		return nil, newError(ErrStorage, "Failed to fetch API key usage", err)
	}
	if key.OwnerID != ownerID {
		return nil, newError(ErrNotFound, "API key not found", nil)
	}

	entries, err := s.store.ListUsageLogs(ctx, keyID, limit)
	if err != nil {
		return nil, newError(ErrStorage, "Failed to fetch API key usage", err)
	}
	return entries, nil
}

// generateKey returns marker followed by the hex encoding of 32 random bytes.
func generateKey(r io.Reader, marker string) (string, error) {
	b := make([]byte, keyEntropyBytes)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	return marker + hex.EncodeToString(b), nil
}
