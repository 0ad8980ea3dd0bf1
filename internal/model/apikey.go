package model

import "time"

// APIKey is a caller credential together with its fixed-window quota state.
// The raw key is never stored; only a SHA-256 hash and a short prefix for
// identification are persisted.
type APIKey struct {
	ID               string     `json:"id" db:"id"`
	KeyHash          string     `json:"-" db:"key_hash"` // SHA-256 hash, never expose
	KeyPrefix        string     `json:"key_prefix" db:"key_prefix"`
	Name             string     `json:"name" db:"name"`
	OwnerID          string     `json:"-" db:"owner_id"`
	IsActive         bool       `json:"is_active" db:"is_active"`
	RateLimit        int        `json:"rate_limit" db:"rate_limit"`
	RequestCount     int        `json:"request_count" db:"request_count"`
	RateLimitResetAt time.Time  `json:"-" db:"rate_limit_reset_at"`
	LastRequestAt    *time.Time `json:"last_request_at" db:"last_request_at"`
	ExpiresAt        *time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt        time.Time  `json:"created_at" db:"created_at"`
}

// Expired reports whether the key carries an expiry that lies before now.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// KeyInfo is the public metadata returned once, next to a freshly issued key.
type KeyInfo struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Prefix    string     `json:"prefix"`
	RateLimit int        `json:"rateLimit"`
	ExpiresAt *time.Time `json:"expiresAt"`
	CreatedAt time.Time  `json:"createdAt"`
}
