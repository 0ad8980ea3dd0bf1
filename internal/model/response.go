package model

import "time"

// ErrorResponse is the standard envelope for error responses.
type ErrorResponse struct {
	Error          string     `json:"error"`
	RateLimitReset *time.Time `json:"rateLimitReset,omitempty"`
}

// CreateKeyResponse is returned by key issuance. APIKey holds the plaintext
// credential and is never retrievable again.
type CreateKeyResponse struct {
	APIKey  string  `json:"apiKey"`
	KeyInfo KeyInfo `json:"keyInfo"`
	Warning string  `json:"warning"`
}

// ListKeysResponse wraps an owner's keys, newest first.
type ListKeysResponse struct {
	Keys []APIKey `json:"keys"`
}

// ValidateResponse is returned by the standalone validation endpoint.
type ValidateResponse struct {
	Valid          bool              `json:"valid"`
	Error          string            `json:"error,omitempty"`
	RateLimitReset *time.Time        `json:"rateLimitReset,omitempty"`
	KeyInfo        *ValidatedKeyInfo `json:"keyInfo,omitempty"`
}

// ValidatedKeyInfo describes an admitted key and its remaining quota.
type ValidatedKeyInfo struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	RateLimit         int       `json:"rateLimit"`
	RequestsRemaining int       `json:"requestsRemaining"`
	RateLimitReset    time.Time `json:"rateLimitReset"`
}

// ConvertRequest is the body of a currency conversion call.
type ConvertRequest struct {
	From   string   `json:"from"`
	To     string   `json:"to"`
	Amount *float64 `json:"amount"`
}

// ConvertResponse is the body of a successful currency conversion.
type ConvertResponse struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Amount    float64   `json:"amount"`
	Result    float64   `json:"result"`
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}
